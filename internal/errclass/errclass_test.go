package errclass

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"git auth failure", "fatal: Authentication failed for 'https://github.com/org/repo.git/'", KindAuth},
		{"http 401", "server returned 401 Unauthorized", KindAuth},
		{"invalid credentials", "remote: Invalid credentials", KindAuth},
		{"permission denied", "Permission denied (publickey)", KindPermissionDenied},
		{"http 403", "The requested URL returned error: 403", KindPermissionDenied},
		{"dns failure", "could not resolve host: github.com", KindDNSResolution},
		{"dns failure curl spelling", "Couldn't resolve host 'github.com'", KindDNSResolution},
		{"no such host", "dial tcp: lookup github.com: no such host", KindDNSResolution},
		{"repo not found", "fatal: repository 'https://github.com/org/missing.git/' not found", KindNotFound},
		{"http 404", "The requested URL returned error: 404", KindNotFound},
		{"timeout", "connection timed out", KindTimeout},
		{"context deadline", "context deadline exceeded", KindTimeout},
		{"connection reset", "read: connection reset by peer", KindConnectionReset},
		{"broken pipe", "write: broken pipe", KindConnectionReset},
		{"connection refused", "dial tcp 127.0.0.1:9418: connect: connection refused", KindNetwork},
		{"network unreachable", "connect: network is unreachable", KindNetwork},
		{"invalid url", "fatal: invalid URL scheme or missing host", KindInvalidFormat},
		{"ssh rejected", "ssh urls are not supported, use https", KindInvalidFormat},
		{"host key", "Host key verification failed.", KindHost},
		{"unclassified", "something completely different went wrong", KindUnknown},
		{"empty", "", KindUnknown},
		{"whitespace only", "   \t  ", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.raw))
		})
	}
}

// Priority: a message matching several categories must resolve to the
// highest-priority one.
func TestClassifyPriority(t *testing.T) {
	// "could not resolve host" contains "host"; dns wins over host.
	assert.Equal(t, KindDNSResolution, Classify("could not resolve host: example.com"))

	// auth beats permission when both appear.
	assert.Equal(t, KindAuth, Classify("authentication failed: permission denied"))

	// timeout beats network.
	assert.Equal(t, KindTimeout, Classify("connection failed: operation timed out"))
}

func TestClassifyErr(t *testing.T) {
	assert.Equal(t, KindUnknown, ClassifyErr(nil))
	assert.Equal(t, KindAuth, ClassifyErr(errors.New("fatal: Authentication failed")))
}

func TestIsRetryable(t *testing.T) {
	retryable := []Kind{KindTimeout, KindNetwork, KindConnectionReset, KindDNSResolution, KindUnknown}
	for _, k := range retryable {
		assert.True(t, IsRetryable(k), "expected %s to be retryable", k)
	}

	permanent := []Kind{KindAuth, KindNotFound, KindPermissionDenied, KindInvalidFormat, KindHost}
	for _, k := range permanent {
		assert.False(t, IsRetryable(k), "expected %s to be permanent", k)
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "authentication failed", Message(KindAuth))
	assert.Equal(t, "cannot resolve host", Message(KindDNSResolution))
	assert.Equal(t, "connection test failed", Message(KindUnknown))
	// Unmapped kinds fall back to the unknown message.
	assert.Equal(t, "connection test failed", Message(Kind("bogus")))
}

func TestRetryableKindsIsACopy(t *testing.T) {
	kinds := RetryableKinds()
	kinds[KindAuth] = true
	assert.False(t, IsRetryable(KindAuth))
}
