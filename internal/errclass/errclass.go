// Package errclass maps raw error text from git, network, and process
// failures onto a closed set of error kinds. Classification is lossy on
// purpose: user-facing messages are derived from the kind, never from the
// raw error string.
package errclass

import "strings"

// Kind is one of the closed set of error classifications.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindTimeout          Kind = "timeout"
	KindNetwork          Kind = "network"
	KindConnectionReset  Kind = "connection_reset"
	KindDNSResolution    Kind = "dns_resolution"
	KindInvalidFormat    Kind = "invalid_format"
	KindHost             Kind = "host"
	KindUnknown          Kind = "unknown"
)

// rule associates a kind with the substrings that indicate it. Rules are
// evaluated in order; the first match wins, so more specific categories
// must come before broader ones (dns before host, timeout before network).
type rule struct {
	kind       Kind
	substrings []string
}

var rules = []rule{
	{KindAuth, []string{
		"authentication failed",
		"authentication required",
		"invalid username or password",
		"invalid credentials",
		"401",
		"unauthorized",
	}},
	{KindPermissionDenied, []string{
		"permission denied",
		"access denied",
		"forbidden",
		"403",
	}},
	{KindDNSResolution, []string{
		"could not resolve host",
		"couldn't resolve host",
		"no such host",
		"name resolution",
		"temporary failure in name",
	}},
	{KindNotFound, []string{
		"not found",
		"does not exist",
		"404",
		"no such file or directory",
	}},
	{KindTimeout, []string{
		"timed out",
		"timeout",
		"deadline exceeded",
	}},
	{KindConnectionReset, []string{
		"connection reset",
		"reset by peer",
		"broken pipe",
	}},
	{KindNetwork, []string{
		"connection refused",
		"network is unreachable",
		"no route to host",
		"could not connect",
		"connection failed",
		"unreachable",
	}},
	{KindInvalidFormat, []string{
		"invalid url",
		"invalid format",
		"malformed",
		"unsupported protocol",
		"unsupported url scheme",
		"ssh urls are not supported",
		"not a git repository",
	}},
	{KindHost, []string{
		"host key verification failed",
		"remote host identification",
		"invalid host",
	}},
}

var retryable = map[Kind]bool{
	KindTimeout:         true,
	KindNetwork:         true,
	KindConnectionReset: true,
	KindDNSResolution:   true,
	KindUnknown:         true,
}

var messages = map[Kind]string{
	KindAuth:             "authentication failed",
	KindPermissionDenied: "permission denied",
	KindNotFound:         "repository not found",
	KindTimeout:          "connection timed out",
	KindNetwork:          "network error",
	KindConnectionReset:  "connection reset",
	KindDNSResolution:    "cannot resolve host",
	KindInvalidFormat:    "invalid repository format",
	KindHost:             "invalid host",
	KindUnknown:          "connection test failed",
}

// Classify maps a raw error string to a Kind. Matching is case-insensitive
// substring search against the prioritized rule table.
func Classify(raw string) Kind {
	msg := strings.ToLower(strings.TrimSpace(raw))
	if msg == "" {
		return KindUnknown
	}
	for _, r := range rules {
		for _, s := range r.substrings {
			if strings.Contains(msg, s) {
				return r.kind
			}
		}
	}
	return KindUnknown
}

// ClassifyErr classifies an error's text. A nil error returns KindUnknown.
func ClassifyErr(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err.Error())
}

// IsRetryable reports whether operations failing with this kind may be retried.
func IsRetryable(k Kind) bool {
	return retryable[k]
}

// RetryableKinds returns the set of kinds the retry engine may retry.
func RetryableKinds() map[Kind]bool {
	out := make(map[Kind]bool, len(retryable))
	for k, v := range retryable {
		out[k] = v
	}
	return out
}

// Message returns the user-facing message for a kind. Raw error strings
// never reach users; this is the only text they see.
func Message(k Kind) string {
	if m, ok := messages[k]; ok {
		return m
	}
	return messages[KindUnknown]
}
