package repository

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coderelay/coderelay/internal/secrets"
)

// tokenPassword pairs with a bare access token when the stored credential
// has no username component. Git hosts ignore the password in that case.
const tokenPassword = "x-oauth-basic"

// Credentials is a decrypted username/password pair. Instances live only in
// memory for the duration of a probe or clone and are never logged.
type Credentials struct {
	Username string
	Password string
}

// DecryptCredentials opens an encrypted credential blob. A plaintext
// containing ':' splits into username and password; anything else is a bare
// token used as the username. An empty blob returns nil without error.
func DecryptCredentials(vault *secrets.Vault, blob string) (*Credentials, error) {
	if blob == "" {
		return nil, nil
	}

	plaintext, err := vault.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	if user, pass, ok := strings.Cut(plaintext, ":"); ok {
		return &Credentials{Username: user, Password: pass}, nil
	}
	return &Credentials{Username: plaintext, Password: tokenPassword}, nil
}

// buildAuthURL embeds credentials into an HTTPS remote URL. The result is
// passed to git in memory only. SSH and scp-style URLs are rejected; probes
// and clones run non-interactively and cannot answer key prompts.
func buildAuthURL(rawURL string, creds *Credentials) (string, error) {
	if strings.HasPrefix(rawURL, "git@") || strings.HasPrefix(rawURL, "ssh://") {
		return "", errors.New("ssh urls are not supported")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("unsupported url scheme: %s", parsed.Scheme)
	}

	if creds != nil {
		parsed.User = url.UserPassword(creds.Username, creds.Password)
	}
	return parsed.String(), nil
}

// redactURL strips any userinfo from a URL for logging.
func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	parsed.User = nil
	return parsed.String()
}
