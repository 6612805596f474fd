// Package domain contains core domain types for the PAM assistant link.
package domain

import (
	"time"
)

// Credential is the identity and bearer token issued by the credential provider.
type Credential struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// HasIdentity returns true if both the user ID and the token are present.
func (c Credential) HasIdentity() bool {
	return c.UserID != "" && c.Token != ""
}

// Usable returns true if the credential has an identity and has not expired at now.
// A zero ExpiresAt means the expiry is unknown and the token is treated as valid.
func (c Credential) Usable(now time.Time) bool {
	if !c.HasIdentity() {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// TTL returns the time until the token expires.
// Returns 0 if the token has already expired or the expiry is unknown.
func (c Credential) TTL(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	ttl := c.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Equal reports whether two credentials carry the same identity, token and expiry.
func (c Credential) Equal(o Credential) bool {
	return c.UserID == o.UserID && c.Token == o.Token && c.ExpiresAt.Equal(o.ExpiresAt)
}
