package domain

import (
	"time"
)

// Session is one authenticated conversation with the assistant backend.
// A Session is never mutated after construction; token refreshes produce a new value.
type Session struct {
	UserID      string
	SessionID   string
	Token       string
	TokenExpiry time.Time
	CreatedAt   time.Time
}

// NewSession creates a session record for the given credential.
func NewSession(cred Credential, sessionID string) *Session {
	return &Session{
		UserID:      cred.UserID,
		SessionID:   sessionID,
		Token:       cred.Token,
		TokenExpiry: cred.ExpiresAt,
		CreatedAt:   time.Now(),
	}
}

// WithCredential returns a copy of the session carrying the new token.
func (s *Session) WithCredential(cred Credential) *Session {
	next := *s
	next.Token = cred.Token
	next.TokenExpiry = cred.ExpiresAt
	return &next
}

// WithSessionID returns a copy of the session with a server-assigned session ID.
func (s *Session) WithSessionID(id string) *Session {
	next := *s
	next.SessionID = id
	return &next
}

// Credential returns the credential the session was built from.
func (s *Session) Credential() Credential {
	return Credential{UserID: s.UserID, Token: s.Token, ExpiresAt: s.TokenExpiry}
}
