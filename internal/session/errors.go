package session

import "errors"

var (
	// ErrSignedOut is returned when an operation needs a user but no credential is present.
	ErrSignedOut = errors.New("no signed-in user")

	// ErrEmptyMessage is returned for a send with no content.
	ErrEmptyMessage = errors.New("message content cannot be empty")
)
