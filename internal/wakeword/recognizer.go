package wakeword

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by Start when the recognizer cannot be used.
	ErrUnavailable = errors.New("speech recognition unavailable")

	// ErrNoSpeech ends a recognition session that heard nothing. It is benign.
	ErrNoSpeech = errors.New("no speech detected")

	// ErrAborted ends a recognition session that was stopped on purpose. It is benign.
	ErrAborted = errors.New("recognition aborted")

	// ErrRestartLimit is reported once recognizer errors exhaust the restart budget.
	ErrRestartLimit = errors.New("recognizer restart limit reached")

	// ErrInputClosed ends recognition for good: the audio source is gone.
	ErrInputClosed = errors.New("recognizer input closed")
)

// Result is one transcript produced by a recognizer.
type Result struct {
	Transcript string
	Confidence float64
	Final      bool
}

// Recognizer is a continuous speech-recognition primitive.
type Recognizer interface {
	// Available reports whether recognition can start at all.
	Available() bool

	// Listen runs one recognition session, calling onResult for each result,
	// until ctx is done or the session ends. A normal end returns nil.
	Listen(ctx context.Context, onResult func(Result)) error
}

// IsBenign reports whether err ends a session without being worth surfacing.
func IsBenign(err error) bool {
	return err == nil || errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted)
}
