package transport

import (
	"errors"
	"fmt"

	"github.com/ashureev/pamlink/internal/recovery"
)

var (
	ErrConnClosed               = errors.New("transport closed")
	ErrConnectionShutdown       = errors.New("connection shutdown")
	ErrConnectionStateUnchanged = errors.New("connection state did not change")
	ErrNotServing               = errors.New("backend not serving")
)

// Error describes a transport failure with whatever detail the peer provided.
type Error struct {
	Code       int
	Reason     string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("transport closed with code %d: %s", e.Code, e.Reason)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("transport handshake failed with status %d: %v", e.HTTPStatus, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return "transport error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Signal converts a transport error into a recovery signal.
func Signal(err error) recovery.Signal {
	var te *Error
	if errors.As(err, &te) {
		return recovery.Signal{
			Code:       te.Code,
			Reason:     te.Reason,
			HTTPStatus: te.HTTPStatus,
			Err:        err,
		}
	}
	return recovery.Signal{Err: err}
}
