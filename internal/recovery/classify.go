// Package recovery maps transport and credential failures to recovery actions.
package recovery

import (
	"net/http"
	"strings"
)

// Transport close codes understood by the classifier.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseAbnormal        = 1006
	CloseInvalidPayload  = 1007
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
	CloseTokenExpired    = 4004
)

// Kind classifies a failure.
type Kind string

const (
	KindTokenExpired Kind = "token_expired"
	KindTokenInvalid Kind = "token_invalid"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNetwork      Kind = "network"
	KindUnknown      Kind = "unknown"
)

// IsIdentity returns true for kinds caused by the user's credential.
func (k Kind) IsIdentity() bool {
	switch k {
	case KindTokenExpired, KindTokenInvalid, KindUnauthorized, KindForbidden:
		return true
	}
	return false
}

// Action is what the connection layer does about a failure.
type Action string

const (
	ActionRefresh Action = "refresh"
	ActionRelogin Action = "relogin"
	ActionRetry   Action = "retry"
	ActionReload  Action = "reload"
	ActionNone    Action = "none"
)

// Signal is the raw failure observed by the connection layer.
// Any combination of fields may be set.
type Signal struct {
	Code       int
	Reason     string
	HTTPStatus int
	Text       string
	Err        error
}

// Message returns the most descriptive text carried by the signal.
func (s Signal) Message() string {
	switch {
	case s.Reason != "":
		return s.Reason
	case s.Text != "":
		return s.Text
	case s.Err != nil:
		return s.Err.Error()
	}
	return ""
}

// Failure is the classification of a Signal.
type Failure struct {
	Kind      Kind
	Action    Action
	Retryable bool
	Message   string
}

// Classify maps a signal to a failure. Rules are evaluated in order.
func Classify(sig Signal) Failure {
	msg := sig.Message()
	text := strings.ToLower(msg)

	f := Failure{Message: msg}
	switch {
	case sig.Code == ClosePolicyViolation || containsAny(text, "invalid signature", "invalid_signature"):
		f.Kind, f.Action, f.Retryable = KindTokenInvalid, ActionRelogin, true
	case sig.Code == CloseUnauthorized || sig.HTTPStatus == http.StatusUnauthorized:
		f.Kind, f.Action, f.Retryable = KindUnauthorized, ActionRefresh, true
	case sig.Code == CloseForbidden || sig.HTTPStatus == http.StatusForbidden:
		f.Kind, f.Action, f.Retryable = KindForbidden, ActionNone, false
	case sig.Code == CloseTokenExpired || containsAny(text, "token expired", "token_expired", "jwt expired"):
		f.Kind, f.Action, f.Retryable = KindTokenExpired, ActionRefresh, true
	case strings.Contains(text, "auth"):
		f.Kind, f.Action, f.Retryable = KindUnauthorized, ActionRefresh, true
	case sig.Code == CloseProtocolError || sig.Code == CloseInvalidPayload:
		f.Kind, f.Action, f.Retryable = KindUnknown, ActionReload, false
	case isNetwork(sig):
		f.Kind, f.Action, f.Retryable = KindNetwork, ActionRetry, true
	default:
		f.Kind, f.Action, f.Retryable = KindUnknown, ActionRetry, true
	}
	return f
}

func isNetwork(sig Signal) bool {
	switch sig.Code {
	case CloseNormal, CloseGoingAway, CloseAbnormal, CloseInternalError, CloseServiceRestart, CloseTryAgainLater:
		return true
	}
	if sig.HTTPStatus >= http.StatusInternalServerError {
		return true
	}
	return sig.Code == 0 && sig.HTTPStatus == 0 && sig.Err != nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
