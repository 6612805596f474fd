package domain

// ConnectionState is the lifecycle state of the assistant connection.
type ConnectionState string

const (
	StateIdle           ConnectionState = "idle"
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
	StateReconnecting   ConnectionState = "reconnecting"
	StateClosed         ConnectionState = "closed"
	StateFailed         ConnectionState = "failed"
)

// AllStates lists every connection state in lifecycle order.
var AllStates = []ConnectionState{
	StateIdle,
	StateConnecting,
	StateAuthenticating,
	StateConnected,
	StateReconnecting,
	StateClosed,
	StateFailed,
}

func (s ConnectionState) String() string {
	return string(s)
}

// IsTerminal returns true for states that require a fresh connect to leave.
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// IsAttempting returns true while a connection attempt is outstanding.
func (s ConnectionState) IsAttempting() bool {
	return s == StateConnecting || s == StateAuthenticating || s == StateReconnecting
}
