package domain

// SessionState is the runtime connection state of an AccountSession.
type SessionState string

const (
	StateDisconnected  SessionState = "disconnected"
	StateConnecting    SessionState = "connecting"
	StateAwaitingCode  SessionState = "awaiting_code"
	StateAuthenticated SessionState = "authenticated"
	StateFailed        SessionState = "failed"
)

// sessionTransitions lists the allowed forward moves. Disconnected is always
// reachable (logout / close) and is handled by the caller.
var sessionTransitions = map[SessionState][]SessionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnecting, StateAwaitingCode, StateAuthenticated, StateFailed},
	StateAwaitingCode:  {StateAwaitingCode, StateAuthenticated, StateConnecting},
	StateAuthenticated: {StateConnecting, StateAuthenticated},
	StateFailed:        {StateConnecting},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to SessionState) bool {
	if to == StateDisconnected {
		return true
	}
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConversationState is the tagged state of the authentication dialog.
type ConversationState string

const (
	ConvStart       ConversationState = "START"
	ConvPhone       ConversationState = "PHONE"
	ConvCode        ConversationState = "CODE"
	ConvOperational ConversationState = "OPERATIONAL"
	ConvAbandoned   ConversationState = "ABANDONED"
)
