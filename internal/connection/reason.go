package connection

// CloseReason is the stable vocabulary for why a connection closed.
// It appears in close frames, logs and metrics.
type CloseReason string

const (
	CloseNormal            CloseReason = "normal"
	CloseNewGameSession    CloseReason = "new_game_session"
	CloseSelectCharacter   CloseReason = "select_character_other"
	CloseConnectionTimeout CloseReason = "connection_timeout"
	CloseStalePrune        CloseReason = "stale_prune"
	CloseSlowConsumer      CloseReason = "slow_consumer"
	CloseAdminKick         CloseReason = "admin_kick"
	CloseShutdown          CloseReason = "shutdown"
	CloseTransportError    CloseReason = "transport_error"
	CloseProtocolError     CloseReason = "protocol_error"
)

// State is the per-connection lifecycle state.
type State int32

const (
	StateAttaching State = iota
	StateOpen
	StateIdleWarn
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "ATTACHING"
	case StateOpen:
		return "OPEN"
	case StateIdleWarn:
		return "IDLE_WARN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
