package pairing

// State is the pairing ceremony state. Transitions only move forward;
// StateComplete and StateError are terminal.
type State int

const (
	StateInitial State = iota
	StateGenerating
	StateScanning
	StateWaitingForPeer
	StateVerifying
	StateTransferring
	StateImporting
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGenerating:
		return "generating"
	case StateScanning:
		return "scanning"
	case StateWaitingForPeer:
		return "waiting-for-peer"
	case StateVerifying:
		return "verifying"
	case StateTransferring:
		return "transferring"
	case StateImporting:
		return "importing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the ceremony has finished, successfully or not.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}
