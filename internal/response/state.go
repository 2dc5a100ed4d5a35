package response

// State is the lifecycle position of an Adapter.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateStreaming
	// StateDraining means the upstream hit end-of-stream but buffered bytes
	// have not all been delivered yet.
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
