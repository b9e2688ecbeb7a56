package client

// State 客户端会话状态
type State int32

const (
	StateNotStarted State = iota
	StateRegistered
	StateStreaming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRegistered:
		return "REGISTERED"
	case StateStreaming:
		return "STREAMING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}
