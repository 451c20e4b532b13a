package domain

import "strings"

// StreamProfile describes the camera's active stream configuration as
// reported by the session control service. It is fetched once per session
// attempt.
type StreamProfile struct {
	Encoding string `json:"encoding"`
	Size     string `json:"size"`
}

// StreamID maps the camera encoding to the gateway stream identifier:
// 1 for H264, 2 for everything else.
func (p StreamProfile) StreamID() int {
	if strings.EqualFold(p.Encoding, "h264") {
		return 1
	}
	return 2
}

// SessionState is the observable lifecycle state of a streaming session.
type SessionState int

const (
	StateIdle SessionState = iota
	StatePreparing
	StateNegotiating
	StateStreaming
	StateStopping
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
