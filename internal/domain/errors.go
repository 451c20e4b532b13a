package domain

import "fmt"

// BackendError is a failed session control service call, tagged with the
// operation that failed.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("backend %s: %v", e.Op, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

// SignalingError is a gateway connection or capability attach failure.
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string { return fmt.Sprintf("signaling: %v", e.Err) }
func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError is a failure to produce an SDP answer for an offer.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation: %v", e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected inbound gateway message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Reason) }
