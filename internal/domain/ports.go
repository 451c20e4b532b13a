package domain

import (
	"context"

	"github.com/pion/rtp"
)

// ControlService talks to the local backend's camera-session REST
// operations. No call is retried internally; the coordinator decides what a
// failure means.
type ControlService interface {
	FetchStreamingSettings(ctx context.Context) (*StreamProfile, error)
	InitGatewaySession(ctx context.Context) error
	StartPeerSession(ctx context.Context, clientID string) (string, error)
	StartStreamingBridge(ctx context.Context) error
	ClosePeerSession(ctx context.Context, sessionID string) error
}

// Signaler manages the gateway connection and the streaming capability
// handle attached on it.
type Signaler interface {
	Connect(ctx context.Context) error
	Attach(ctx context.Context, capability string, h Handler) error
	SendWatch(streamID int)
	SendStart(answer SDPPayload)
	SendStop()
	CreateAnswer(ctx context.Context, offer SDPPayload) (SDPPayload, error)
	Hangup()
	Close()
}

// Handler receives asynchronous gateway events.
type Handler interface {
	OnMessage(msg PluginMessage, offer *SDPPayload)
	OnRemoteStream(stream RemoteStream)
	OnCleanup()
	OnError(err error)
}

// RemoteStream is an incoming media stream delivered by the gateway.
type RemoteStream interface {
	Kind() string
	ReadRTP() (*rtp.Packet, error)
}

// MediaBinder binds a remote stream to a local rendering sink. The returned
// channel closes once media is actually rendering, which is the only valid
// trigger for the Streaming state.
type MediaBinder interface {
	Bind(stream RemoteStream) (<-chan struct{}, error)
	Release()
}
