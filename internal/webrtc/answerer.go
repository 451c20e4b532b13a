package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"printhost/camstream/internal/domain"
)

// Answerer wraps a receive-only Pion PeerConnection used to answer the
// gateway's SDP offer. No local tracks are added, so every negotiated
// m-line ends up recvonly.
type Answerer struct {
	pc  *pion.PeerConnection
	log zerolog.Logger
}

// NewAnswerer creates a PeerConnection with minimal codec registration and a
// NACK generator for the receiving side.
func NewAnswerer(log zerolog.Logger) (*Answerer, error) {
	m := &pion.MediaEngine{}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	i := &interceptor.Registry{}
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	a := &Answerer{pc: pc, log: log}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		a.log.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		a.log.Debug().Str("state", state.String()).Msg("peer connection state")
	})

	return a, nil
}

// Answer applies the remote offer and produces a receive-only answer with
// the local description set.
func (a *Answerer) Answer(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	remote := pion.SessionDescription{
		Type: pion.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := a.pc.SetRemoteDescription(remote); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	a.log.Debug().Msg("local SDP answer set")
	return domain.SDPPayload{Type: "answer", SDP: answer.SDP}, nil
}

// OnTrack registers the callback invoked when the remote video stream
// arrives. Non-video tracks are drained and discarded.
func (a *Answerer) OnTrack(fn func(domain.RemoteStream)) {
	a.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		a.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("got track")

		if track.Kind() != pion.RTPCodecTypeVideo {
			go drainTrack(track)
			return
		}
		fn(&remoteTrack{track: track})
	})
}

// OnICECandidate registers the callback for locally discovered ICE
// candidates. A nil payload marks the end of gathering.
func (a *Answerer) OnICECandidate(fn func(*domain.ICECandidatePayload)) {
	a.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			a.log.Debug().Msg("ICE gathering complete")
			fn(nil)
			return
		}

		j := c.ToJSON()
		payload := domain.ICECandidatePayload{Candidate: j.Candidate}
		if j.SDPMid != nil {
			payload.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		fn(&payload)
	})
}

// Close shuts down the PeerConnection.
func (a *Answerer) Close() {
	if a.pc != nil {
		a.pc.Close()
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// remoteTrack adapts a Pion TrackRemote to the domain RemoteStream port.
type remoteTrack struct {
	track *pion.TrackRemote
}

func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
