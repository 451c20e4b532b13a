package media

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"printhost/camstream/internal/domain"
	"printhost/camstream/internal/webrtc"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Attachment binds an incoming remote stream to a local rendering sink. The
// channel returned by Bind closes once the first NAL unit actually reaches
// the sink; receiving the stream object alone says nothing about rendering.
type Attachment struct {
	sink io.Writer
	log  zerolog.Logger

	mu    sync.Mutex
	bound bool
	stop  chan struct{}
}

// NewAttachment creates a handler writing Annex-B H264 to sink.
func NewAttachment(sink io.Writer, log zerolog.Logger) *Attachment {
	return &Attachment{sink: sink, log: log}
}

// Bind starts pumping the stream into the sink and returns the one-shot
// playing channel.
func (a *Attachment) Bind(stream domain.RemoteStream) (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bound {
		return nil, fmt.Errorf("media sink already bound")
	}
	a.bound = true
	a.stop = make(chan struct{})

	playing := make(chan struct{})
	go a.pump(stream, playing, a.stop)
	return playing, nil
}

// Release detaches the current stream, if any. The pump exits on the next
// packet boundary or read error.
func (a *Attachment) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.bound {
		return
	}
	a.bound = false
	close(a.stop)
}

func (a *Attachment) pump(stream domain.RemoteStream, playing chan struct{}, stop chan struct{}) {
	a.log.Debug().Str("kind", stream.Kind()).Msg("media stream bound")

	depack := webrtc.NewH264Depacketizer()
	started := false

	for {
		select {
		case <-stop:
			return
		default:
		}

		pkt, err := stream.ReadRTP()
		if err != nil {
			a.log.Debug().Err(err).Msg("media stream ended")
			return
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if _, err := a.sink.Write(annexBStartCode); err != nil {
				a.log.Warn().Err(err).Msg("sink write failed")
				return
			}
			if _, err := a.sink.Write(nalu); err != nil {
				a.log.Warn().Err(err).Msg("sink write failed")
				return
			}
			if !started {
				started = true
				close(playing)
			}
		}
	}
}
