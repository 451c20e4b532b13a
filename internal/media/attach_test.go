package media

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStream feeds canned RTP packets, then blocks until closed.
type scriptedStream struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	done    chan struct{}
}

func newScriptedStream(packets ...*rtp.Packet) *scriptedStream {
	return &scriptedStream{packets: packets, done: make(chan struct{})}
}

func (s *scriptedStream) Kind() string { return "video" }

func (s *scriptedStream) ReadRTP() (*rtp.Packet, error) {
	s.mu.Lock()
	if len(s.packets) > 0 {
		pkt := s.packets[0]
		s.packets = s.packets[1:]
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()
	<-s.done
	return nil, io.EOF
}

func (s *scriptedStream) end() { close(s.done) }

// syncBuffer is a goroutine-safe byte buffer sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func videoPacket(seq uint16, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: seq},
		Payload: payload,
	}
}

func TestPlayingFiresAfterFirstNALU(t *testing.T) {
	sink := &syncBuffer{}
	a := NewAttachment(sink, zerolog.Nop())

	nalu := []byte{0x65, 0x01, 0x02, 0x03}
	stream := newScriptedStream(videoPacket(100, nalu))
	defer stream.end()

	playing, err := a.Bind(stream)
	require.NoError(t, err)

	select {
	case <-playing:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playing signal")
	}

	want := append([]byte{0x00, 0x00, 0x00, 0x01}, nalu...)
	assert.Equal(t, want, sink.bytes())
}

func TestPlayingWaitsForCompleteNALU(t *testing.T) {
	sink := &syncBuffer{}
	a := NewAttachment(sink, zerolog.Nop())

	// A lone FU-A start fragment never completes a NALU.
	stream := newScriptedStream(videoPacket(100, []byte{0x7C, 0x85, 0x01}))
	defer stream.end()

	playing, err := a.Bind(stream)
	require.NoError(t, err)

	select {
	case <-playing:
		t.Fatal("playing must not fire before a NALU reaches the sink")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, sink.bytes())
}

func TestDoubleBindRejected(t *testing.T) {
	a := NewAttachment(&syncBuffer{}, zerolog.Nop())

	stream := newScriptedStream()
	defer stream.end()

	_, err := a.Bind(stream)
	require.NoError(t, err)

	_, err = a.Bind(newScriptedStream())
	require.Error(t, err)
}

func TestReleaseAllowsRebinding(t *testing.T) {
	a := NewAttachment(&syncBuffer{}, zerolog.Nop())

	first := newScriptedStream()
	_, err := a.Bind(first)
	require.NoError(t, err)

	a.Release()
	first.end()

	second := newScriptedStream(videoPacket(1, []byte{0x65, 0xAA}))
	defer second.end()

	playing, err := a.Bind(second)
	require.NoError(t, err)

	select {
	case <-playing:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playing after rebind")
	}
}

func TestReleaseWithoutBindIsNoop(t *testing.T) {
	a := NewAttachment(&syncBuffer{}, zerolog.Nop())
	a.Release()
	a.Release()
}
