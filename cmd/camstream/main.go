package main

import (
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"printhost/camstream/internal/backend"
	"printhost/camstream/internal/config"
	"printhost/camstream/internal/domain"
	"printhost/camstream/internal/media"
	"printhost/camstream/internal/session"
	sigclient "printhost/camstream/internal/signal"
)

const helpText = `camstream - Watch the device camera through the WebRTC gateway

Establishes a live camera session against the local session control service
and the signaling gateway, and writes the received H264 stream to the sink.

Environment Variables (required):
  CAMSTREAM_BACKEND_URL  Base URL of the local session control service
  CAMSTREAM_GATEWAY_URL  Websocket URL of the signaling gateway

Environment Variables (optional):
  CAMSTREAM_GATEWAY_SECRET     Shared secret for the gateway handshake
  CAMSTREAM_SINK               Output path for raw H264 ("-" = stdout)
  CAMSTREAM_LOG_LEVEL          debug, info, warn or error (default info)
  CAMSTREAM_CONNECT_TIMEOUT    Gateway connect timeout (default 10s)
  CAMSTREAM_ATTACH_TIMEOUT     Capability attach timeout (default 10s)
  CAMSTREAM_NEGOTIATE_TIMEOUT  SDP negotiation timeout (default 15s)
  CAMSTREAM_PLAYING_TIMEOUT    Playback start timeout (default 20s)

Examples:
  # Live playback
  camstream | ffplay -f h264 -

  # Record to MP4
  camstream | ffmpeg -f h264 -i - -c copy output.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "camstream: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	sink, closeSink, err := openSink(cfg.SinkPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open sink")
	}
	defer closeSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	control := backend.NewClient(cfg.BackendURL)
	signaler := sigclient.NewClient(cfg.GatewayURL, cfg.GatewaySecret, logger.With().Str("component", "signal").Logger())
	attachment := media.NewAttachment(sink, logger.With().Str("component", "media").Logger())

	coordinator := session.New(control, signaler, attachment, session.Timeouts{
		Connect:   cfg.ConnectTimeout,
		Attach:    cfg.AttachTimeout,
		Negotiate: cfg.NegotiateTimeout,
		Playing:   cfg.PlayingTimeout,
	}, logger.With().Str("component", "session").Logger())

	coordinator.SetOnNotice(func(text string) {
		fmt.Fprintf(os.Stderr, "camstream: %s\n", text)
	})

	// The session only re-enters Idle (or lands in Error) once it is over;
	// for a one-shot CLI that means we are done.
	done := make(chan struct{}, 1)
	coordinator.SetOnStateChange(func(s domain.SessionState) {
		if s == domain.StateIdle || s == domain.StateError {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		coordinator.Stop()
	}()

	coordinator.Start(ctx)

	<-done
	logger.Info().Msg("done")
}

func openSink(path string) (io.Writer, func(), error) {
	if path == "-" || path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
