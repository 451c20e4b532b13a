package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"printhost/camstream/internal/domain"
)

// streamingCapability is the gateway capability the coordinator attaches.
const streamingCapability = "streaming"

const cleanupTimeout = 5 * time.Second

// Timeouts bound the individually suspendable protocol steps so a silent
// peer cannot park the coordinator in Preparing or Negotiating forever.
type Timeouts struct {
	Connect   time.Duration
	Attach    time.Duration
	Negotiate time.Duration
	Playing   time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Connect == 0 {
		t.Connect = 10 * time.Second
	}
	if t.Attach == 0 {
		t.Attach = 10 * time.Second
	}
	if t.Negotiate == 0 {
		t.Negotiate = 15 * time.Second
	}
	if t.Playing == 0 {
		t.Playing = 20 * time.Second
	}
}

// Coordinator owns the live-stream lifecycle: it drives the control service,
// the signaling client and the media binder in protocol order, enforces
// single-flight sessions and maps failures to observable states. It is the
// sole mutator of the per-attempt session data (peer session id, stream
// profile, capability handle ownership).
type Coordinator struct {
	backend  domain.ControlService
	signal   domain.Signaler
	media    domain.MediaBinder
	timeouts Timeouts
	log      zerolog.Logger

	onState  func(domain.SessionState)
	onNotice func(string)

	mu          sync.Mutex
	state       domain.SessionState
	gen         uint64
	peerSession string
	profile     *domain.StreamProfile
	attached    bool
	attemptCtx  context.Context
	cancel      context.CancelFunc
}

// New creates an idle coordinator.
func New(backend domain.ControlService, signal domain.Signaler, media domain.MediaBinder, timeouts Timeouts, log zerolog.Logger) *Coordinator {
	timeouts.applyDefaults()
	return &Coordinator{
		backend:  backend,
		signal:   signal,
		media:    media,
		timeouts: timeouts,
		log:      log,
		state:    domain.StateIdle,
	}
}

// SetOnStateChange installs the observer notified on every state
// transition. Must be called before Start.
func (c *Coordinator) SetOnStateChange(fn func(domain.SessionState)) {
	c.onState = fn
}

// SetOnNotice installs the observer for short user-facing failure notices.
// Must be called before Start.
func (c *Coordinator) SetOnNotice(fn func(string)) {
	c.onNotice = fn
}

// State returns the current session state.
func (c *Coordinator) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a session attempt. It is a no-op unless the coordinator is
// Idle or Error; concurrent attempts are impossible by construction.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != domain.StateIdle && c.state != domain.StateError {
		c.mu.Unlock()
		c.log.Debug().Str("state", c.State().String()).Msg("start ignored, session already in flight")
		return
	}
	c.gen++
	gen := c.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	c.attemptCtx = attemptCtx
	c.cancel = cancel
	c.state = domain.StatePreparing
	cb := c.onState
	c.mu.Unlock()

	c.log.Info().Msg("starting session")
	if cb != nil {
		cb(domain.StatePreparing)
	}

	go c.run(attemptCtx, gen)
}

// Stop tears the current session down: stop request, handle release, peer
// session close and a return to Idle. Cleanup is best-effort; a failing
// close never blocks the transition. No-op when there is nothing to stop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	switch c.state {
	case domain.StateIdle, domain.StateError, domain.StateStopping:
		c.mu.Unlock()
		return
	}
	c.gen++
	peerSession := c.peerSession
	attached := c.attached
	cancel := c.cancel
	c.clearSessionLocked()
	c.state = domain.StateStopping
	cb := c.onState
	c.mu.Unlock()

	c.log.Info().Msg("stopping session")
	if cb != nil {
		cb(domain.StateStopping)
	}
	if cancel != nil {
		cancel()
	}

	if attached {
		c.signal.SendStop()
	}
	c.signal.Hangup()
	c.media.Release()
	c.closePeerSession(peerSession)
	c.signal.Close()

	c.setState(domain.StateIdle)
}

// run executes the sequential part of a session attempt. Everything after
// the watch request is event-driven through the attempt handler.
func (c *Coordinator) run(ctx context.Context, gen uint64) {
	var profile *domain.StreamProfile

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.backend.FetchStreamingSettings(gctx)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		if err := c.backend.InitGatewaySession(gctx); err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(gctx, c.timeouts.Connect)
		defer cancel()
		return c.signal.Connect(connectCtx)
	})
	if err := g.Wait(); err != nil {
		c.fail(gen, err)
		return
	}

	clientID := uuid.NewString()
	peerSession, err := c.backend.StartPeerSession(ctx, clientID)
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		// The attempt was torn down while startPeerSession was in
		// flight; don't leak the backend session it just created.
		c.closePeerSession(peerSession)
		return
	}
	c.peerSession = peerSession
	c.profile = profile
	c.mu.Unlock()

	c.log.Info().
		Str("peerSession", peerSession).
		Str("encoding", profile.Encoding).
		Str("size", profile.Size).
		Msg("peer session started")

	attachCtx, cancel := context.WithTimeout(ctx, c.timeouts.Attach)
	defer cancel()
	if err := c.signal.Attach(attachCtx, streamingCapability, &attemptHandler{c: c, gen: gen}); err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.attached = true
	c.mu.Unlock()

	c.signal.SendWatch(profile.StreamID())
	c.setStateIfCurrent(gen, domain.StateNegotiating)
}

// handleMessage applies the inbound message policy: a terminal "stopped"
// status or a plugin error ends the session; an offer is answered
// receive-only and acknowledged with a start request.
func (c *Coordinator) handleMessage(gen uint64, msg domain.PluginMessage, offer *domain.SDPPayload) {
	if c.stale(gen) {
		return
	}

	if msg.Stopped() {
		c.log.Info().Msg("remote side stopped the stream")
		c.Stop()
		return
	}
	if msg.Error != "" {
		c.log.Error().Str("reason", msg.Error).Msg("gateway reported a plugin error")
		c.notice("camera unreachable")
		c.Stop()
		return
	}

	if offer == nil {
		return
	}

	ctx := c.attemptContext(gen)
	if ctx == nil {
		return
	}
	negotiateCtx, cancel := context.WithTimeout(ctx, c.timeouts.Negotiate)
	defer cancel()

	answer, err := c.signal.CreateAnswer(negotiateCtx, *offer)
	if err != nil {
		c.fail(gen, err)
		return
	}
	if c.stale(gen) {
		return
	}
	c.signal.SendStart(answer)
}

// handleRemoteStream starts the backend media bridge, binds the stream and
// waits for actual playback before declaring Streaming. Arrival of the
// stream object alone is not the trigger.
func (c *Coordinator) handleRemoteStream(gen uint64, stream domain.RemoteStream) {
	if c.stale(gen) {
		return
	}

	ctx := c.attemptContext(gen)
	if ctx == nil {
		return
	}

	if err := c.backend.StartStreamingBridge(ctx); err != nil {
		c.fail(gen, err)
		return
	}

	playing, err := c.media.Bind(stream)
	if err != nil {
		c.fail(gen, err)
		return
	}

	select {
	case <-playing:
		c.setStateIfCurrent(gen, domain.StateStreaming)
		c.log.Info().Msg("stream playing")
	case <-time.After(c.timeouts.Playing):
		c.fail(gen, errors.New("timed out waiting for playback to start"))
	case <-ctx.Done():
	}
}

// handleCleanup reacts to the gateway tearing the connection down on its
// own: close the peer session if one is held and settle on Idle, or Error
// when even that cleanup fails.
func (c *Coordinator) handleCleanup(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	peerSession := c.peerSession
	cancel := c.cancel
	c.clearSessionLocked()
	c.mu.Unlock()

	c.log.Warn().Msg("gateway tore down the session")
	if cancel != nil {
		cancel()
	}

	// Hang up before releasing the media binding so the peer stops
	// feeding the pump before the sink is detached.
	c.signal.Hangup()
	c.media.Release()
	c.signal.Close()

	if peerSession != "" {
		ctx, cancelClose := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancelClose()
		if err := c.backend.ClosePeerSession(ctx, peerSession); err != nil {
			c.log.Error().Err(err).Msg("close peer session failed after gateway cleanup")
			c.notice(noticeFor(err))
			c.setState(domain.StateError)
			return
		}
	}

	c.setState(domain.StateIdle)
}

func (c *Coordinator) handleError(gen uint64, err error) {
	c.fail(gen, err)
}

// fail terminates the current attempt: best-effort cleanup on every exit
// path, then Error. Recovery requires an explicit Start.
func (c *Coordinator) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	peerSession := c.peerSession
	cancel := c.cancel
	c.clearSessionLocked()
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("session failed")
	if cancel != nil {
		cancel()
	}
	c.notice(noticeFor(err))

	c.signal.Hangup()
	c.media.Release()
	c.closePeerSession(peerSession)
	c.signal.Close()

	c.setState(domain.StateError)
}

// clearSessionLocked drops all per-attempt session data. Caller holds mu.
func (c *Coordinator) clearSessionLocked() {
	c.peerSession = ""
	c.profile = nil
	c.attached = false
	c.attemptCtx = nil
	c.cancel = nil
}

// closePeerSession is best-effort: a failure is logged and never blocks the
// state machine.
func (c *Coordinator) closePeerSession(peerSession string) {
	if peerSession == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.backend.ClosePeerSession(ctx, peerSession); err != nil {
		c.log.Warn().Err(err).Str("peerSession", peerSession).Msg("close peer session failed")
	}
}

func (c *Coordinator) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

func (c *Coordinator) attemptContext(gen uint64) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil
	}
	return c.attemptCtx
}

func (c *Coordinator) setState(s domain.SessionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.mu.Unlock()

	c.log.Info().Str("state", s.String()).Msg("session state")
	if cb != nil {
		cb(s)
	}
}

func (c *Coordinator) setStateIfCurrent(gen uint64, s domain.SessionState) {
	c.mu.Lock()
	if gen != c.gen || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.mu.Unlock()

	c.log.Info().Str("state", s.String()).Msg("session state")
	if cb != nil {
		cb(s)
	}
}

func (c *Coordinator) notice(text string) {
	c.mu.Lock()
	fn := c.onNotice
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// noticeFor maps the error taxonomy to short user-facing notices. The only
// recovery path offered to the user is starting again.
func noticeFor(err error) string {
	var backendErr *domain.BackendError
	var signalingErr *domain.SignalingError
	var negotiationErr *domain.NegotiationError
	var protocolErr *domain.ProtocolError

	switch {
	case errors.As(err, &backendErr):
		return "camera service request failed (" + backendErr.Op + ")"
	case errors.As(err, &signalingErr):
		return "could not reach the streaming gateway"
	case errors.As(err, &negotiationErr):
		return "could not negotiate the video stream"
	case errors.As(err, &protocolErr):
		return "unexpected response from the streaming gateway"
	default:
		return "the video stream could not be started"
	}
}

// attemptHandler forwards gateway events into the coordinator, pinned to
// the attempt generation that attached it so a torn-down attempt's events
// are discarded.
type attemptHandler struct {
	c   *Coordinator
	gen uint64
}

func (h *attemptHandler) OnMessage(msg domain.PluginMessage, offer *domain.SDPPayload) {
	h.c.handleMessage(h.gen, msg, offer)
}

func (h *attemptHandler) OnRemoteStream(stream domain.RemoteStream) {
	h.c.handleRemoteStream(h.gen, stream)
}

func (h *attemptHandler) OnCleanup() {
	h.c.handleCleanup(h.gen)
}

func (h *attemptHandler) OnError(err error) {
	h.c.handleError(h.gen, err)
}
