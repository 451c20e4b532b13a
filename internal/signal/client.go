package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"printhost/camstream/internal/domain"
	"printhost/camstream/internal/webrtc"
)

const keepaliveInterval = 25 * time.Second

// message is the generic gateway message envelope.
type message struct {
	Type        string                      `json:"type"`
	Transaction string                      `json:"transaction,omitempty"`
	Secret      string                      `json:"secret,omitempty"`
	SessionID   uint64                      `json:"sessionId,omitempty"`
	HandleID    uint64                      `json:"handleId,omitempty"`
	Capability  string                      `json:"capability,omitempty"`
	Body        json.RawMessage             `json:"body,omitempty"`
	Payload     json.RawMessage             `json:"payload,omitempty"`
	JSEP        *domain.SDPPayload          `json:"jsep,omitempty"`
	Candidate   *domain.ICECandidatePayload `json:"candidate,omitempty"`
	Completed   bool                        `json:"completed,omitempty"`
	Data        *ackData                    `json:"data,omitempty"`
	Error       *gatewayError               `json:"error,omitempty"`
}

type ackData struct {
	ID uint64 `json:"id"`
}

type gatewayError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type watchRequest struct {
	Request string `json:"request"`
	ID      int    `json:"id"`
}

type plainRequest struct {
	Request string `json:"request"`
}

// Client manages the websocket connection to the signaling gateway: one
// gateway session and at most one attached capability handle. Requests are
// correlated by transaction ID; plugin events are dispatched to the handler
// installed by Attach. Connect establishes a fresh gateway session each
// time; a destroyed session is never reused.
type Client struct {
	url    string
	secret string
	log    zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      chan struct{}
	isClosed    bool
	cleanupSent bool
	session     uint64
	handle      uint64
	handler     domain.Handler
	answerer    *webrtc.Answerer
	pending     map[string]chan *message
}

// NewClient creates a signaling client for the given gateway URL.
func NewClient(url, secret string, log zerolog.Logger) *Client {
	return &Client{
		url:     url,
		secret:  secret,
		log:     log,
		pending: make(map[string]chan *message),
		closed:  make(chan struct{}),
	}
}

// Connect dials the gateway, performs the session handshake and starts the
// read and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.url).Msg("connecting to gateway")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &domain.SignalingError{Err: fmt.Errorf("websocket dial: %w", err)}
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = make(chan struct{})
	c.isClosed = false
	c.cleanupSent = false
	c.session = 0
	c.handle = 0
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(conn, closed)

	resp, err := c.request(ctx, message{Type: "create", Secret: c.secret})
	if err != nil {
		c.Close()
		return &domain.SignalingError{Err: fmt.Errorf("create session: %w", err)}
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		c.Close()
		return &domain.SignalingError{Err: errors.New("create session: no session id in response")}
	}

	c.mu.Lock()
	c.session = resp.Data.ID
	c.mu.Unlock()

	go c.keepaliveLoop(closed)

	c.log.Info().Uint64("session", resp.Data.ID).Msg("gateway session established")
	return nil
}

// Attach attaches the named capability on the gateway session and installs
// the event handler. It also prepares the receive-only peer used for SDP
// negotiation on this handle.
func (c *Client) Attach(ctx context.Context, capability string, h domain.Handler) error {
	answerer, err := webrtc.NewAnswerer(c.log)
	if err != nil {
		return &domain.SignalingError{Err: fmt.Errorf("create answerer: %w", err)}
	}

	answerer.OnTrack(func(stream domain.RemoteStream) {
		h.OnRemoteStream(stream)
	})
	answerer.OnICECandidate(func(candidate *domain.ICECandidatePayload) {
		c.sendTrickle(candidate)
	})

	c.mu.Lock()
	c.handler = h
	c.answerer = answerer
	session := c.session
	c.mu.Unlock()

	resp, err := c.request(ctx, message{Type: "attach", SessionID: session, Capability: capability})
	if err != nil {
		answerer.Close()
		return &domain.SignalingError{Err: fmt.Errorf("attach %s: %w", capability, err)}
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		answerer.Close()
		return &domain.SignalingError{Err: fmt.Errorf("attach %s: no handle id in response", capability)}
	}

	c.mu.Lock()
	c.handle = resp.Data.ID
	c.mu.Unlock()

	c.log.Info().Str("capability", capability).Uint64("handle", resp.Data.ID).Msg("capability attached")
	return nil
}

// SendWatch requests the given gateway stream on the attached handle.
func (c *Client) SendWatch(streamID int) {
	body, _ := json.Marshal(watchRequest{Request: "watch", ID: streamID})
	c.sendPluginMessage(body, nil)
}

// SendStart sends the start request carrying the negotiated answer.
func (c *Client) SendStart(answer domain.SDPPayload) {
	body, _ := json.Marshal(plainRequest{Request: "start"})
	c.sendPluginMessage(body, &answer)
}

// SendStop terminates the watch session on the gateway side.
func (c *Client) SendStop() {
	body, _ := json.Marshal(plainRequest{Request: "stop"})
	c.sendPluginMessage(body, nil)
}

// CreateAnswer produces a receive-only SDP answer for the gateway's offer.
func (c *Client) CreateAnswer(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	c.mu.Lock()
	answerer := c.answerer
	c.mu.Unlock()

	if answerer == nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: errors.New("no capability attached")}
	}

	answer, err := answerer.Answer(ctx, offer)
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Err: err}
	}
	return answer, nil
}

// Hangup releases the capability handle, the installed handler and the media
// negotiation state. Safe to call when nothing is attached. Events arriving
// after hangup no longer reach the released handler.
func (c *Client) Hangup() {
	c.mu.Lock()
	session, handle := c.session, c.handle
	answerer := c.answerer
	c.handle = 0
	c.handler = nil
	c.answerer = nil
	c.mu.Unlock()

	if answerer != nil {
		answerer.Close()
	}
	if handle != 0 {
		c.send(message{Type: "hangup", SessionID: session, HandleID: handle, Transaction: uuid.NewString()})
	}
}

// Close destroys the gateway session and closes the socket. The session is
// gone afterwards; a later Connect starts over with a new one.
func (c *Client) Close() {
	c.Hangup()

	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return
	}
	c.isClosed = true
	session := c.session
	conn := c.conn
	closed := c.closed
	c.session = 0
	c.mu.Unlock()

	if session != 0 {
		c.send(message{Type: "destroy", SessionID: session, Transaction: uuid.NewString()})
	}

	close(closed)
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) sendPluginMessage(body json.RawMessage, jsep *domain.SDPPayload) {
	c.mu.Lock()
	session, handle := c.session, c.handle
	c.mu.Unlock()

	if handle == 0 {
		c.dispatchError(&domain.SignalingError{Err: errors.New("no capability attached")})
		return
	}

	c.send(message{
		Type:        "message",
		Transaction: uuid.NewString(),
		SessionID:   session,
		HandleID:    handle,
		Body:        body,
		JSEP:        jsep,
	})
}

func (c *Client) sendTrickle(candidate *domain.ICECandidatePayload) {
	c.mu.Lock()
	session, handle := c.session, c.handle
	c.mu.Unlock()

	if handle == 0 {
		return
	}

	msg := message{
		Type:        "trickle",
		Transaction: uuid.NewString(),
		SessionID:   session,
		HandleID:    handle,
	}
	if candidate == nil {
		msg.Completed = true
	} else {
		msg.Candidate = candidate
	}
	c.send(msg)
}

// send writes a message to the socket. Delivery failures surface through the
// handler's OnError, not a return value.
func (c *Client) send(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.dispatchError(&domain.SignalingError{Err: fmt.Errorf("marshal: %w", err)})
		return
	}

	c.log.Debug().RawJSON("msg", data).Msg(">>>")

	c.mu.Lock()
	conn := c.conn
	closing := c.isClosed
	if conn == nil {
		c.mu.Unlock()
		c.dispatchError(&domain.SignalingError{Err: errors.New("not connected")})
		return
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil && !closing {
		c.dispatchError(&domain.SignalingError{Err: fmt.Errorf("write: %w", err)})
	}
}

// request sends a message and waits for the transaction's response.
func (c *Client) request(ctx context.Context, msg message) (*message, error) {
	msg.Transaction = uuid.NewString()

	ch := make(chan *message, 1)
	c.mu.Lock()
	c.pending[msg.Transaction] = ch
	closed := c.closed
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Transaction)
		c.mu.Unlock()
	}()

	c.send(msg)

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway error %d: %s", resp.Error.Code, resp.Error.Reason)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, errors.New("connection closed")
	}
}

func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
			default:
				c.log.Warn().Err(err).Msg("read error, gateway connection lost")
				c.notifyCleanup()
			}
			return
		}

		c.log.Debug().RawJSON("msg", data).Msg("<<<")

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.dispatchError(&domain.ProtocolError{Reason: fmt.Sprintf("malformed message: %v", err)})
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *message) {
	// Responses are matched to their waiting transaction first.
	if msg.Transaction != "" && (msg.Type == "success" || msg.Type == "error") {
		c.mu.Lock()
		ch, ok := c.pending[msg.Transaction]
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Type {
	case "event":
		var pm domain.PluginMessage
		if msg.Payload != nil {
			if err := json.Unmarshal(msg.Payload, &pm); err != nil {
				c.dispatchError(&domain.ProtocolError{Reason: fmt.Sprintf("malformed event payload: %v", err)})
				return
			}
		}
		c.dispatchMessage(pm, msg.JSEP)

	case "cleanup", "detached":
		c.notifyCleanup()

	case "error":
		reason := "unknown gateway error"
		if msg.Error != nil {
			reason = msg.Error.Reason
		}
		c.dispatchError(&domain.SignalingError{Err: errors.New(reason)})

	case "ack":
		// transaction-level delivery ack, nothing to do

	default:
		c.log.Debug().Str("type", msg.Type).Msg("unhandled gateway message")
	}
}

func (c *Client) dispatchMessage(pm domain.PluginMessage, offer *domain.SDPPayload) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnMessage(pm, offer)
	}
}

func (c *Client) dispatchError(err error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnError(err)
	} else {
		c.log.Error().Err(err).Msg("signaling error before attach")
	}
}

// notifyCleanup tells the handler at most once per connection that the
// gateway tore the session down underneath us.
func (c *Client) notifyCleanup() {
	c.mu.Lock()
	if c.cleanupSent {
		c.mu.Unlock()
		return
	}
	c.cleanupSent = true
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnCleanup()
	}
}

func (c *Client) keepaliveLoop(closed chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			session := c.session
			c.mu.Unlock()
			if session == 0 {
				return
			}
			c.send(message{Type: "keepalive", SessionID: session, Transaction: uuid.NewString()})
		}
	}
}
