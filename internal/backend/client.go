package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"printhost/camstream/internal/domain"
)

// Client talks to the local session control service that brokers camera
// hardware and the gateway on the device side. Calls are not retried; the
// session coordinator owns failure policy.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a control service client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type peerSessionRequest struct {
	ClientID string `json:"clientId"`
}

type peerSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type closePeerSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// FetchStreamingSettings returns the camera's active stream profile.
func (c *Client) FetchStreamingSettings(ctx context.Context) (*domain.StreamProfile, error) {
	const op = "fetchStreamingSettings"

	body, err := c.do(ctx, http.MethodGet, "/api/camera/streaming-settings", nil)
	if err != nil {
		return nil, &domain.BackendError{Op: op, Err: err}
	}

	var profile domain.StreamProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, &domain.BackendError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &profile, nil
}

// InitGatewaySession asks the backend to prepare its side of the gateway.
func (c *Client) InitGatewaySession(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/camera/gateway/init", nil); err != nil {
		return &domain.BackendError{Op: "initGatewaySession", Err: err}
	}
	return nil
}

// StartPeerSession registers a viewer and returns the backend-issued peer
// session identifier needed to close it later.
func (c *Client) StartPeerSession(ctx context.Context, clientID string) (string, error) {
	const op = "startPeerSession"

	body, err := c.do(ctx, http.MethodPost, "/api/camera/peer-session", peerSessionRequest{ClientID: clientID})
	if err != nil {
		return "", &domain.BackendError{Op: op, Err: err}
	}

	var resp peerSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.BackendError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.SessionID == "" {
		return "", &domain.BackendError{Op: op, Err: fmt.Errorf("empty sessionId in response")}
	}
	return resp.SessionID, nil
}

// StartStreamingBridge starts the backend-side media bridge feeding the
// gateway mountpoint.
func (c *Client) StartStreamingBridge(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/camera/stream-bridge", nil); err != nil {
		return &domain.BackendError{Op: "startStreamingBridge", Err: err}
	}
	return nil
}

// ClosePeerSession releases the backend resources tied to a peer session.
func (c *Client) ClosePeerSession(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/camera/peer-session/close", closePeerSessionRequest{SessionID: sessionID}); err != nil {
		return &domain.BackendError{Op: "closePeerSession", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
