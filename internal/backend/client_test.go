package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhost/camstream/internal/domain"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

func newStubBackend(t *testing.T, status int, response string) (*Client, *[]recordedRequest) {
	t.Helper()

	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		requests = append(requests, rec)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL), &requests
}

func TestFetchStreamingSettings(t *testing.T) {
	c, requests := newStubBackend(t, http.StatusOK, `{"encoding":"h264","size":"720p"}`)

	profile, err := c.FetchStreamingSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "h264", profile.Encoding)
	assert.Equal(t, "720p", profile.Size)
	require.Len(t, *requests, 1)
	assert.Equal(t, http.MethodGet, (*requests)[0].method)
	assert.Equal(t, "/api/camera/streaming-settings", (*requests)[0].path)
}

func TestInitGatewaySession(t *testing.T) {
	c, requests := newStubBackend(t, http.StatusOK, `{}`)

	require.NoError(t, c.InitGatewaySession(context.Background()))
	require.Len(t, *requests, 1)
	assert.Equal(t, http.MethodPost, (*requests)[0].method)
	assert.Equal(t, "/api/camera/gateway/init", (*requests)[0].path)
}

func TestStartPeerSession(t *testing.T) {
	c, requests := newStubBackend(t, http.StatusOK, `{"sessionId":"abc"}`)

	id, err := c.StartPeerSession(context.Background(), "client-1")
	require.NoError(t, err)

	assert.Equal(t, "abc", id)
	require.Len(t, *requests, 1)
	assert.Equal(t, http.MethodPost, (*requests)[0].method)
	assert.Equal(t, "/api/camera/peer-session", (*requests)[0].path)
	assert.Equal(t, "client-1", (*requests)[0].body["clientId"])
}

func TestStartPeerSessionEmptyID(t *testing.T) {
	c, _ := newStubBackend(t, http.StatusOK, `{}`)

	_, err := c.StartPeerSession(context.Background(), "client-1")

	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "startPeerSession", backendErr.Op)
}

func TestStartStreamingBridge(t *testing.T) {
	c, requests := newStubBackend(t, http.StatusOK, `{}`)

	require.NoError(t, c.StartStreamingBridge(context.Background()))
	assert.Equal(t, "/api/camera/stream-bridge", (*requests)[0].path)
}

func TestClosePeerSession(t *testing.T) {
	c, requests := newStubBackend(t, http.StatusOK, `{}`)

	require.NoError(t, c.ClosePeerSession(context.Background(), "abc"))
	require.Len(t, *requests, 1)
	assert.Equal(t, "/api/camera/peer-session/close", (*requests)[0].path)
	assert.Equal(t, "abc", (*requests)[0].body["sessionId"])
}

func TestErrorsAreTaggedWithOperation(t *testing.T) {
	c, _ := newStubBackend(t, http.StatusInternalServerError, `backend exploded`)

	cases := []struct {
		op   string
		call func() error
	}{
		{"fetchStreamingSettings", func() error {
			_, err := c.FetchStreamingSettings(context.Background())
			return err
		}},
		{"initGatewaySession", func() error {
			return c.InitGatewaySession(context.Background())
		}},
		{"startPeerSession", func() error {
			_, err := c.StartPeerSession(context.Background(), "client-1")
			return err
		}},
		{"startStreamingBridge", func() error {
			return c.StartStreamingBridge(context.Background())
		}},
		{"closePeerSession", func() error {
			return c.ClosePeerSession(context.Background(), "abc")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			err := tc.call()
			var backendErr *domain.BackendError
			require.ErrorAs(t, err, &backendErr)
			assert.Equal(t, tc.op, backendErr.Op)
			assert.Contains(t, err.Error(), "http 500")
		})
	}
}

func TestTransportFailureIsBackendError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here

	err := c.InitGatewaySession(context.Background())

	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "initGatewaySession", backendErr.Op)
}
