package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/citysync/bridge"
	"github.com/c360/citysync/command"
	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/metric"
	"github.com/c360/citysync/testutil"
	"github.com/c360/citysync/transport"
)

const nodeClickedJSON = `{"type":"node_clicked","version":"1.0.0","timestamp":1700000000.5,"node_id":"n-1","button":0}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PingInterval = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *bridge.Bridge, *command.Registry) {
	t.Helper()
	v := contract.MustNewValidator()
	b := bridge.New(v, bridge.WithLogger(quietLogger()))
	reg := command.NewRegistry(command.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger()), WithValidator(v)}, opts...)
	s, err := New(cfg, b, reg, opts...)
	require.NoError(t, err)
	return s, b, reg
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(2 * time.Second) })
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

// readEnvelope reads one binary frame from conn.
func readEnvelope(t *testing.T, conn *websocket.Conn) transport.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)

	var env transport.Envelope
	require.NoError(t, env.UnmarshalBinary(data))
	return env
}

func TestNew_Validation(t *testing.T) {
	v := contract.MustNewValidator()
	b := bridge.New(v)
	reg := command.NewRegistry()

	_, err := New(testConfig(), nil, reg)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(testConfig(), b, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := testConfig()
	cfg.InboundQueue = 0
	_, err = New(cfg, b, reg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen address", func(c *Config) { c.ListenAddr = "" }},
		{"zero request size", func(c *Config) { c.MaxRequestSize = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"rate without burst", func(c *Config) { c.RateBurst = 0 }},
		{"chunk too large", func(c *Config) { c.ChunkSize = transport.MaxChunkSize + 1 }},
		{"zero payload limit", func(c *Config) { c.MaxPayloadSize = 0 }},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestHandleCommand_StatusMapping(t *testing.T) {
	s, _, reg := newTestServer(t, testConfig())
	reg.MustRegister("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return map[string]json.RawMessage{"args": args}, nil
	})
	reg.MustRegister("invalid", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.WrapInvalid(errors.ErrValidation, "test", "invalid", "check args")
	})
	reg.MustRegister("precondition", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("no active epoch: %w", errors.ErrSnapshotPrecondition)
	})
	reg.MustRegister("broken", func(context.Context, json.RawMessage) (any, error) {
		return nil, stderrors.New("disk at /var/lib/citysync is full")
	})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tests := []struct {
		intent string
		status int
	}{
		{"echo", http.StatusOK},
		{"missing", http.StatusNotFound},
		{"invalid", http.StatusBadRequest},
		{"precondition", http.StatusConflict},
		{"broken", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/commands/"+tt.intent, "application/json", strings.NewReader(`{"limit":1}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			if tt.status == http.StatusOK {
				assert.Equal(t, map[string]any{"limit": float64(1)}, body["args"])
				return
			}
			assert.Equal(t, float64(tt.status), body["status"])
			assert.NotContains(t, body["error"], "/var/lib")
		})
	}
}

func TestHandleCommand_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestSize = 16
	s, _, reg := newTestServer(t, cfg)
	reg.MustRegister("echo", func(context.Context, json.RawMessage) (any, error) { return "ok", nil })

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/commands/echo", "application/json", strings.NewReader(strings.Repeat("x", 17)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandleCommand_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/commands/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleIntents(t *testing.T) {
	s, _, reg := newTestServer(t, testConfig())
	reg.MustRegister("b", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	reg.MustRegister("a", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/commands", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"intents":["a","b"]}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not started")

	startServer(t, s)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["healthy"])
}

func TestStart_TLS(t *testing.T) {
	// Borrow the httptest certificate and the client that trusts it.
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	tlsConfig := ts.TLS.Clone()
	httpClient := ts.Client()
	ts.Close()

	s, _, _ := newTestServer(t, testConfig(), WithTLS(tlsConfig))
	startServer(t, s)

	resp, err := httpClient.Get("https://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.TLS)
}

func TestMetricsRoute(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no registry configured")

	registry := metric.NewMetricsRegistry()
	s, _, _ = newTestServer(t, testConfig(), WithMetrics(registry))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "citysync_gateway_connections")
}

func TestWebSocket_InboundReachesBridge(t *testing.T) {
	s, b, _ := newTestServer(t, testConfig())
	got := make(chan contract.NodeClicked, 1)
	bridge.On(b, func(_ context.Context, ev contract.NodeClicked) error {
		got <- ev
		return nil
	})
	startServer(t, s)

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(nodeClickedJSON)))

	select {
	case ev := <-got:
		assert.Equal(t, "n-1", ev.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestWebSocket_InvalidFramesDoNotDisconnect(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, b, _ := newTestServer(t, testConfig(), WithMetrics(registry))
	got := make(chan struct{}, 1)
	bridge.On(b, func(context.Context, contract.NodeClicked) error {
		got <- struct{}{}
		return nil
	})
	startServer(t, s)

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(nodeClickedJSON)))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after invalid ones not dispatched")
	}
	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.metrics.frames.WithLabelValues("rejected")))
	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(s.metrics.frames.WithLabelValues("queued")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocket_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	registry := metric.NewMetricsRegistry()
	s, _, _ := newTestServer(t, cfg, WithMetrics(registry))
	startServer(t, s)

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)
	for range 3 {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(nodeClickedJSON)))
	}

	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(s.metrics.frames.WithLabelValues("rate_limited")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.metrics.frames.WithLabelValues("queued")))
}

func TestPublish_DeliversBinaryEnvelopes(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	startServer(t, s)

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)

	cmd, err := contract.NewHighlightNode("n-1", "#ffc107")
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), cmd))

	env := readEnvelope(t, conn)
	assert.Equal(t, 0, env.ChunkIndex)
	assert.Equal(t, 1, env.ChunkTotal)

	decoded, err := contract.MustNewValidator().DecodeOutbound(env.Data)
	require.NoError(t, err)
	hl, ok := decoded.(contract.HighlightNode)
	require.True(t, ok)
	assert.Equal(t, "n-1", hl.NodeID)
	assert.Equal(t, contract.Version, hl.Version)
}

func TestPublish_ChunkedPayloadReassembles(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 64
	s, _, _ := newTestServer(t, cfg)
	startServer(t, s)

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)

	scene := map[string]string{"blob": strings.Repeat("abcdefgh", 64)}
	cmd, err := contract.NewUpdateScene(scene)
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), cmd))

	r, err := transport.NewReassembler(context.Background(), transport.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer r.Close()

	var payload *transport.Payload
	for payload == nil {
		env := readEnvelope(t, conn)
		require.Greater(t, env.ChunkTotal, 1)
		payload, err = r.Receive(env)
		require.NoError(t, err)
	}

	decoded, err := contract.MustNewValidator().DecodeOutbound(payload.Data)
	require.NoError(t, err)
	update, ok := decoded.(contract.UpdateScene)
	require.True(t, ok)
	assert.JSONEq(t, fmt.Sprintf(`{"blob":%q}`, scene["blob"]), string(update.Scene))
}

func TestPublish_RejectsInvalidCommand(t *testing.T) {
	mock := testutil.NewMockNATSClient()
	s, _, _ := newTestServer(t, testConfig(), WithMirror(transport.NewNATSSink(mock, "citysync.scene")))

	err := s.Publish(context.Background(), contract.HighlightNode{NodeID: "n-1", Color: "red"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
	testutil.AssertNoMessages(t, mock, "citysync.scene")
}

func TestPublish_Mirror(t *testing.T) {
	mock := testutil.NewMockNATSClient()
	s, _, _ := newTestServer(t, testConfig(), WithMirror(transport.NewNATSSink(mock, "citysync.scene")))

	cmd, err := contract.NewHighlightNode("n-2", "#e91e63")
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), cmd))

	msgs := testutil.WaitForMessageCount(t, mock, "citysync.scene", 1, time.Second)
	var env transport.Envelope
	require.NoError(t, env.UnmarshalBinary(msgs[0]))
	assert.Contains(t, string(env.Data), `"node_id":"n-2"`)
}

func TestPublish_MirrorFailureReported(t *testing.T) {
	mock := testutil.NewMockNATSClient()
	mock.FailNext(errors.ErrNoConnection)
	s, _, _ := newTestServer(t, testConfig(), WithMirror(transport.NewNATSSink(mock, "citysync.scene")))

	cmd, err := contract.NewHighlightNode("n-2", "#e91e63")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Publish(context.Background(), cmd), errors.ErrNoConnection)
}

func TestLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), errors.ErrAlreadyStarted)
	assert.NotEmpty(t, s.Addr())

	conn := dial(t, s.Addr())
	waitForClients(t, s, 1)

	require.NoError(t, s.Stop(2*time.Second))
	assert.Equal(t, 0, s.ClientCount())
	assert.NoError(t, s.Stop(time.Second), "second Stop is a no-op")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closed by server")

	assert.ErrorIs(t, s.Submit(context.Background(), nodeClickedJSON), errors.ErrShuttingDown)
}
