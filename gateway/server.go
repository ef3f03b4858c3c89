// Package gateway serves the visualization surface: a websocket for inbound
// events and outbound commands, plus HTTP routes for command intents, health
// and metrics.
//
// Inbound text frames are rate limited per connection and queued for a single
// dispatcher goroutine, so the bridge sees events one at a time in arrival
// order. Outbound commands are validated, split by the transport and written
// to each client as binary msgpack frames.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/c360/citysync/bridge"
	"github.com/c360/citysync/command"
	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/health"
	"github.com/c360/citysync/metric"
	"github.com/c360/citysync/transport"
)

// Server is the gateway. Start and Stop each run once.
type Server struct {
	cfg         Config
	bridge      *bridge.Bridge
	registry    *command.Registry
	validator   *contract.Validator
	logger      *slog.Logger
	metrics     *gatewayMetrics
	registryM   *metric.MetricsRegistry
	transport   *transport.Metrics
	monitor     *health.Monitor
	mirrorSinks []transport.Sink
	mirrors     []*transport.Sender
	tlsConfig   *tls.Config

	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*client

	inbound  chan string
	shutdown chan struct{}
	group    *errgroup.Group

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers gateway metrics and serves the registry on /metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		s.registryM = registry
	}
}

// WithTransportMetrics records outbound chunk traffic on m.
func WithTransportMetrics(m *transport.Metrics) Option {
	return func(s *Server) {
		s.transport = m
	}
}

// WithHealth serves monitor on /healthz. The gateway registers its own check
// on it.
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) {
		if monitor != nil {
			s.monitor = monitor
		}
	}
}

// WithValidator sets the contract validator used by Publish.
func WithValidator(v *contract.Validator) Option {
	return func(s *Server) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithMirror also sends every published command to sink.
func WithMirror(sink transport.Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.mirrorSinks = append(s.mirrorSinks, sink)
		}
	}
}

// WithTLS serves HTTPS and wss on the listener. A nil config keeps plain HTTP.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// New builds a server. The bridge receives inbound events and reg serves
// /commands.
func New(cfg Config, b *bridge.Bridge, reg *command.Registry, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil || reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "bridge and registry are required")
	}

	s := &Server{
		cfg:      cfg,
		bridge:   b,
		registry: reg,
		logger:   slog.Default(),
		monitor:  health.NewMonitor(),
		clients:  make(map[string]*client),
		inbound:  make(chan string, cfg.InboundQueue),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.metrics = newGatewayMetrics(s.registryM, s.logger)

	if s.validator == nil {
		v, err := contract.NewValidator()
		if err != nil {
			return nil, err
		}
		s.validator = v
	}

	for _, sink := range s.mirrorSinks {
		sender, err := s.newSender(sink)
		if err != nil {
			return nil, err
		}
		s.mirrors = append(s.mirrors, sender)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.monitor.Register("gateway", s.healthCheck)
	s.handler = s.routes()
	return s, nil
}

func (s *Server) newSender(sink transport.Sink) (*transport.Sender, error) {
	return transport.NewSender(sink,
		transport.WithChunkSize(s.cfg.ChunkSize),
		transport.WithMaxPayloadSize(s.cfg.MaxPayloadSize),
		transport.WithLogger(s.logger),
		transport.WithMetrics(s.transport))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) healthCheck(context.Context) health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("gateway", "not running")
	}
	return health.NewHealthy("gateway", fmt.Sprintf("%d clients", s.ClientCount()))
}

// Handler returns the HTTP routes. It works without Start, which is how tests
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and starts the HTTP server and the dispatcher.
// The dispatcher stops when ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	err := errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "start gateway")
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Server) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.ListenAddr)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error {
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapTransient(err, "Server", "Serve", "serve HTTP")
		}
		return nil
	})
	group.Go(func() error {
		s.dispatch(gctx)
		return nil
	})
	group.Go(func() error {
		s.maintainClients(gctx)
		return nil
	})

	s.running.Store(true)
	s.logger.Info("Gateway listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down, closes every client and waits up to
// timeout for the background goroutines.
func (s *Server) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop(timeout)
	})
	return err
}

func (s *Server) stop(timeout time.Duration) error {
	s.running.Store(false)
	close(s.shutdown)

	var errs []error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.closeAllClients()

	if s.group != nil {
		done := make(chan error, 1)
		go func() { done <- s.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-time.After(timeout):
			s.logger.Warn("Gateway goroutines did not exit within timeout", "timeout", timeout)
			errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for goroutines"))
		}
	}

	s.logger.Info("Gateway stopped")
	return stderrors.Join(errs...)
}

// dispatch feeds queued frames to the bridge one at a time.
func (s *Server) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case raw := <-s.inbound:
			s.bridge.ProcessMessage(ctx, raw)
		}
	}
}

// Submit queues a raw inbound message for the dispatcher. It blocks while the
// queue is full.
func (s *Server) Submit(ctx context.Context, raw string) error {
	select {
	case <-s.shutdown:
		return errors.ErrShuttingDown
	default:
	}
	select {
	case s.inbound <- raw:
		return nil
	case <-s.shutdown:
		return errors.ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish validates cmd and sends it to every client and mirror. A client
// whose delivery fails is disconnected. The returned error joins every
// delivery failure.
func (s *Server) Publish(ctx context.Context, cmd contract.OutboundCommand) error {
	wire, err := s.validator.ValidateOutbound(cmd)
	if err != nil {
		return err
	}
	payload := json.RawMessage(wire)

	var errs []error
	for _, c := range s.snapshotClients() {
		if _, err := c.sender.Send(ctx, payload); err != nil {
			s.logger.Warn("Dropping client after failed send", "client_id", c.id, "error", err)
			s.removeClient(c)
			errs = append(errs, err)
		}
	}
	for _, m := range s.mirrors {
		if _, err := m.Send(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) snapshotClients() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.setConnections(n)
	s.logger.Info("Client connected", "client_id", c.id, "clients", n)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.clientsMu.Unlock()

	c.close()
	if ok {
		s.metrics.setConnections(n)
		s.logger.Info("Client disconnected", "client_id", c.id, "clients", n, "connected_for", time.Since(c.connectedAt))
	}
}

func (s *Server) closeAllClients() {
	for _, c := range s.snapshotClients() {
		s.removeClient(c)
	}
}

func (s *Server) maintainClients(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, c := range s.snapshotClients() {
				if err := c.ping(s.cfg.WriteTimeout); err != nil {
					s.removeClient(c)
				}
			}
		}
	}
}
