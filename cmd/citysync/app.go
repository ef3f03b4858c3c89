package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/citysync/bridge"
	"github.com/c360/citysync/command"
	"github.com/c360/citysync/config"
	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/gateway"
	"github.com/c360/citysync/health"
	"github.com/c360/citysync/metric"
	"github.com/c360/citysync/natsclient"
	"github.com/c360/citysync/pkg/tlsutil"
	"github.com/c360/citysync/scene"
	"github.com/c360/citysync/temporal"
	"github.com/c360/citysync/temporal/persist"
	"github.com/c360/citysync/transport"
)

// app holds the wired service.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats      *natsclient.Client
	store     *temporal.Store
	backend   persist.Backend
	autosaver *persist.Autosaver
	server    *gateway.Server

	inbound     *transport.Queue
	reassembler *transport.Reassembler
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	a.metrics.CoreMetrics().RecordBuild(Version)

	if cfg.NATS.Enabled {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.setupStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	if err := a.setupGateway(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(a.cfg.Service.Name),
		natsclient.WithLogger(natsclient.NewSlogLogger(a.logger)),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.Std()),
		natsclient.WithTimeout(n.Timeout.Std()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			a.metrics.CoreMetrics().RecordNATSStatus(healthy)
		}),
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	client, err := natsclient.NewClient(n.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "url", n.URL)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client

	a.monitor.Register("nats", func(context.Context) health.Status {
		if client.IsHealthy() {
			return health.NewHealthy("nats", "connected")
		}
		return health.NewDegraded("nats", fmt.Sprintf("status %s", client.Status()))
	})
	return nil
}

func (a *app) setupStore(ctx context.Context) error {
	a.store = temporal.New(
		temporal.WithLogger(a.logger),
		temporal.WithMetrics(a.metrics),
	)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.backend = backend

	if backend != nil {
		restored, err := persist.Restore(ctx, backend, a.store)
		if err != nil {
			return fmt.Errorf("restore store: %w", err)
		}
		a.autosaver = persist.NewAutosaver(a.store, backend, a.cfg.Store.AutosaveInterval.Std(), a.logger)
		if restored {
			a.autosaver.MarkSaved()
		}
		a.logger.Info("Store backend ready",
			"backend", a.cfg.Store.Backend, "restored", restored, "quanta", a.store.Len())
	}

	if _, ok := a.store.ActiveEpoch(); !ok {
		id, err := a.store.StartEpoch("session "+time.Now().UTC().Format(time.RFC3339),
			map[string]any{"service": a.cfg.Service.Name, "version": Version})
		if err != nil {
			return fmt.Errorf("start session epoch: %w", err)
		}
		a.logger.Info("Started session epoch", "epoch_id", id)
	}

	a.monitor.Register("store", func(context.Context) health.Status {
		return health.NewHealthy("store", fmt.Sprintf("%d quanta, position %d", a.store.Len(), a.store.Position()))
	})
	return nil
}

// openBackend returns nil for the memory backend.
func (a *app) openBackend(ctx context.Context) (persist.Backend, error) {
	s := a.cfg.Store
	var (
		backend persist.Backend
		err     error
	)
	switch s.Backend {
	case config.BackendFile:
		backend, err = persist.NewFile(s.Path)
	case config.BackendSQLite:
		backend, err = persist.OpenSQLite(s.Path)
	case config.BackendKV:
		kv, kvErr := a.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: s.Bucket})
		if kvErr != nil {
			return nil, fmt.Errorf("open KV bucket %s: %w", s.Bucket, kvErr)
		}
		backend, err = persist.NewKV(a.nats.NewKVStore(kv), s.Key)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", s.Backend, err)
	}
	return backend, nil
}

func (a *app) setupGateway(ctx context.Context) error {
	validator, err := contract.NewValidator()
	if err != nil {
		return fmt.Errorf("load contract schemas: %w", err)
	}

	b := bridge.New(validator,
		bridge.WithLogger(a.logger),
		bridge.WithHandlerTimeout(a.cfg.Bridge.HandlerTimeout.Std()),
		bridge.WithMetrics(a.metrics))

	reg := command.NewRegistry(command.WithLogger(a.logger))
	if err := command.RegisterHistory(reg, a.store); err != nil {
		return fmt.Errorf("register history intents: %w", err)
	}

	transportMetrics := transport.NewMetrics(a.metrics, a.logger)
	opts := []gateway.Option{
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.metrics),
		gateway.WithHealth(a.monitor),
		gateway.WithValidator(validator),
		gateway.WithTransportMetrics(transportMetrics),
	}
	tlsConfig, err := tlsutil.LoadServerTLSConfig(a.cfg.Gateway.TLS)
	if err != nil {
		return fmt.Errorf("gateway TLS: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, gateway.WithTLS(tlsConfig))
	}
	if a.nats != nil {
		subject := a.cfg.NATS.Subject("scene")
		opts = append(opts, gateway.WithMirror(transport.NewNATSSink(a.nats, subject)))
		a.logger.Info("Mirroring outbound commands to NATS", "subject", subject)
	}

	server, err := gateway.New(a.cfg.ServerConfig(), b, reg, opts...)
	if err != nil {
		return err
	}
	a.server = server

	scene.NewProjector(scene.WithLogger(a.logger)).Attach(b, a.store, server)

	if a.nats != nil {
		return a.subscribeInbound(ctx, transportMetrics)
	}
	return nil
}

// subscribeInbound feeds chunked events published on <prefix>.events into the
// gateway's dispatcher.
func (a *app) subscribeInbound(ctx context.Context, m *transport.Metrics) error {
	r, err := transport.NewReassembler(ctx,
		transport.WithDeadline(a.cfg.Transport.Deadline.Std()),
		transport.WithMaxPayloadSize(a.cfg.Transport.MaxPayloadSize),
		transport.WithLogger(a.logger),
		transport.WithMetrics(m),
		transport.WithIncompleteHandler(func(e *transport.IncompleteError) {
			a.logger.Warn("Dropped incomplete inbound payload", "payload_id", e.PayloadID,
				"received", e.Received, "total", e.Total)
		}))
	if err != nil {
		return err
	}
	a.reassembler = r
	a.inbound = transport.NewQueue(a.cfg.Gateway.InboundQueue)

	subject := a.cfg.NATS.Subject("events")
	err = a.nats.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
		var env transport.Envelope
		if err := env.UnmarshalBinary(data); err != nil {
			a.logger.Warn("Discarding malformed envelope", "subject", subject, "error", err)
			return
		}
		if err := a.inbound.Deliver(msgCtx, env); err != nil {
			a.logger.Debug("Inbound envelope not queued", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	a.logger.Info("Accepting inbound events from NATS", "subject", subject)
	return nil
}

// run starts every part and blocks until ctx is done, then shuts down.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("citysync started", "addr", a.server.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if a.autosaver != nil {
		g.Go(func() error {
			return a.autosaver.Run(gctx, a.cfg.Service.ShutdownTimeout.Std())
		})
	}
	if a.inbound != nil {
		g.Go(func() error {
			err := transport.Pump(gctx, a.inbound, a.reassembler, func(p *transport.Payload) {
				if err := a.server.Submit(gctx, string(p.Data)); err != nil {
					a.logger.Debug("Inbound payload not submitted", "payload_id", p.ID, "error", err)
				}
			})
			if stderrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		if a.inbound != nil {
			a.inbound.Close()
		}
		return a.server.Stop(a.cfg.Service.ShutdownTimeout.Std())
	})

	err := g.Wait()
	a.logger.Info("citysync shutdown complete")
	return err
}

func (a *app) close() {
	if a.reassembler != nil {
		_ = a.reassembler.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("Closing store backend failed", "error", err)
		}
	}
	if a.nats != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.nats.Close(closeCtx); err != nil {
			a.logger.Warn("Closing NATS client failed", "error", err)
		}
	}
}
