package scene

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/citysync/bridge"
	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/temporal"
)

// CameraSource is the quantum source id for camera_moved events.
const CameraSource = "camera"

// Publisher sends outbound commands to the surface.
type Publisher interface {
	Publish(ctx context.Context, cmd contract.OutboundCommand) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, cmd contract.OutboundCommand) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, cmd contract.OutboundCommand) error {
	return f(ctx, cmd)
}

// Projector holds the scene state. Apply is safe for concurrent use, although
// the bridge feeds it from a single goroutine.
type Projector struct {
	mu    sync.RWMutex
	state State
	edges map[Edge]struct{}

	logger *slog.Logger
}

// Option configures a Projector.
type Option func(*Projector)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProjector returns a projector with an empty scene.
func NewProjector(opts ...Option) *Projector {
	p := &Projector{
		state:  State{Edges: []Edge{}},
		edges:  make(map[Edge]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "scene")
	return p
}

// State returns a copy of the current scene.
func (p *Projector) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// Apply folds ev into the scene and returns the new state. The revision
// advances on every event, including a repeated edge.
func (p *Projector) Apply(ev contract.InboundEvent) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ev.Accept(applier{p}); err != nil {
		return p.state.clone(), err
	}
	p.state.Revision++
	return p.state.clone(), nil
}

// applier mutates the projector under its lock.
type applier struct{ p *Projector }

func (a applier) VisitNodeClicked(e contract.NodeClicked) error {
	a.p.state.SelectedNode = e.NodeID
	return nil
}

func (a applier) VisitCameraMoved(e contract.CameraMoved) error {
	a.p.state.Camera = &Camera{Position: e.Position, Rotation: e.Rotation}
	return nil
}

func (a applier) VisitConnectRequest(e contract.ConnectRequest) error {
	edge := Edge{Source: e.SourceID, Target: e.TargetID}
	if _, dup := a.p.edges[edge]; dup {
		return nil
	}
	a.p.edges[edge] = struct{}{}
	a.p.state.Edges = append(a.p.state.Edges, edge)
	return nil
}

// sourceOf returns the quantum source id for ev.
type sourceOf struct{ id string }

func (s *sourceOf) VisitNodeClicked(e contract.NodeClicked) error {
	s.id = e.NodeID
	return nil
}

func (s *sourceOf) VisitCameraMoved(contract.CameraMoved) error {
	s.id = CameraSource
	return nil
}

func (s *sourceOf) VisitConnectRequest(e contract.ConnectRequest) error {
	s.id = e.SourceID
	return nil
}

// SourceID returns the quantum source id recorded for ev.
func SourceID(ev contract.InboundEvent) string {
	var s sourceOf
	_ = ev.Accept(&s)
	return s.id
}

// Attach registers a handler for every inbound variant on b. Each event is
// recorded as a quantum on store, applied to the scene and published as an
// update_scene. A node_clicked also publishes a highlight_node. A nil pub
// only records and applies.
func (p *Projector) Attach(b *bridge.Bridge, store *temporal.Store, pub Publisher) {
	handle := func(ctx context.Context, ev contract.InboundEvent) error {
		return p.handle(ctx, ev, store, pub)
	}
	for _, t := range contract.EventTypes() {
		b.RegisterHandler(t, handle)
	}
}

func (p *Projector) handle(ctx context.Context, ev contract.InboundEvent, store *temporal.Store, pub Publisher) error {
	if store != nil {
		var opts []temporal.RecordOption
		if meta := ev.Meta(); meta.Timestamp > 0 {
			opts = append(opts, temporal.WithTimestamp(meta.Time()))
		}
		if _, err := store.RecordQuantum(string(ev.Type()), SourceID(ev), ev, opts...); err != nil {
			return fmt.Errorf("record %s: %w", ev.Type(), err)
		}
	}

	state, err := p.Apply(ev)
	if err != nil {
		return err
	}
	if pub == nil {
		return nil
	}

	update, err := contract.NewUpdateScene(state)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, update); err != nil {
		return fmt.Errorf("publish update_scene: %w", err)
	}

	if click, ok := ev.(contract.NodeClicked); ok {
		highlight, err := contract.NewHighlightNode(click.NodeID, ButtonColor(click.Button))
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, highlight); err != nil {
			return fmt.Errorf("publish highlight_node: %w", err)
		}
	}

	p.logger.Debug("Scene updated", "event_type", ev.Type(), "revision", state.Revision)
	return nil
}
