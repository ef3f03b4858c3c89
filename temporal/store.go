// Package temporal is the append-only, event-sourced timeline behind the
// synchronization core.
//
// A Store holds epochs, quanta and snapshots. At most one epoch is active; every
// quantum appended while an epoch is active is tagged with it. Snapshots can only
// be taken while an epoch is active.
//
// Quanta carry a monotonic position shared by RecordQuantum and AdvanceQuantum.
// Snapshots remember the position current at capture time, and
// GetSnapshotByQuantum looks snapshots up by that position.
//
// All methods are safe for concurrent use; mutations are serialized by a single
// writer lock.
package temporal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/citysync/metric"
	"github.com/c360/citysync/pkg/timestamp"
)

// Store is the temporal store.
type Store struct {
	mu        sync.RWMutex
	epochs    map[string]Epoch
	activeID  string
	timeline  []Quantum
	snapshots map[string]Snapshot
	position  uint64
	revision  uint64

	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *storeMetrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Returned times are normalized to UTC microseconds.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator replaces the uuid generator used for epoch and snapshot ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers store metrics with the registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Store) {
		s.metrics = newStoreMetrics(registry, s.logger)
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		epochs:    make(map[string]Epoch),
		snapshots: make(map[string]Snapshot),
		clock:     time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "temporal")
	return s
}

func (s *Store) now() time.Time {
	return timestamp.Normalize(s.clock())
}

// touch must be called with the write lock held.
func (s *Store) touch() {
	s.revision++
}

// Revision increases on every mutation. Persisters use it to skip unchanged
// saves.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// StartEpoch completes the active epoch, if any, then creates and activates a
// new one. Metadata must be JSON serializable; it is stored in its JSON-decoded
// form so that a persisted store compares equal to the original.
func (s *Store) StartEpoch(name string, metadata map[string]any) (string, error) {
	normalized, err := normalizeMetadata(metadata)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.activeID != "" {
		s.completeLocked(s.activeID, now)
	}

	epoch := Epoch{
		ID:        s.newID(),
		Name:      name,
		StartTime: now,
		Status:    EpochActive,
		Metadata:  normalized,
	}
	s.epochs[epoch.ID] = epoch
	s.activeID = epoch.ID
	s.touch()
	s.metrics.activeEpoch(true)

	s.logger.Info("Epoch started", "epoch_id", epoch.ID, "name", name)
	return epoch.ID, nil
}

// EndEpoch completes an epoch. It returns false when id is unknown. Ending a
// completed or archived epoch is a no-op that returns true.
func (s *Store) EndEpoch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, ok := s.epochs[id]
	if !ok {
		return false
	}
	if epoch.Status != EpochActive {
		return true
	}

	s.completeLocked(id, s.now())
	s.touch()
	s.logger.Info("Epoch ended", "epoch_id", id, "name", epoch.Name)
	return true
}

func (s *Store) completeLocked(id string, at time.Time) {
	epoch := s.epochs[id]
	epoch.Status = EpochCompleted
	epoch.EndTime = &at
	s.epochs[id] = epoch
	if s.activeID == id {
		s.activeID = ""
		s.metrics.activeEpoch(false)
	}
}

// ArchiveEpoch moves a completed epoch to archived.
func (s *Store) ArchiveEpoch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, ok := s.epochs[id]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrEpochNotFound, id)
	case epoch.Status == EpochActive:
		return fmt.Errorf("%w: %s", ErrEpochActive, id)
	case epoch.Status == EpochArchived:
		return nil
	}

	epoch.Status = EpochArchived
	s.epochs[id] = epoch
	s.touch()
	return nil
}

// ActiveEpoch returns the active epoch.
func (s *Store) ActiveEpoch() (Epoch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return Epoch{}, false
	}
	return cloneEpoch(s.epochs[s.activeID]), true
}

// Epoch returns the epoch with the given id.
func (s *Store) Epoch(id string) (Epoch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epoch, ok := s.epochs[id]
	if !ok {
		return Epoch{}, false
	}
	return cloneEpoch(epoch), true
}

// Epochs returns all epochs ordered by start time, then id.
func (s *Store) Epochs() []Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Epoch, 0, len(s.epochs))
	for _, epoch := range s.epochs {
		out = append(out, cloneEpoch(epoch))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset discards all state, including the position counter.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epochs = make(map[string]Epoch)
	s.snapshots = make(map[string]Snapshot)
	s.timeline = nil
	s.activeID = ""
	s.position = 0
	s.touch()
	s.metrics.activeEpoch(false)
	s.logger.Info("Store reset")
}

func cloneEpoch(e Epoch) Epoch {
	if e.EndTime != nil {
		end := *e.EndTime
		e.EndTime = &end
	}
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

func normalizeMetadata(metadata map[string]any) (map[string]any, error) {
	if metadata == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("temporal: metadata is not JSON serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("temporal: metadata round trip: %w", err)
	}
	return out, nil
}
