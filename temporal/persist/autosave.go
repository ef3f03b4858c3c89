package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/citysync/temporal"
)

// DefaultAutosaveInterval is used when NewAutosaver gets a non-positive interval.
const DefaultAutosaveInterval = 10 * time.Second

// Autosaver saves a store to a backend whenever its revision has moved.
type Autosaver struct {
	store    *temporal.Store
	backend  Backend
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	saved   bool
	lastRev uint64
}

// NewAutosaver creates an autosaver. It does nothing until Run or SaveNow.
func NewAutosaver(store *temporal.Store, backend Backend, interval time.Duration, logger *slog.Logger) *Autosaver {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosaver{
		store:    store,
		backend:  backend,
		interval: interval,
		logger:   logger.With("component", "autosave"),
	}
}

// SaveNow saves if the store changed since the last successful save and
// reports whether it wrote.
func (a *Autosaver) SaveNow(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rev := a.store.Revision()
	if a.saved && rev == a.lastRev {
		return false, nil
	}
	if err := a.backend.Save(ctx, a.store.Document()); err != nil {
		return false, err
	}
	a.saved = true
	a.lastRev = rev
	return true, nil
}

// MarkSaved records the current revision as persisted, typically right after
// the store was restored from the same backend.
func (a *Autosaver) MarkSaved() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = true
	a.lastRev = a.store.Revision()
}

// Run saves every interval until ctx is done, then performs a final save
// bounded by finalTimeout.
func (a *Autosaver) Run(ctx context.Context, finalTimeout time.Duration) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), finalTimeout)
			defer cancel()
			wrote, err := a.SaveNow(final)
			if err != nil {
				a.logger.Error("Final save failed", "error", err)
				return err
			}
			a.logger.Info("Final save complete", "wrote", wrote)
			return nil
		case <-ticker.C:
			wrote, err := a.SaveNow(ctx)
			if err != nil {
				a.logger.Warn("Autosave failed", "error", err)
				continue
			}
			if wrote {
				a.logger.Debug("Autosaved store", "revision", a.store.Revision())
			}
		}
	}
}
