package temporal

import (
	"sort"
)

// CreateSnapshot captures artifactRefs under the active epoch. It returns
// ErrNoActiveEpoch when no epoch is active.
func (s *Store) CreateSnapshot(description string, artifactRefs []string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == "" {
		s.logger.Debug("Snapshot refused without active epoch", "description", description)
		return Snapshot{}, ErrNoActiveEpoch
	}

	refs := make([]string, len(artifactRefs))
	copy(refs, artifactRefs)

	snap := Snapshot{
		ID:           s.newID(),
		Timestamp:    s.now(),
		EpochID:      s.activeID,
		Position:     s.position,
		ArtifactRefs: refs,
		Description:  description,
	}
	s.snapshots[snap.ID] = snap
	s.touch()
	s.metrics.snapshot()

	s.logger.Info("Snapshot created", "snapshot_id", snap.ID, "epoch_id", snap.EpochID, "position", snap.Position)
	return cloneSnapshot(snap), nil
}

// Snapshot returns the snapshot with the given id.
func (s *Store) Snapshot(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, false
	}
	return cloneSnapshot(snap), true
}

// Snapshots returns all snapshots in capture order.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedSnapshotsLocked()
}

// GetSnapshotByQuantum returns the most recent snapshot taken at timeline
// position.
func (s *Store) GetSnapshotByQuantum(position uint64) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.orderedSnapshotsLocked()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Position == position {
			return ordered[i], true
		}
	}
	return Snapshot{}, false
}

// orderedSnapshotsLocked sorts by position, then timestamp, then id, which is
// capture order for snapshots taken by one store.
func (s *Store) orderedSnapshotsLocked() []Snapshot {
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return out
}

func cloneSnapshot(snap Snapshot) Snapshot {
	refs := make([]string, len(snap.ArtifactRefs))
	copy(refs, snap.ArtifactRefs)
	snap.ArtifactRefs = refs
	return snap
}
