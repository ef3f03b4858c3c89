package temporal

import (
	"encoding/json"
	"time"
)

// EpochStatus is the lifecycle state of an epoch.
type EpochStatus string

// Epoch states. Epochs move active -> completed -> archived and never reopen.
const (
	EpochActive    EpochStatus = "active"
	EpochCompleted EpochStatus = "completed"
	EpochArchived  EpochStatus = "archived"
)

// Epoch is a named, mutually exclusive window of activity.
type Epoch struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Status    EpochStatus    `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

// Contains reports whether t falls inside the epoch window.
func (e Epoch) Contains(t time.Time) bool {
	if t.Before(e.StartTime) {
		return false
	}
	return e.EndTime == nil || t.Before(*e.EndTime)
}

// Quantum is one immutable timeline entry.
type Quantum struct {
	ID        string          `json:"id"`
	Position  uint64          `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	SourceID  string          `json:"source_id"`
	Payload   json.RawMessage `json:"payload"`
	EpochID   string          `json:"epoch_id,omitempty"`
}

// Snapshot captures named artifact references during an active epoch. Position
// is the timeline position current when the snapshot was taken.
type Snapshot struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EpochID      string    `json:"epoch_id"`
	Position     uint64    `json:"position"`
	ArtifactRefs []string  `json:"artifact_refs"`
	Description  string    `json:"description"`
}

// Bucket is one interval of GetBucketedActivity.
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// DefaultSearchLimit caps SearchHistory results when no limit is given.
const DefaultSearchLimit = 100

// SearchQuery filters SearchHistory. Empty fields match everything.
type SearchQuery struct {
	Query string `json:"query,omitempty"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TimeMachineView is the store as it looked at a point in time.
type TimeMachineView struct {
	At       time.Time `json:"at"`
	Epoch    *Epoch    `json:"epoch,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Count    int       `json:"quantum_count"`
	Position uint64    `json:"position"`
	Recent   []Quantum `json:"recent"`
}
