package command

import (
	"context"

	"github.com/c360/citysync/temporal"
)

// History intents installed by RegisterHistory.
const (
	IntentQueryHistory   = "query_history"
	IntentTimeMachine    = "time_machine"
	IntentActivity       = "activity"
	IntentListEpochs     = "list_epochs"
	IntentCreateSnapshot = "create_snapshot"
)

// QueryHistoryArgs are the arguments of query_history.
type QueryHistoryArgs struct {
	Query string `json:"query,omitempty"`
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TimeMachineArgs select a point in history by time or by timeline position.
// Exactly one must be set.
type TimeMachineArgs struct {
	Timestamp *Instant `json:"timestamp,omitempty"`
	Position  *uint64  `json:"position,omitempty"`
}

// ActivityArgs are the arguments of activity.
type ActivityArgs struct {
	Start   Instant `json:"start"`
	End     Instant `json:"end"`
	Buckets int     `json:"buckets"`
}

// CreateSnapshotArgs are the arguments of create_snapshot.
type CreateSnapshotArgs struct {
	Description  string   `json:"description"`
	ArtifactRefs []string `json:"artifact_refs"`
}

// PositionView is the time_machine result for a position lookup. Snapshot is
// the latest snapshot captured at exactly that position, or nil.
type PositionView struct {
	Position uint64             `json:"position"`
	Snapshot *temporal.Snapshot `json:"snapshot"`
}

// MaxActivityBuckets bounds the activity intent.
const MaxActivityBuckets = 10000

// RegisterHistory installs the history intents backed by store.
func RegisterHistory(reg *Registry, store *temporal.Store) error {
	h := &history{store: store}
	intents := []struct {
		name    string
		handler Handler
	}{
		{IntentQueryHistory, Typed(h.queryHistory)},
		{IntentTimeMachine, Typed(h.timeMachine)},
		{IntentActivity, Typed(h.activity)},
		{IntentListEpochs, Typed(h.listEpochs)},
		{IntentCreateSnapshot, Typed(h.createSnapshot)},
	}
	for _, in := range intents {
		if err := reg.Register(in.name, in.handler); err != nil {
			return err
		}
	}
	return nil
}

type history struct {
	store *temporal.Store
}

func (h *history) queryHistory(_ context.Context, args QueryHistoryArgs) ([]temporal.Quantum, error) {
	if args.Limit < 0 {
		return nil, invalidArguments(IntentQueryHistory, "limit cannot be negative", nil)
	}
	return h.store.SearchHistory(temporal.SearchQuery{
		Query: args.Query,
		Type:  args.Type,
		Limit: args.Limit,
	}), nil
}

func (h *history) timeMachine(_ context.Context, args TimeMachineArgs) (any, error) {
	switch {
	case args.Timestamp != nil && args.Position != nil:
		return nil, invalidArguments(IntentTimeMachine, "timestamp and position are exclusive", nil)
	case args.Timestamp != nil:
		if args.Timestamp.IsZero() {
			return nil, invalidArguments(IntentTimeMachine, "timestamp is empty", nil)
		}
		return h.store.StateAt(args.Timestamp.Time), nil
	case args.Position != nil:
		view := PositionView{Position: *args.Position}
		if snap, ok := h.store.GetSnapshotByQuantum(*args.Position); ok {
			view.Snapshot = &snap
		}
		return view, nil
	default:
		return nil, invalidArguments(IntentTimeMachine, "timestamp or position is required", nil)
	}
}

func (h *history) activity(_ context.Context, args ActivityArgs) ([]temporal.Bucket, error) {
	if args.Start.IsZero() || args.End.IsZero() {
		return nil, invalidArguments(IntentActivity, "start and end are required", nil)
	}
	if !args.End.After(args.Start.Time) {
		return nil, invalidArguments(IntentActivity, "end must be after start", nil)
	}
	if args.Buckets <= 0 || args.Buckets > MaxActivityBuckets {
		return nil, invalidArguments(IntentActivity, "buckets must be between 1 and 10000", nil)
	}
	return h.store.GetBucketedActivity(args.Start.Time, args.End.Time, args.Buckets), nil
}

func (h *history) listEpochs(_ context.Context, _ struct{}) ([]temporal.Epoch, error) {
	return h.store.Epochs(), nil
}

func (h *history) createSnapshot(_ context.Context, args CreateSnapshotArgs) (temporal.Snapshot, error) {
	return h.store.CreateSnapshot(args.Description, args.ArtifactRefs)
}
