package temporal

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/metric"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock advances by step on every read.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: baseTime, step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Second)
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs("id")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...), clock
}

func TestStore_ProjectScenario(t *testing.T) {
	s, _ := newTestStore(t)

	p1, err := s.StartEpoch("P1", nil)
	require.NoError(t, err)

	_, err = s.RecordQuantum("a", "src", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = s.RecordQuantum("a", "src", map[string]any{"n": 2})
	require.NoError(t, err)
	_, err = s.RecordQuantum("b", "src", map[string]any{"n": 3})
	require.NoError(t, err)

	found := s.SearchHistory(SearchQuery{Type: "a"})
	assert.Len(t, found, 2)

	snap, err := s.CreateSnapshot("checkpoint", []string{"scene.json"})
	require.NoError(t, err)
	assert.Equal(t, p1, snap.EpochID)
	assert.Equal(t, uint64(3), snap.Position)

	assert.True(t, s.EndEpoch(p1))

	_, err = s.CreateSnapshot("too late", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActiveEpoch)
	assert.ErrorIs(t, err, errors.ErrSnapshotPrecondition)
}

func TestStartEpoch_CompletesPreviousEpoch(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.StartEpoch("first", map[string]any{"owner": "ops"})
	require.NoError(t, err)
	second, err := s.StartEpoch("second", nil)
	require.NoError(t, err)

	prev, ok := s.Epoch(first)
	require.True(t, ok)
	assert.Equal(t, EpochCompleted, prev.Status)
	require.NotNil(t, prev.EndTime)
	assert.Equal(t, "ops", prev.Metadata["owner"])

	active, ok := s.ActiveEpoch()
	require.True(t, ok)
	assert.Equal(t, second, active.ID)
	assert.Equal(t, map[string]any{}, active.Metadata)

	activeCount := 0
	for _, e := range s.Epochs() {
		if e.Status == EpochActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestStartEpoch_RejectsUnserializableMetadata(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.StartEpoch("bad", map[string]any{"fn": func() {}})
	require.Error(t, err)

	_, ok := s.ActiveEpoch()
	assert.False(t, ok)
}

func TestStartEpoch_NormalizesMetadata(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.StartEpoch("typed", map[string]any{"count": 3, "tags": []string{"x"}})
	require.NoError(t, err)

	epoch, _ := s.Epoch(id)
	assert.Equal(t, float64(3), epoch.Metadata["count"])
	assert.Equal(t, []any{"x"}, epoch.Metadata["tags"])
}

func TestEndEpoch(t *testing.T) {
	s, _ := newTestStore(t)

	assert.False(t, s.EndEpoch("missing"))

	id, err := s.StartEpoch("e", nil)
	require.NoError(t, err)
	assert.True(t, s.EndEpoch(id))

	epoch, _ := s.Epoch(id)
	end := *epoch.EndTime
	assert.True(t, s.EndEpoch(id), "ending a completed epoch is a no-op")

	epoch, _ = s.Epoch(id)
	assert.Equal(t, end, *epoch.EndTime)
	_, ok := s.ActiveEpoch()
	assert.False(t, ok)
}

func TestArchiveEpoch(t *testing.T) {
	s, _ := newTestStore(t)

	assert.ErrorIs(t, s.ArchiveEpoch("missing"), ErrEpochNotFound)

	id, err := s.StartEpoch("e", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ArchiveEpoch(id), ErrEpochActive)

	s.EndEpoch(id)
	require.NoError(t, s.ArchiveEpoch(id))
	require.NoError(t, s.ArchiveEpoch(id))

	epoch, _ := s.Epoch(id)
	assert.Equal(t, EpochArchived, epoch.Status)
	assert.True(t, s.EndEpoch(id))
	epoch, _ = s.Epoch(id)
	assert.Equal(t, EpochArchived, epoch.Status, "archived epochs never reopen")
}

func TestRecordQuantum_TagsActiveEpoch(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordQuantum("before", "src", nil)
	require.NoError(t, err)

	id, err := s.StartEpoch("e", nil)
	require.NoError(t, err)
	_, err = s.RecordQuantum("during", "src", "x")
	require.NoError(t, err)

	s.EndEpoch(id)
	_, err = s.RecordQuantum("after", "src", 1)
	require.NoError(t, err)

	timeline := s.Timeline()
	require.Len(t, timeline, 3)
	assert.Empty(t, timeline[0].EpochID)
	assert.Equal(t, id, timeline[1].EpochID)
	assert.Empty(t, timeline[2].EpochID)
	assert.JSONEq(t, "null", string(timeline[0].Payload))
	assert.JSONEq(t, `"x"`, string(timeline[1].Payload))
}

func TestRecordQuantum_PayloadErrors(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordQuantum("t", "src", make(chan int))
	require.Error(t, err)

	_, err = s.RecordQuantum("t", "src", json.RawMessage(`{"broken"`))
	require.Error(t, err)

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.Position())
}

func TestRecordQuantum_CompactsRawPayload(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordQuantum("t", "src", json.RawMessage("{ \"a\" : 1 }"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(s.Timeline()[0].Payload))
}

func TestRecordQuantum_WithTimestamp(t *testing.T) {
	s, _ := newTestStore(t)

	at := time.Date(2020, 1, 1, 0, 0, 0, 1500, time.FixedZone("x", 3600))
	_, err := s.RecordQuantum("t", "src", nil, WithTimestamp(at))
	require.NoError(t, err)

	got := s.Timeline()[0].Timestamp
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(at.Round(time.Microsecond)))
}

func TestPositions_SharedAcrossRecordAndAdvance(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RecordQuantum("a", "src", nil)
	require.NoError(t, err)
	pos, err := s.AdvanceQuantum("tick", map[string]int{"frame": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos)

	_, err = s.RecordQuantum("b", "src", nil)
	require.NoError(t, err)
	pos, err = s.AdvanceQuantum("tick", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)

	timeline := s.Timeline()
	for i, q := range timeline {
		assert.Equal(t, uint64(i+1), q.Position)
	}
	assert.Equal(t, AdvanceSource, timeline[1].SourceID)
	assert.Equal(t, "tick", timeline[1].Type)
}

func TestGetSnapshotByQuantum(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.StartEpoch("e", nil)
	require.NoError(t, err)

	_, err = s.RecordQuantum("a", "src", nil)
	require.NoError(t, err)
	first, err := s.CreateSnapshot("first at 1", nil)
	require.NoError(t, err)
	second, err := s.CreateSnapshot("second at 1", nil)
	require.NoError(t, err)

	_, err = s.AdvanceQuantum("tick", nil)
	require.NoError(t, err)
	third, err := s.CreateSnapshot("at 2", []string{"a", "b"})
	require.NoError(t, err)

	got, ok := s.GetSnapshotByQuantum(1)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID, "latest snapshot at a position wins")

	got, ok = s.GetSnapshotByQuantum(2)
	require.True(t, ok)
	assert.Equal(t, third, got)

	_, ok = s.GetSnapshotByQuantum(3)
	assert.False(t, ok)

	all := s.Snapshots()
	require.Len(t, all, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestSnapshot_CopiesArtifactRefs(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.StartEpoch("e", nil)
	require.NoError(t, err)

	refs := []string{"a"}
	snap, err := s.CreateSnapshot("d", refs)
	require.NoError(t, err)
	refs[0] = "mutated"
	snap.ArtifactRefs[0] = "mutated too"

	stored, ok := s.Snapshot(snap.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, stored.ArtifactRefs)

	_, ok = s.Snapshot("missing")
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.StartEpoch("e", nil)
	require.NoError(t, err)
	_, err = s.RecordQuantum("a", "src", nil)
	require.NoError(t, err)
	_, err = s.CreateSnapshot("d", nil)
	require.NoError(t, err)

	s.Reset()

	assert.Empty(t, s.Epochs())
	assert.Empty(t, s.Timeline())
	assert.Empty(t, s.Snapshots())
	assert.Equal(t, uint64(0), s.Position())

	pos, err := s.AdvanceQuantum("tick", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)
}

func TestRevision_IncreasesOnMutation(t *testing.T) {
	s, _ := newTestStore(t)

	r0 := s.Revision()
	_, _ = s.RecordQuantum("a", "src", nil)
	r1 := s.Revision()
	assert.Greater(t, r1, r0)

	_ = s.Timeline()
	_ = s.SearchHistory(SearchQuery{})
	assert.Equal(t, r1, s.Revision(), "reads do not bump the revision")
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err := s.StartEpoch("e", nil)
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if i%2 == 0 {
					_, _ = s.RecordQuantum("w", fmt.Sprintf("writer-%d", w), i)
				} else {
					_, _ = s.AdvanceQuantum("tick", i)
				}
			}
		}(w)
	}
	wg.Wait()

	timeline := s.Timeline()
	require.Len(t, timeline, writers*perWriter)
	for i, q := range timeline {
		assert.Equal(t, uint64(i+1), q.Position)
	}
}

func TestStore_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, _ := newTestStore(t, WithMetrics(registry))

	_, err := s.StartEpoch("e", nil)
	require.NoError(t, err)
	_, _ = s.RecordQuantum("a", "src", nil)
	_, _ = s.AdvanceQuantum("tick", nil)
	_, err = s.CreateSnapshot("d", nil)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.quanta))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.snapshots))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.active))

	s.Reset()
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.active))
}

func TestErrors_Classification(t *testing.T) {
	assert.True(t, stderrors.Is(ErrNoActiveEpoch, errors.ErrSnapshotPrecondition))
	assert.True(t, stderrors.Is(ErrIncompatibleFormat, errors.ErrInvalidData))
}
