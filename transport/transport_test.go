package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/metric"
	"github.com/c360/citysync/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestReassembler(t *testing.T, opts ...Option) (*Reassembler, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	r, err := NewReassembler(context.Background(),
		append([]Option{WithLogger(quiet), WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clock
}

func TestChunker_SplitBytes(t *testing.T) {
	c := Chunker{Size: 4}

	tests := []struct {
		name   string
		data   string
		chunks []string
	}{
		{"empty", "", []string{""}},
		{"under size", "abc", []string{"abc"}},
		{"exact size", "abcd", []string{"abcd"}},
		{"one over", "abcde", []string{"abcd", "e"}},
		{"three chunks", "abcdefghij", []string{"abcd", "efgh", "ij"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := c.SplitBytes("p1", []byte(tt.data))
			require.Len(t, envs, len(tt.chunks))
			for i, env := range envs {
				assert.Equal(t, "p1", env.PayloadID)
				assert.Equal(t, i, env.ChunkIndex)
				assert.Equal(t, len(tt.chunks), env.ChunkTotal)
				assert.Equal(t, tt.chunks[i], string(env.Data))
				assert.NoError(t, env.Validate())
			}
		})
	}
}

func TestChunker_LargePayloadSplitsInTwo(t *testing.T) {
	payload := json.RawMessage(`"` + strings.Repeat("a", 5<<20) + `"`)

	envs, err := Chunker{Size: MaxChunkSize}.Split(payload)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Len(t, envs[0].Data, MaxChunkSize)
	assert.Len(t, envs[1].Data, len(payload)-MaxChunkSize)
	assert.Equal(t, envs[0].PayloadID, envs[1].PayloadID)
}

func TestNewChunker_RejectsBadSize(t *testing.T) {
	for _, size := range []int{0, -1, MaxChunkSize + 1} {
		_, err := NewChunker(size)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig, "size %d", size)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(json.RawMessage("{ \"a\" : 1 }"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	data, err = Encode(map[string]int{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	_, err = Encode([]byte("{not json"))
	assert.Error(t, err)

	_, err = Encode(make(chan int))
	assert.Error(t, err)
}

func TestEnvelope_BinaryRoundTrip(t *testing.T) {
	env := Envelope{PayloadID: "p", ChunkIndex: 1, ChunkTotal: 3, Data: []byte(`{"x":`)}

	data, err := env.MarshalBinary()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), len(env.Data)+EnvelopeOverhead)

	var decoded Envelope
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, env, decoded)

	assert.ErrorIs(t, decoded.UnmarshalBinary([]byte{0xc1}), ErrInvalidChunk)

	// The frame is a plain msgpack map, readable without this package.
	var fields map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &fields))
	assert.Equal(t, "p", fields["payload_id"])
	assert.EqualValues(t, 3, fields["chunk_total"])
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"empty id", Envelope{ChunkTotal: 1}},
		{"zero total", Envelope{PayloadID: "p"}},
		{"negative index", Envelope{PayloadID: "p", ChunkIndex: -1, ChunkTotal: 1}},
		{"index past total", Envelope{PayloadID: "p", ChunkIndex: 2, ChunkTotal: 2}},
		{"total above limit", Envelope{PayloadID: "p", ChunkTotal: MaxChunks + 1}},
		{"huge total", Envelope{PayloadID: "p", ChunkTotal: 1 << 40}},
		{"oversized data", Envelope{PayloadID: "p", ChunkTotal: 1, Data: make([]byte, MaxChunkSize+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			assert.ErrorIs(t, err, ErrInvalidChunk)
			assert.ErrorIs(t, err, errors.ErrInvalidData)
		})
	}
}

func TestNewSender_Validation(t *testing.T) {
	_, err := NewSender(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewSender(NewQueue(1), WithChunkSize(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	s, err := NewSender(NewQueue(1), WithLogger(quiet))
	require.NoError(t, err)
	assert.Equal(t, MaxChunkSize, s.ChunkSize())
	assert.LessOrEqual(t, s.ChunkSize()+EnvelopeOverhead, ChannelLimit)
}

func TestSender_DeliversInOrder(t *testing.T) {
	q := NewQueue(16)
	s, err := NewSender(q, WithChunkSize(8), WithLogger(quiet))
	require.NoError(t, err)

	id, err := s.Send(context.Background(), map[string]string{"name": "central-station"})
	require.NoError(t, err)
	q.Close()

	var envs []Envelope
	for {
		env, err := q.Next(context.Background())
		if stderrors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		envs = append(envs, env)
	}

	require.NotEmpty(t, envs)
	for i, env := range envs {
		assert.Equal(t, id, env.PayloadID)
		assert.Equal(t, i, env.ChunkIndex)
		assert.Equal(t, len(envs), env.ChunkTotal)
	}
}

func TestSender_DeliveryFailureStops(t *testing.T) {
	boom := stderrors.New("socket closed")
	calls := 0
	sink := SinkFunc(func(_ context.Context, env Envelope) error {
		calls++
		if env.ChunkIndex == 1 {
			return boom
		}
		return nil
	})

	s, err := NewSender(sink, WithChunkSize(2), WithLogger(quiet))
	require.NoError(t, err)

	id, err := s.Send(context.Background(), json.RawMessage(`"abcdefgh"`))
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, id)
	assert.Equal(t, 2, calls)
}

func TestSender_CanceledContext(t *testing.T) {
	s, err := NewSender(NewQueue(4), WithLogger(quiet))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Send(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReassembler_InAndOutOfOrder(t *testing.T) {
	r, _ := newTestReassembler(t)
	envs := Chunker{Size: 3}.SplitBytes("p1", []byte(`{"a":[1,2,3]}`))
	require.Greater(t, len(envs), 2)

	order := []int{len(envs) - 1}
	for i := 0; i < len(envs)-1; i++ {
		order = append(order, i)
	}

	var got *Payload
	for n, i := range order {
		p, err := r.Receive(envs[i])
		require.NoError(t, err)
		if n < len(order)-1 {
			assert.Nil(t, p)
			assert.Equal(t, 1, r.Pending())
		} else {
			got = p
		}
	}

	require.NotNil(t, got)
	assert.Equal(t, "p1", got.ID)
	assert.JSONEq(t, `{"a":[1,2,3]}`, string(got.Data))
	assert.Equal(t, 0, r.Pending())

	var decoded map[string][]int
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, []int{1, 2, 3}, decoded["a"])
}

func TestReassembler_SingleChunk(t *testing.T) {
	r, _ := newTestReassembler(t)

	p, err := r.Receive(Envelope{PayloadID: "solo", ChunkTotal: 1, Data: []byte(`true`)})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "true", string(p.Data))
	assert.Equal(t, 0, r.Pending())
}

func TestReassembler_RejectsBadChunks(t *testing.T) {
	r, _ := newTestReassembler(t)

	_, err := r.Receive(Envelope{PayloadID: "p", ChunkIndex: 0, ChunkTotal: 3, Data: []byte("a")})
	require.NoError(t, err)

	_, err = r.Receive(Envelope{PayloadID: "p", ChunkIndex: 0, ChunkTotal: 3, Data: []byte("a")})
	assert.ErrorIs(t, err, ErrDuplicateChunk)

	_, err = r.Receive(Envelope{PayloadID: "p", ChunkIndex: 1, ChunkTotal: 4, Data: []byte("b")})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, err = r.Receive(Envelope{PayloadID: "p", ChunkIndex: 5, ChunkTotal: 3})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, err = r.Receive(Envelope{PayloadID: "p", ChunkTotal: 1})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	// Rejected chunks leave the buffer intact.
	_, err = r.Receive(Envelope{PayloadID: "p", ChunkIndex: 1, ChunkTotal: 3, Data: []byte("b")})
	require.NoError(t, err)
	p, err := r.Receive(Envelope{PayloadID: "p", ChunkIndex: 2, ChunkTotal: 3, Data: []byte("c")})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "abc", string(p.Data))
}

func TestReassembler_RejectsHugeChunkTotal(t *testing.T) {
	r, _ := newTestReassembler(t)

	_, err := r.Receive(Envelope{PayloadID: "x", ChunkIndex: 0, ChunkTotal: 1 << 40, Data: []byte("{")})
	assert.ErrorIs(t, err, ErrInvalidChunk)
	assert.Equal(t, 0, r.Pending())

	// A legal but large total allocates nothing up front.
	_, err = r.Receive(Envelope{PayloadID: "y", ChunkIndex: MaxChunks - 1, ChunkTotal: MaxChunks, Data: []byte("}")})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())
}

func TestReassembler_MaxPayloadSize(t *testing.T) {
	dropped := make(chan *IncompleteError, 1)
	r, clock := newTestReassembler(t,
		WithMaxPayloadSize(4),
		WithDeadline(time.Second),
		WithIncompleteHandler(func(e *IncompleteError) { dropped <- e }))

	_, err := r.Receive(Envelope{PayloadID: "big", ChunkIndex: 0, ChunkTotal: 3, Data: []byte("abc")})
	require.NoError(t, err)
	_, err = r.Receive(Envelope{PayloadID: "big", ChunkIndex: 1, ChunkTotal: 3, Data: []byte("de")})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)
	assert.Equal(t, 0, r.Pending(), "oversized transfer is dropped at once")

	_, err = r.Receive(Envelope{PayloadID: "solo", ChunkTotal: 1, Data: []byte("12345")})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	clock.Advance(2 * time.Second)
	r.Sweep()
	select {
	case e := <-dropped:
		t.Fatalf("oversized transfer reported as incomplete: %v", e)
	default:
	}

	_, err = NewReassembler(context.Background(), WithMaxPayloadSize(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestReassembler_LateChunkOfCompletedPayload(t *testing.T) {
	dropped := make(chan *IncompleteError, 1)
	r, clock := newTestReassembler(t,
		WithDeadline(time.Second),
		WithIncompleteHandler(func(e *IncompleteError) { dropped <- e }))

	envs := Chunker{Size: 2}.SplitBytes("done", []byte(`"abcd"`))
	var got *Payload
	for _, env := range envs {
		p, err := r.Receive(env)
		require.NoError(t, err)
		got = p
	}
	require.NotNil(t, got)

	_, err := r.Receive(envs[1])
	assert.ErrorIs(t, err, ErrDuplicateChunk)
	assert.Equal(t, 0, r.Pending())

	p, err := r.Receive(Envelope{PayloadID: "once", ChunkTotal: 1, Data: []byte(`1`)})
	require.NoError(t, err)
	require.NotNil(t, p)
	_, err = r.Receive(Envelope{PayloadID: "once", ChunkTotal: 1, Data: []byte(`1`)})
	assert.ErrorIs(t, err, ErrDuplicateChunk)

	clock.Advance(2 * time.Second)
	r.Sweep()
	select {
	case e := <-dropped:
		t.Fatalf("completed payload reported as incomplete: %v", e)
	default:
	}
}

func TestSender_RejectsOversizedPayload(t *testing.T) {
	q := NewQueue(4)
	s, err := NewSender(q, WithMaxPayloadSize(8), WithLogger(quiet))
	require.NoError(t, err)

	_, err = s.Send(context.Background(), json.RawMessage(`"0123456789"`))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, q.Len(), "nothing delivered")

	tiny, err := NewSender(q, WithChunkSize(1), WithLogger(quiet))
	require.NoError(t, err)
	_, err = tiny.Send(context.Background(), json.RawMessage(`"`+strings.Repeat("a", MaxChunks)+`"`))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = NewSender(q, WithMaxPayloadSize(-1))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestReassembler_DeadlineReportsIncomplete(t *testing.T) {
	dropped := make(chan *IncompleteError, 1)
	r, clock := newTestReassembler(t,
		WithDeadline(time.Second),
		WithIncompleteHandler(func(e *IncompleteError) { dropped <- e }))

	_, err := r.Receive(Envelope{PayloadID: "late", ChunkIndex: 0, ChunkTotal: 2, Data: []byte("a")})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	r.Sweep()

	select {
	case e := <-dropped:
		assert.Equal(t, "late", e.PayloadID)
		assert.Equal(t, 1, e.Received)
		assert.Equal(t, 2, e.Total)
		assert.ErrorIs(t, e, errors.ErrTransportIncomplete)
	case <-time.After(time.Second):
		t.Fatal("expected incomplete transfer to be reported")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestReassembler_DeadlineCountsFromFirstChunk(t *testing.T) {
	dropped := make(chan *IncompleteError, 1)
	r, clock := newTestReassembler(t,
		WithDeadline(time.Second),
		WithIncompleteHandler(func(e *IncompleteError) { dropped <- e }))

	_, err := r.Receive(Envelope{PayloadID: "p", ChunkIndex: 0, ChunkTotal: 3, Data: []byte("a")})
	require.NoError(t, err)
	clock.Advance(700 * time.Millisecond)
	_, err = r.Receive(Envelope{PayloadID: "p", ChunkIndex: 1, ChunkTotal: 3, Data: []byte("b")})
	require.NoError(t, err)
	clock.Advance(400 * time.Millisecond)
	r.Sweep()

	select {
	case e := <-dropped:
		assert.Equal(t, 2, e.Received)
	case <-time.After(time.Second):
		t.Fatal("expected deadline from the first chunk")
	}
}

func TestReassembler_Close(t *testing.T) {
	r, _ := newTestReassembler(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Receive(Envelope{PayloadID: "p", ChunkTotal: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestNewReassembler_RejectsDeadline(t *testing.T) {
	_, err := NewReassembler(context.Background(), WithDeadline(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPump_SenderToReassembler(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(64)
	s, err := NewSender(q, WithChunkSize(5), WithLogger(quiet))
	require.NoError(t, err)
	r, _ := newTestReassembler(t)

	for _, name := range []string{"alpha", "bravo-charlie-delta"} {
		_, err := s.Send(ctx, map[string]string{"name": name})
		require.NoError(t, err)
	}
	require.NoError(t, q.Deliver(ctx, Envelope{}))
	q.Close()

	var names []string
	require.NoError(t, Pump(ctx, q, r, func(p *Payload) {
		var v map[string]string
		require.NoError(t, p.Decode(&v))
		names = append(names, v["name"])
	}))
	assert.Equal(t, []string{"alpha", "bravo-charlie-delta"}, names)
}

func TestPump_ContextCanceled(t *testing.T) {
	r, _ := newTestReassembler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Pump(ctx, NewQueue(1), r, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ClosedRejectsDeliver(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Deliver(context.Background(), Envelope{}), ErrClosed)

	_, err := q.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNATSSink_PublishesMsgpack(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewMockNATSClient()
	sink := NewNATSSink(client, "citysync.scene")
	assert.Equal(t, "citysync.scene", sink.Subject())

	s, err := NewSender(sink, WithChunkSize(4), WithLogger(quiet))
	require.NoError(t, err)
	_, err = s.Send(ctx, json.RawMessage(`{"k":"value"}`))
	require.NoError(t, err)

	r, _ := newTestReassembler(t)
	var got *Payload
	for _, msg := range client.GetMessages("citysync.scene") {
		var env Envelope
		require.NoError(t, env.UnmarshalBinary(msg))
		p, err := r.Receive(env)
		require.NoError(t, err)
		if p != nil {
			got = p
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, `{"k":"value"}`, string(got.Data))
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := NewMetrics(registry, quiet)
	q := NewQueue(8)

	s, err := NewSender(q, WithChunkSize(2), WithMetrics(m), WithLogger(quiet))
	require.NoError(t, err)
	_, err = s.Send(context.Background(), json.RawMessage(`"abcd"`))
	require.NoError(t, err)
	assert.Equal(t, 3.0, promtestutil.ToFloat64(m.chunks.WithLabelValues("sent")))

	r, clock := newTestReassembler(t, WithMetrics(m), WithDeadline(time.Second))
	_, err = r.Receive(Envelope{PayloadID: "p", ChunkTotal: 2, Data: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.pending))

	clock.Advance(2 * time.Second)
	r.Sweep()
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.incomplete))
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.chunks.WithLabelValues("received")))

	assert.Nil(t, NewMetrics(nil, quiet))
}
