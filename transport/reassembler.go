package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/citysync/errors"
	"github.com/c360/citysync/pkg/cache"
)

// Payload is a reassembled transfer.
type Payload struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the payload JSON into v.
func (p *Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Data, v); err != nil {
		return errors.WrapInvalid(err, "Payload", "Decode", "unmarshal payload "+p.ID)
	}
	return nil
}

type buffer struct {
	id       string
	total    int
	chunks   map[int][]byte
	size     int
	received atomic.Int32
}

// Reassembler collects envelopes into payloads. Each payload id gets a buffer
// on its first chunk; the buffer is dropped when the last chunk arrives or when
// the deadline passes, whichever is first. Completed ids are remembered for a
// while so late copies of their chunks are rejected instead of opening a new
// buffer.
type Reassembler struct {
	mu         sync.Mutex
	pending    *cache.TTL[*buffer]
	completed  *cache.TTL[struct{}]
	maxPayload int

	onIncomplete func(*IncompleteError)
	logger       *slog.Logger
	metrics      *Metrics
	closed       atomic.Bool
}

// NewReassembler starts a reassembler whose deadline sweep stops with ctx or
// Close.
func NewReassembler(ctx context.Context, opts ...Option) (*Reassembler, error) {
	s := applyOptions(opts)
	if s.deadline <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: deadline %v must be positive", errors.ErrInvalidConfig, s.deadline),
			"Reassembler", "NewReassembler", "validate deadline")
	}
	if s.maxPayload <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: max payload size %d must be positive", errors.ErrInvalidConfig, s.maxPayload),
			"Reassembler", "NewReassembler", "validate max payload size")
	}

	r := &Reassembler{
		maxPayload:   s.maxPayload,
		onIncomplete: s.onIncomplete,
		logger:       s.logger,
		metrics:      s.metrics,
	}

	sweep := max(s.deadline/10, 10*time.Millisecond)
	pending, err := cache.NewTTL[*buffer](ctx, s.deadline, sweep,
		cache.WithClock[*buffer](s.clock),
		cache.WithEvictionCallback[*buffer](r.expired))
	if err != nil {
		return nil, err
	}
	completed, err := cache.NewTTL[struct{}](ctx, max(s.deadline, completedTTL), sweep,
		cache.WithClock[struct{}](s.clock))
	if err != nil {
		_ = pending.Close()
		return nil, err
	}
	r.pending = pending
	r.completed = completed
	return r, nil
}

func (r *Reassembler) expired(id string, buf *buffer) {
	incomplete := &IncompleteError{
		PayloadID: id,
		Received:  int(buf.received.Load()),
		Total:     buf.total,
	}
	r.metrics.dropped()
	r.metrics.setPending(r.pending.Size())
	r.logger.Warn("Dropping incomplete transfer",
		"payload_id", id, "received", incomplete.Received, "total", incomplete.Total)
	if r.onIncomplete != nil {
		r.onIncomplete(incomplete)
	}
}

// Receive adds env to its transfer. It returns the payload once the final
// chunk arrives and nil before that. A chunk that disagrees with its transfer's
// header fails with ErrInvalidChunk and a repeated index, or any chunk of an
// already completed payload, with ErrDuplicateChunk; neither disturbs the
// buffered chunks. A transfer whose chunks exceed the max payload size is
// dropped with ErrPayloadTooLarge.
func (r *Reassembler) Receive(env Envelope) (*Payload, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	r.metrics.received()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.completed.Get(env.PayloadID); done {
		return nil, fmt.Errorf("%w: payload %s already complete", ErrDuplicateChunk, env.PayloadID)
	}

	buf, ok := r.pending.Get(env.PayloadID)
	if !ok {
		if env.ChunkTotal == 1 {
			if len(env.Data) > r.maxPayload {
				return nil, r.tooLarge(env.PayloadID, len(env.Data))
			}
			r.markCompleted(env.PayloadID)
			return &Payload{ID: env.PayloadID, Data: append(json.RawMessage(nil), env.Data...)}, nil
		}
		buf = &buffer{id: env.PayloadID, total: env.ChunkTotal, chunks: make(map[int][]byte)}
		if _, err := r.pending.Set(env.PayloadID, buf); err != nil {
			return nil, err
		}
		r.metrics.setPending(r.pending.Size())
	}

	if env.ChunkTotal != buf.total {
		return nil, fmt.Errorf("%w: payload %s chunk_total %d, buffer expects %d",
			ErrInvalidChunk, env.PayloadID, env.ChunkTotal, buf.total)
	}
	if _, dup := buf.chunks[env.ChunkIndex]; dup {
		return nil, fmt.Errorf("%w: payload %s index %d", ErrDuplicateChunk, env.PayloadID, env.ChunkIndex)
	}
	if buf.size+len(env.Data) > r.maxPayload {
		r.pending.Take(env.PayloadID)
		r.metrics.dropped()
		r.metrics.setPending(r.pending.Size())
		return nil, r.tooLarge(env.PayloadID, buf.size+len(env.Data))
	}

	buf.chunks[env.ChunkIndex] = append(make([]byte, 0, len(env.Data)), env.Data...)
	buf.size += len(env.Data)
	if int(buf.received.Add(1)) < buf.total {
		return nil, nil
	}

	if _, ok := r.pending.Take(env.PayloadID); !ok {
		// Deadline passed between Get and Take; the eviction already reported it.
		return nil, nil
	}
	r.markCompleted(env.PayloadID)
	r.metrics.setPending(r.pending.Size())
	return &Payload{ID: buf.id, Data: buf.join()}, nil
}

func (r *Reassembler) markCompleted(id string) {
	_, _ = r.completed.Set(id, struct{}{})
}

func (r *Reassembler) tooLarge(id string, size int) error {
	r.logger.Warn("Dropping oversized transfer", "payload_id", id, "bytes", size, "limit", r.maxPayload)
	return fmt.Errorf("%w: payload %s reached %d bytes, limit %d", ErrPayloadTooLarge, id, size, r.maxPayload)
}

func (b *buffer) join() json.RawMessage {
	out := make([]byte, 0, b.size)
	for i := range b.total {
		out = append(out, b.chunks[i]...)
	}
	return out
}

// Pending returns the number of incomplete transfers.
func (r *Reassembler) Pending() int {
	return r.pending.Size()
}

// Sweep drops every transfer past its deadline now.
func (r *Reassembler) Sweep() {
	r.pending.Sweep()
}

// Close stops the sweep and discards incomplete transfers without reporting
// them.
func (r *Reassembler) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.metrics.setPending(0)
	return stderrors.Join(r.pending.Close(), r.completed.Close())
}

// Pump feeds envelopes from src into r and calls fn for each completed
// payload. Bad chunks are logged and skipped. Pump returns nil when src is
// exhausted and the source or context error otherwise.
func Pump(ctx context.Context, src Source, r *Reassembler, fn func(*Payload)) error {
	for {
		env, err := src.Next(ctx)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		payload, err := r.Receive(env)
		if err != nil {
			if stderrors.Is(err, ErrClosed) {
				return err
			}
			r.logger.Warn("Discarding chunk", "payload_id", env.PayloadID, "chunk", env.ChunkIndex, "error", err)
			continue
		}
		if payload != nil && fn != nil {
			fn(payload)
		}
	}
}
