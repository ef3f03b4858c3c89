package transport

import (
	"context"
	"io"
	"sync"
)

// Sink accepts envelopes in the order a Sender produces them.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Source yields envelopes. Next returns io.EOF once the source is drained and
// closed.
type Source interface {
	Next(ctx context.Context) (Envelope, error)
}

// Queue is an in-process channel that is both a Sink and a Source.
type Queue struct {
	ch        chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue buffering up to capacity envelopes.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan Envelope, capacity),
		done: make(chan struct{}),
	}
}

// Deliver blocks until the envelope is queued, ctx is done or the queue closes.
func (q *Queue) Deliver(ctx context.Context, env Envelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next queued envelope. After Close it drains what is left
// and then returns io.EOF.
func (q *Queue) Next(ctx context.Context) (Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	default:
	}

	select {
	case env := <-q.ch:
		return env, nil
	case <-q.done:
		select {
		case env := <-q.ch:
			return env, nil
		default:
			return Envelope{}, io.EOF
		}
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting envelopes. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Publisher is the part of natsclient.Client a NATSSink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes each envelope as one msgpack message on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink returns a sink publishing on subject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, s.subject, data)
}

// Subject returns the publish subject.
func (s *NATSSink) Subject() string {
	return s.subject
}
