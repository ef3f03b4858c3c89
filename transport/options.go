package transport

import (
	"log/slog"
	"time"
)

// DefaultDeadline is how long a Reassembler keeps an incomplete transfer,
// counted from its first chunk.
const DefaultDeadline = 30 * time.Second

// DefaultMaxPayloadSize bounds the encoded size of one transfer.
const DefaultMaxPayloadSize = 64 << 20

// completedTTL is how long a Reassembler remembers finished payload ids.
const completedTTL = time.Minute

type settings struct {
	chunkSize    int
	maxPayload   int
	deadline     time.Duration
	onIncomplete func(*IncompleteError)
	logger       *slog.Logger
	metrics      *Metrics
	clock        func() time.Time
}

func defaultSettings() settings {
	return settings{
		chunkSize:  MaxChunkSize,
		maxPayload: DefaultMaxPayloadSize,
		deadline:   DefaultDeadline,
		logger:     slog.Default(),
		clock:      time.Now,
	}
}

// Option configures a Sender or a Reassembler. Options that do not apply to
// the constructor they are passed to are ignored.
type Option func(*settings)

// WithChunkSize sets the Sender's chunk size.
func WithChunkSize(n int) Option {
	return func(s *settings) {
		s.chunkSize = n
	}
}

// WithMaxPayloadSize bounds the encoded payload a Sender sends and a
// Reassembler buffers.
func WithMaxPayloadSize(n int) Option {
	return func(s *settings) {
		s.maxPayload = n
	}
}

// WithDeadline sets how long the Reassembler waits for a transfer to complete.
func WithDeadline(d time.Duration) Option {
	return func(s *settings) {
		s.deadline = d
	}
}

// WithIncompleteHandler is called for each transfer dropped at its deadline.
// It runs on the sweep goroutine and must not block.
func WithIncompleteHandler(fn func(*IncompleteError)) Option {
	return func(s *settings) {
		s.onIncomplete = fn
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records chunk traffic on m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithClock replaces time.Now for deadline tracking.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.clock = now
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With("component", "transport")
	return s
}
