package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/citysync/errors"
)

// Sender splits payloads and delivers the chunks to a sink in index order.
type Sender struct {
	sink       Sink
	chunker    Chunker
	maxPayload int
	logger  *slog.Logger
	metrics    *Metrics
}

// NewSender returns a sender for sink. The chunk size plus envelope framing
// must fit within ChannelLimit.
func NewSender(sink Sink, opts ...Option) (*Sender, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sender", "NewSender", "sink is required")
	}
	s := applyOptions(opts)

	chunker, err := NewChunker(s.chunkSize)
	if err != nil {
		return nil, err
	}
	if chunker.Size+EnvelopeOverhead > ChannelLimit {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: chunk size %d plus framing exceeds channel limit %d", errors.ErrInvalidConfig, chunker.Size, ChannelLimit),
			"Sender", "NewSender", "validate chunk size")
	}

	if s.maxPayload <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: max payload size %d must be positive", errors.ErrInvalidConfig, s.maxPayload),
			"Sender", "NewSender", "validate max payload size")
	}

	return &Sender{
		sink:       sink,
		chunker:    chunker,
		maxPayload: s.maxPayload,
		logger:     s.logger,
		metrics:    s.metrics,
	}, nil
}

// ChunkSize returns the configured chunk size.
func (s *Sender) ChunkSize() int {
	return s.chunker.Size
}

// Send encodes payload, splits it and delivers every chunk. It returns the
// payload id. A delivery failure stops the send; the receiver will drop the
// partial transfer at its deadline. Payloads above the max payload size or
// needing more than MaxChunks chunks fail with ErrPayloadTooLarge.
func (s *Sender) Send(ctx context.Context, payload any) (string, error) {
	data, err := Encode(payload)
	if err != nil {
		return "", err
	}
	if len(data) > s.maxPayload {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes exceed %d", ErrPayloadTooLarge, len(data), s.maxPayload),
			"Sender", "Send", "check payload size")
	}
	id := uuid.NewString()
	envelopes := s.chunker.SplitBytes(id, data)
	if len(envelopes) > MaxChunks {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %d chunks exceed %d", ErrPayloadTooLarge, len(envelopes), MaxChunks),
			"Sender", "Send", "check chunk count")
	}

	for i, env := range envelopes {
		if err := ctx.Err(); err != nil {
			return id, err
		}
		if err := s.sink.Deliver(ctx, env); err != nil {
			s.metrics.sent(i)
			s.logger.Warn("Chunk delivery failed",
				"payload_id", id, "chunk", i, "total", len(envelopes), "error", err)
			return id, errors.Wrap(err, "Sender", "Send", fmt.Sprintf("deliver chunk %d/%d", i+1, len(envelopes)))
		}
	}
	s.metrics.sent(len(envelopes))

	if len(envelopes) > 1 {
		s.logger.Debug("Payload sent in chunks", "payload_id", id, "chunks", len(envelopes))
	}
	return id, nil
}
