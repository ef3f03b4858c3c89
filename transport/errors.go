package transport

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/citysync/errors"
)

var (
	// ErrInvalidChunk reports an envelope that cannot belong to any transfer.
	ErrInvalidChunk = fmt.Errorf("transport: invalid chunk: %w", errors.ErrInvalidData)

	// ErrDuplicateChunk reports a chunk index that was already received.
	ErrDuplicateChunk = stderrors.New("transport: duplicate chunk")

	// ErrPayloadTooLarge reports a transfer above the configured payload size.
	ErrPayloadTooLarge = fmt.Errorf("transport: payload too large: %w", errors.ErrResourceExhausted)

	// ErrClosed is returned by a closed Queue or Reassembler.
	ErrClosed = fmt.Errorf("transport: closed: %w", errors.ErrShuttingDown)
)

// IncompleteError reports a transfer dropped because its deadline passed
// before every chunk arrived. It matches errors.ErrTransportIncomplete.
type IncompleteError struct {
	PayloadID string
	Received  int
	Total     int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("transport: payload %s incomplete: received %d of %d chunks", e.PayloadID, e.Received, e.Total)
}

func (e *IncompleteError) Unwrap() error {
	return errors.ErrTransportIncomplete
}
