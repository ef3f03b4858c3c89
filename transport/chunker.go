package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/citysync/errors"
)

// Chunker splits encoded payloads into envelopes of at most Size data bytes.
type Chunker struct {
	Size int
}

// NewChunker returns a Chunker, rejecting sizes outside (0, MaxChunkSize].
func NewChunker(size int) (Chunker, error) {
	if size <= 0 || size > MaxChunkSize {
		return Chunker{}, errors.WrapInvalid(
			fmt.Errorf("%w: chunk size %d outside (0,%d]", errors.ErrInvalidConfig, size, MaxChunkSize),
			"Chunker", "NewChunker", "validate size")
	}
	return Chunker{Size: size}, nil
}

// Encode serializes payload as compact JSON. A json.RawMessage or []byte is
// taken as already encoded and only compacted.
func Encode(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Chunker", "Encode", "marshal payload")
		}
		return data, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errors.WrapInvalid(err, "Chunker", "Encode", "compact payload")
	}
	return buf.Bytes(), nil
}

// Split encodes payload and splits it under a fresh payload id.
func (c Chunker) Split(payload any) ([]Envelope, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	return c.SplitBytes(uuid.NewString(), data), nil
}

// SplitBytes splits data into ceil(len/Size) envelopes, or one empty envelope
// for empty data. Envelopes share data's backing array.
func (c Chunker) SplitBytes(id string, data []byte) []Envelope {
	size := c.Size
	if size <= 0 || size > MaxChunkSize {
		size = MaxChunkSize
	}

	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}

	envelopes := make([]Envelope, total)
	for i := range envelopes {
		start := i * size
		end := min(start+size, len(data))
		envelopes[i] = Envelope{
			PayloadID:  id,
			ChunkIndex: i,
			ChunkTotal: total,
			Data:       data[start:end:end],
		}
	}
	return envelopes
}
