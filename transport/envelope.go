// Package transport moves JSON payloads larger than a channel's message limit
// by splitting them into ordered, individually framed chunks and reassembling
// them on the far side.
//
// A Sender splits a payload into Envelopes and hands them to a Sink in index
// order. A Reassembler buffers envelopes per payload id until all chunks have
// arrived, then returns the original JSON. Buffers that stay incomplete past
// their deadline are dropped and reported as *IncompleteError.
package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/citysync/errors"
)

const (
	// MaxChunkSize is the largest Data slice a single envelope carries.
	MaxChunkSize = 4 << 20

	// ChannelLimit is the largest message the transport channel accepts.
	ChannelLimit = 5 << 20

	// MaxChunks is the largest chunk_total an envelope may declare.
	MaxChunks = 1 << 16

	// EnvelopeOverhead bounds the msgpack framing around Data, including a
	// 36 byte uuid payload id and both indexes.
	EnvelopeOverhead = 128
)

// Envelope is one chunk of a payload and the unit sent on the channel.
type Envelope struct {
	PayloadID  string `json:"payload_id" msgpack:"payload_id"`
	ChunkIndex int    `json:"chunk_index" msgpack:"chunk_index"`
	ChunkTotal int    `json:"chunk_total" msgpack:"chunk_total"`
	Data       []byte `json:"data" msgpack:"data"`
}

// wireEnvelope has Envelope's fields and none of its methods, so msgpack encodes
// it field by field instead of calling MarshalBinary again.
type wireEnvelope Envelope

// MarshalBinary encodes the envelope as a single msgpack message.
func (e Envelope) MarshalBinary() ([]byte, error) {
	data, err := msgpack.Marshal((*wireEnvelope)(&e))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalBinary", "encode envelope")
	}
	return data, nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	var decoded wireEnvelope
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", ErrInvalidChunk, err), "Envelope", "UnmarshalBinary", "decode envelope")
	}
	*e = Envelope(decoded)
	return nil
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	switch {
	case e.PayloadID == "":
		return fmt.Errorf("%w: empty payload id", ErrInvalidChunk)
	case e.ChunkTotal < 1 || e.ChunkTotal > MaxChunks:
		return fmt.Errorf("%w: chunk_total %d outside [1,%d]", ErrInvalidChunk, e.ChunkTotal, MaxChunks)
	case e.ChunkIndex < 0 || e.ChunkIndex >= e.ChunkTotal:
		return fmt.Errorf("%w: chunk_index %d outside [0,%d)", ErrInvalidChunk, e.ChunkIndex, e.ChunkTotal)
	case len(e.Data) > MaxChunkSize:
		return fmt.Errorf("%w: %d data bytes exceed %d", ErrInvalidChunk, len(e.Data), MaxChunkSize)
	}
	return nil
}
