package temporal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/citysync/pkg/timestamp"
)

// AdvanceSource is the source id stamped on quanta appended by AdvanceQuantum.
const AdvanceSource = "advance"

// RecordOption adjusts a single RecordQuantum call.
type RecordOption func(*recordOptions)

type recordOptions struct {
	at time.Time
}

// WithTimestamp records the quantum at t instead of the store clock.
func WithTimestamp(t time.Time) RecordOption {
	return func(o *recordOptions) {
		o.at = t
	}
}

// RecordQuantum appends a quantum tagged with the active epoch, if any, and
// returns its id. It fails only when payload cannot be encoded as JSON.
func (s *Store) RecordQuantum(qtype, sourceID string, payload any, opts ...RecordOption) (string, error) {
	var o recordOptions
	for _, opt := range opts {
		opt(&o)
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	if !o.at.IsZero() {
		at = timestamp.Normalize(o.at)
	}

	q := s.appendLocked(qtype, sourceID, encoded, at)
	return q.ID, nil
}

// AdvanceQuantum appends a quantum of type trigger and returns its position.
// Positions are strictly increasing across RecordQuantum and AdvanceQuantum.
func (s *Store) AdvanceQuantum(trigger string, payload any) (uint64, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.appendLocked(trigger, AdvanceSource, encoded, s.now())
	return q.Position, nil
}

func (s *Store) appendLocked(qtype, sourceID string, payload json.RawMessage, at time.Time) Quantum {
	s.position++
	q := Quantum{
		ID:        fmt.Sprintf("q-%d-%d", at.UnixNano(), s.position),
		Position:  s.position,
		Timestamp: at,
		Type:      qtype,
		SourceID:  sourceID,
		Payload:   payload,
		EpochID:   s.activeID,
	}
	s.timeline = append(s.timeline, q)
	s.touch()
	s.metrics.quantum()
	return q
}

// Timeline returns a copy of all quanta in append order.
func (s *Store) Timeline() []Quantum {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quantum, len(s.timeline))
	copy(out, s.timeline)
	return out
}

// Len returns the number of quanta.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timeline)
}

// Position returns the position of the most recent quantum, or 0.
func (s *Store) Position() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return compactJSON(raw)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("temporal: payload is not JSON serializable: %w", err)
	}
	return data, nil
}

func compactJSON(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("temporal: payload is not valid JSON: %w", err)
	}
	return buf.Bytes(), nil
}
