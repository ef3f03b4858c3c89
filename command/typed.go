package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/c360/citysync/pkg/timestamp"
)

// Typed adapts fn to a Handler. Arguments are decoded into P with unknown
// fields rejected. Empty or null arguments leave P at its zero value.
func Typed[P, R any](fn func(context.Context, P) (R, error)) Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params P
		if err := decodeArgs(args, &params); err != nil {
			return nil, invalidArguments("Typed", "decode", err)
		}
		return fn(ctx, params)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after arguments")
	}
	return nil
}

// Instant is an argument timestamp. It accepts float seconds, integer
// milliseconds and RFC3339 strings.
type Instant struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Instant) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		i.Time = time.Time{}
		return nil
	}
	t, ok := timestamp.Parse(raw)
	if !ok {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	i.Time = t
	return nil
}

// MarshalJSON writes float seconds, matching the wire contract.
func (i Instant) MarshalJSON() ([]byte, error) {
	return json.Marshal(timestamp.Seconds(i.Time))
}
