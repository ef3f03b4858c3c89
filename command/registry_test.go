package command

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/citysync/errors"
)

type echoArgs struct {
	Value string `json:"value"`
}

func echo(_ context.Context, args echoArgs) (string, error) {
	return args.Value, nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", Typed(echo)))

	result, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{"value":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", result)
	assert.True(t, reg.Has("echo"))
}

func TestRegistry_DuplicateIntent(t *testing.T) {
	reg := NewRegistry()
	first := func(context.Context, json.RawMessage) (any, error) { return "first", nil }
	second := func(context.Context, json.RawMessage) (any, error) { return "second", nil }

	require.NoError(t, reg.Register("op", first))
	err := reg.Register("op", second)
	assert.ErrorIs(t, err, ErrDuplicateIntent)

	result, err := reg.Execute(context.Background(), "op", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", result)

	assert.Panics(t, func() { reg.MustRegister("op", second) })
}

func TestRegistry_RejectsBadRegistration(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register("  ", Typed(echo)), errors.ErrInvalidConfig)
	assert.ErrorIs(t, reg.Register("nil", nil), errors.ErrInvalidConfig)
	assert.Empty(t, reg.Intents())
}

func TestRegistry_UnknownIntent(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "missing", nil)

	var unknown *UnknownIntentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Intent)
	assert.ErrorIs(t, err, errors.ErrUnknownIntent)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_HandlerErrorPassesThrough(t *testing.T) {
	reg := NewRegistry()
	boom := stderrors.New("boom")
	reg.MustRegister("fail", func(context.Context, json.RawMessage) (any, error) { return nil, boom })

	_, err := reg.Execute(context.Background(), "fail", nil)
	assert.Same(t, boom, err)
}

func TestRegistry_IntentsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.MustRegister(name, Typed(echo))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Intents())
}

func TestTyped_StrictDecoding(t *testing.T) {
	h := Typed(echo)
	ctx := context.Background()

	tests := []struct {
		name    string
		args    string
		want    string
		wantErr bool
	}{
		{"valid", `{"value":"x"}`, "x", false},
		{"empty", ``, "", false},
		{"null", `null`, "", false},
		{"unknown field", `{"value":"x","extra":1}`, "", true},
		{"wrong type", `{"value":3}`, "", true},
		{"trailing data", `{"value":"x"} {}`, "", true},
		{"not json", `{value`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h(ctx, json.RawMessage(tt.args))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArguments)
				assert.ErrorIs(t, err, errors.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestRegistry_ConcurrentExecute(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("echo", Typed(echo))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{"value":"v"}`))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
