package contract

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/citysync/errors"
)

const (
	nodeClickedJSON    = `{"type":"node_clicked","version":"1.0.0","timestamp":1700000000.5,"node_id":"n-1","button":0}`
	cameraMovedJSON    = `{"type":"camera_moved","version":"1.0.0","timestamp":1700000001,"position":{"x":1,"y":2,"z":3},"rotation":{"x":0,"y":0.5,"z":0}}`
	connectRequestJSON = `{"type":"connect_request","version":"1.0.0","timestamp":1700000002,"source_id":"a","target_id":"b"}`
)

func TestValidateInbound_Variants(t *testing.T) {
	v := MustNewValidator()

	tests := []struct {
		name     string
		raw      string
		expected InboundEvent
	}{
		{
			name: "node clicked",
			raw:  nodeClickedJSON,
			expected: NodeClicked{
				Header: Header{Kind: EventNodeClicked, Version: Version, Timestamp: 1700000000.5},
				NodeID: "n-1",
				Button: 0,
			},
		},
		{
			name: "camera moved",
			raw:  cameraMovedJSON,
			expected: CameraMoved{
				Header:   Header{Kind: EventCameraMoved, Version: Version, Timestamp: 1700000001},
				Position: Vector3{X: 1, Y: 2, Z: 3},
				Rotation: Vector3{Y: 0.5},
			},
		},
		{
			name: "connect request",
			raw:  connectRequestJSON,
			expected: ConnectRequest{
				Header:   Header{Kind: EventConnectRequest, Version: Version, Timestamp: 1700000002},
				SourceID: "a",
				TargetID: "b",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := v.ValidateInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, event)
			assert.Equal(t, tt.expected.Type(), event.Meta().Kind)
		})
	}
}

func TestValidateInbound_Rejections(t *testing.T) {
	v := MustNewValidator()

	tests := []struct {
		name  string
		raw   string
		stage string
	}{
		{"malformed json", `{"type":`, StageParse},
		{"not an object", `[1,2,3]`, StageParse},
		{"trailing data", nodeClickedJSON + `{}`, StageParse},
		{"missing type", `{"version":"1.0.0","timestamp":1}`, StageSchema},
		{"unknown type", `{"type":"node_hovered","version":"1.0.0","timestamp":1,"node_id":"x"}`, StageSchema},
		{"missing field", `{"type":"node_clicked","version":"1.0.0","timestamp":1,"node_id":"x"}`, StageSchema},
		{"extra field", `{"type":"node_clicked","version":"1.0.0","timestamp":1,"node_id":"x","button":0,"extra":true}`, StageSchema},
		{"wrong field type", `{"type":"node_clicked","version":"1.0.0","timestamp":1,"node_id":"x","button":"left"}`, StageSchema},
		{"extra vector field", `{"type":"camera_moved","version":"1.0.0","timestamp":1,"position":{"x":0,"y":0,"z":0,"w":1},"rotation":{"x":0,"y":0,"z":0}}`, StageSchema},
		{"malformed version", `{"type":"node_clicked","version":"one","timestamp":1,"node_id":"x","button":0}`, StageVersion},
		{"incompatible major", `{"type":"node_clicked","version":"2.0.0","timestamp":1,"node_id":"x","button":0}`, StageVersion},
		{"unsupported minor", `{"type":"node_clicked","version":"1.1.0","timestamp":1,"node_id":"x","button":0}`, StageVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := v.ValidateInbound([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, event)

			var verr *ValidationError
			require.True(t, stderrors.As(err, &verr))
			assert.Equal(t, tt.stage, verr.Stage)
			assert.True(t, stderrors.Is(err, errors.ErrValidation))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidateInbound_UnboundedButtonAndTimestamp(t *testing.T) {
	v := MustNewValidator()

	event, err := v.ValidateInbound([]byte(`{"type":"node_clicked","version":"1.0.0","timestamp":-1.5,"node_id":"n-9","button":5}`))
	require.NoError(t, err)
	click, ok := event.(NodeClicked)
	require.True(t, ok)
	assert.Equal(t, 5, click.Button)
	assert.Equal(t, -1.5, click.Timestamp)
}

func TestValidateInboundValue(t *testing.T) {
	v := MustNewValidator()

	event, err := v.ValidateInboundValue(map[string]any{
		"type":      "connect_request",
		"version":   "1.0.0",
		"timestamp": 12.0,
		"source_id": "s",
		"target_id": "t",
	})
	require.NoError(t, err)
	req, ok := event.(ConnectRequest)
	require.True(t, ok)
	assert.Equal(t, "s", req.SourceID)

	_, err = v.ValidateInboundValue(map[string]any{"type": "node_clicked"})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = v.ValidateInboundValue(func() {})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestConstructorsValidate(t *testing.T) {
	v := MustNewValidator()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	events := []InboundEvent{
		NewNodeClicked(at, "n", 2),
		NewCameraMoved(at, Vector3{X: 1}, Vector3{Z: 1}),
		NewConnectRequest(at, "a", "b"),
	}

	for _, event := range events {
		t.Run(string(event.Type()), func(t *testing.T) {
			raw, err := v.ValidateInboundValue(event)
			require.NoError(t, err)
			assert.Equal(t, event, raw)
			assert.True(t, raw.Meta().Time().Equal(at))
		})
	}
}

type countingVisitor struct {
	clicks, moves, connects int
}

func (c *countingVisitor) VisitNodeClicked(NodeClicked) error       { c.clicks++; return nil }
func (c *countingVisitor) VisitCameraMoved(CameraMoved) error       { c.moves++; return nil }
func (c *countingVisitor) VisitConnectRequest(ConnectRequest) error { c.connects++; return nil }

func TestInboundVisitor(t *testing.T) {
	v := MustNewValidator()
	visitor := &countingVisitor{}

	for _, raw := range []string{nodeClickedJSON, cameraMovedJSON, connectRequestJSON, nodeClickedJSON} {
		event, err := v.ValidateInbound([]byte(raw))
		require.NoError(t, err)
		require.NoError(t, event.Accept(visitor))
	}

	assert.Equal(t, 2, visitor.clicks)
	assert.Equal(t, 1, visitor.moves)
	assert.Equal(t, 1, visitor.connects)
}

func TestValidateOutbound(t *testing.T) {
	v := MustNewValidator()

	scene, err := NewUpdateScene(map[string]any{"nodes": []string{"a"}})
	require.NoError(t, err)

	data, err := v.ValidateOutbound(scene)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update_scene","version":"1.0.0","scene":{"nodes":["a"]}}`, string(data))

	highlight, err := NewHighlightNode("n-1", "#FF00aa")
	require.NoError(t, err)

	data, err = v.ValidateOutbound(highlight)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"highlight_node","version":"1.0.0","node_id":"n-1","color":"#FF00aa"}`, string(data))

	decoded, err := v.DecodeOutbound(data)
	require.NoError(t, err)
	assert.Equal(t, HighlightNode{
		CommandHeader: CommandHeader{Kind: CommandHighlightNode, Version: Version},
		NodeID:        "n-1",
		Color:         "#FF00aa",
	}, decoded)
}

func TestValidateOutbound_Rejections(t *testing.T) {
	v := MustNewValidator()

	_, err := v.ValidateOutbound(nil)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = v.ValidateOutbound(HighlightNode{NodeID: "n", Color: "red"})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = v.ValidateOutbound(UpdateScene{Scene: []byte(`[1]`)})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = NewHighlightNode("n", "blue")
	assert.Error(t, err)

	_, err = v.DecodeOutbound([]byte(`{"type":"highlight_node","version":"1.0.0","node_id":"n","color":"#000000","x":1}`))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestCompatibleVersion(t *testing.T) {
	assert.True(t, CompatibleVersion("1.0.0"))
	assert.True(t, CompatibleVersion("1.4.2"))
	assert.False(t, CompatibleVersion("2.0.0"))
	assert.False(t, CompatibleVersion("garbage"))
}
