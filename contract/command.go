package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// CommandType is the discriminator of an outbound command.
type CommandType string

// Outbound command variants
const (
	CommandUpdateScene   CommandType = "update_scene"
	CommandHighlightNode CommandType = "highlight_node"
)

// CommandHeader is stamped onto every outbound command by ValidateOutbound.
type CommandHeader struct {
	Kind    CommandType `json:"type"`
	Version string      `json:"version"`
}

// OutboundCommand is the closed union of commands sent to the visualization
// surface.
type OutboundCommand interface {
	Type() CommandType
	Accept(v OutboundVisitor) error
	stamped() OutboundCommand
}

// OutboundVisitor has one method per outbound variant.
type OutboundVisitor interface {
	VisitUpdateScene(UpdateScene) error
	VisitHighlightNode(HighlightNode) error
}

// UpdateScene replaces the rendered scene with a new state document.
type UpdateScene struct {
	CommandHeader
	Scene json.RawMessage `json:"scene"`
}

// HighlightNode asks the surface to tint one node.
type HighlightNode struct {
	CommandHeader
	NodeID string `json:"node_id"`
	Color  string `json:"color"`
}

func (UpdateScene) Type() CommandType   { return CommandUpdateScene }
func (HighlightNode) Type() CommandType { return CommandHighlightNode }

func (c UpdateScene) Accept(v OutboundVisitor) error   { return v.VisitUpdateScene(c) }
func (c HighlightNode) Accept(v OutboundVisitor) error { return v.VisitHighlightNode(c) }

func (c UpdateScene) stamped() OutboundCommand {
	c.CommandHeader = CommandHeader{Kind: CommandUpdateScene, Version: Version}
	return c
}

func (c HighlightNode) stamped() OutboundCommand {
	c.CommandHeader = CommandHeader{Kind: CommandHighlightNode, Version: Version}
	return c
}

// NewUpdateScene marshals scene into an update_scene command.
func NewUpdateScene(scene any) (UpdateScene, error) {
	data, err := json.Marshal(scene)
	if err != nil {
		return UpdateScene{}, fmt.Errorf("marshal scene: %w", err)
	}
	return UpdateScene{Scene: data}, nil
}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// NewHighlightNode builds a highlight_node command. Color must be "#rrggbb".
func NewHighlightNode(nodeID, color string) (HighlightNode, error) {
	if !colorPattern.MatchString(color) {
		return HighlightNode{}, fmt.Errorf("color %q is not #rrggbb", color)
	}
	return HighlightNode{NodeID: nodeID, Color: color}, nil
}
