// Package scene folds inbound events into the derived scene state that is
// streamed back to the visualization surface.
package scene

import (
	"github.com/c360/citysync/contract"
)

// Camera is the last reported camera pose.
type Camera struct {
	Position contract.Vector3 `json:"position"`
	Rotation contract.Vector3 `json:"rotation"`
}

// Edge is a connection requested between two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// State is the scene document sent in update_scene.
type State struct {
	Revision     uint64  `json:"revision"`
	SelectedNode string  `json:"selected_node,omitempty"`
	Camera       *Camera `json:"camera,omitempty"`
	Edges        []Edge  `json:"edges"`
}

func (s State) clone() State {
	out := s
	if s.Camera != nil {
		c := *s.Camera
		out.Camera = &c
	}
	out.Edges = append([]Edge{}, s.Edges...)
	return out
}

// Button colors for highlight_node.
const (
	ColorPrimary   = "#ffc107"
	ColorMiddle    = "#03a9f4"
	ColorSecondary = "#e91e63"
	ColorDefault   = "#9e9e9e"
)

// ButtonColor maps a mouse button to its highlight color.
func ButtonColor(button int) string {
	switch button {
	case 0:
		return ColorPrimary
	case 1:
		return ColorMiddle
	case 2:
		return ColorSecondary
	default:
		return ColorDefault
	}
}
