package contract

import (
	"time"

	"github.com/c360/citysync/pkg/timestamp"
)

// EventType is the discriminator of an inbound event.
type EventType string

// Inbound event variants
const (
	EventNodeClicked    EventType = "node_clicked"
	EventCameraMoved    EventType = "camera_moved"
	EventConnectRequest EventType = "connect_request"
)

// EventTypes lists every inbound variant in declaration order.
func EventTypes() []EventType {
	return []EventType{EventNodeClicked, EventCameraMoved, EventConnectRequest}
}

// Header is the part of the wire format shared by every inbound event.
type Header struct {
	Kind      EventType `json:"type"`
	Version   string    `json:"version"`
	Timestamp float64   `json:"timestamp"`
}

// Time returns the event timestamp as a time.Time.
func (h Header) Time() time.Time {
	return timestamp.FromSeconds(h.Timestamp)
}

// InboundEvent is the closed union of events accepted from the visualization
// surface. The set of implementations is fixed by the unexported marker.
type InboundEvent interface {
	Type() EventType
	Meta() Header
	// Accept calls the visitor method matching the concrete variant.
	Accept(v InboundVisitor) error
	inbound()
}

// InboundVisitor has one method per inbound variant. A new variant adds a method
// here, so every visitor that does not handle it stops compiling.
type InboundVisitor interface {
	VisitNodeClicked(NodeClicked) error
	VisitCameraMoved(CameraMoved) error
	VisitConnectRequest(ConnectRequest) error
}

// Vector3 is a point or Euler rotation in scene space.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NodeClicked reports a pointer click on a scene node.
type NodeClicked struct {
	Header
	NodeID string `json:"node_id"`
	Button int    `json:"button"`
}

// CameraMoved reports the new camera pose.
type CameraMoved struct {
	Header
	Position Vector3 `json:"position"`
	Rotation Vector3 `json:"rotation"`
}

// ConnectRequest asks for an edge between two nodes.
type ConnectRequest struct {
	Header
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

func (NodeClicked) Type() EventType    { return EventNodeClicked }
func (CameraMoved) Type() EventType    { return EventCameraMoved }
func (ConnectRequest) Type() EventType { return EventConnectRequest }

func (e NodeClicked) Meta() Header    { return e.Header }
func (e CameraMoved) Meta() Header    { return e.Header }
func (e ConnectRequest) Meta() Header { return e.Header }

func (e NodeClicked) Accept(v InboundVisitor) error    { return v.VisitNodeClicked(e) }
func (e CameraMoved) Accept(v InboundVisitor) error    { return v.VisitCameraMoved(e) }
func (e ConnectRequest) Accept(v InboundVisitor) error { return v.VisitConnectRequest(e) }

func (NodeClicked) inbound()    {}
func (CameraMoved) inbound()    {}
func (ConnectRequest) inbound() {}

// NewNodeClicked builds a node_clicked event at the current version.
func NewNodeClicked(at time.Time, nodeID string, button int) NodeClicked {
	return NodeClicked{Header: newHeader(EventNodeClicked, at), NodeID: nodeID, Button: button}
}

// NewCameraMoved builds a camera_moved event at the current version.
func NewCameraMoved(at time.Time, position, rotation Vector3) CameraMoved {
	return CameraMoved{Header: newHeader(EventCameraMoved, at), Position: position, Rotation: rotation}
}

// NewConnectRequest builds a connect_request event at the current version.
func NewConnectRequest(at time.Time, sourceID, targetID string) ConnectRequest {
	return ConnectRequest{Header: newHeader(EventConnectRequest, at), SourceID: sourceID, TargetID: targetID}
}

func newHeader(kind EventType, at time.Time) Header {
	return Header{Kind: kind, Version: Version, Timestamp: timestamp.Seconds(at)}
}
