package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"path"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/c360/citysync/errors"
)

// Version is the contract version every inbound event must carry and every
// outbound command is stamped with.
const Version = "1.0.0"

const schemaBaseURL = "https://citysync.c360.dev/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

var currentVersion = semver.MustParse(Version)

// Validation stages reported in ValidationError.
const (
	StageParse   = "parse"
	StageSchema  = "schema"
	StageVersion = "version"
	StageDecode  = "decode"
	StageEncode  = "encode"
)

// ValidationError describes why a message was rejected. It matches
// errors.ErrValidation with the standard errors.Is.
type ValidationError struct {
	Stage  string
	Type   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "contract: " + e.Stage
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the validation sentinel and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{errors.ErrValidation}
	}
	return []error{errors.ErrValidation, e.Err}
}

func validationError(stage, typ, reason string, err error) *ValidationError {
	return &ValidationError{Stage: stage, Type: typ, Reason: reason, Err: err}
}

type inboundVariant struct {
	schema *jsonschema.Schema
	decode func([]byte) (InboundEvent, error)
}

type outboundVariant struct {
	schema *jsonschema.Schema
}

// Validator checks messages against the closed inbound and outbound unions.
// It is safe for concurrent use once built.
type Validator struct {
	inbound  map[EventType]inboundVariant
	outbound map[CommandType]outboundVariant
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	compile := func(name string) (*jsonschema.Schema, error) {
		data, err := schemaFS.ReadFile(path.Join("schemas", name+".json"))
		if err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", "read schema "+name)
		}
		url := schemaBaseURL + name + ".json"
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", "load schema "+name)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", "compile schema "+name)
		}
		return schema, nil
	}

	v := &Validator{
		inbound:  make(map[EventType]inboundVariant),
		outbound: make(map[CommandType]outboundVariant),
	}

	decoders := map[EventType]func([]byte) (InboundEvent, error){
		EventNodeClicked:    decodeStrict[NodeClicked],
		EventCameraMoved:    decodeStrict[CameraMoved],
		EventConnectRequest: decodeStrict[ConnectRequest],
	}
	for _, t := range EventTypes() {
		schema, err := compile(string(t))
		if err != nil {
			return nil, err
		}
		v.inbound[t] = inboundVariant{schema: schema, decode: decoders[t]}
	}

	for _, t := range []CommandType{CommandUpdateScene, CommandHighlightNode} {
		schema, err := compile(string(t))
		if err != nil {
			return nil, err
		}
		v.outbound[t] = outboundVariant{schema: schema}
	}

	return v, nil
}

// MustNewValidator is NewValidator for package initialization and tests.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateInbound parses raw JSON and returns the matching variant. Unknown
// types, missing fields, extra fields and unsupported versions are rejected with
// a *ValidationError.
func (v *Validator) ValidateInbound(raw []byte) (InboundEvent, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, validationError(StageParse, "", "malformed JSON", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, validationError(StageParse, "", "message is not a JSON object", nil)
	}

	tag, ok := obj["type"].(string)
	if !ok {
		return nil, validationError(StageSchema, "", "missing string discriminator \"type\"", nil)
	}

	variant, ok := v.inbound[EventType(tag)]
	if !ok {
		return nil, validationError(StageSchema, tag, "unknown event type", nil)
	}

	if err := variant.schema.Validate(doc); err != nil {
		return nil, validationError(StageSchema, tag, "schema mismatch", err)
	}

	if err := checkVersion(obj["version"]); err != nil {
		err.Type = tag
		return nil, err
	}

	event, err := variant.decode(raw)
	if err != nil {
		return nil, validationError(StageDecode, tag, "strict decode", err)
	}
	return event, nil
}

// ValidateInboundValue validates an already decoded structure such as a map.
func (v *Validator) ValidateInboundValue(value any) (InboundEvent, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, validationError(StageParse, "", "value is not JSON serializable", err)
	}
	return v.ValidateInbound(raw)
}

// ValidateOutbound stamps the command header, encodes the command and checks
// the result against the outbound schema. The returned bytes are the wire form.
func (v *Validator) ValidateOutbound(cmd OutboundCommand) ([]byte, error) {
	if cmd == nil {
		return nil, validationError(StageEncode, "", "nil command", nil)
	}
	variant, ok := v.outbound[cmd.Type()]
	if !ok {
		return nil, validationError(StageEncode, string(cmd.Type()), "unknown command type", nil)
	}

	data, err := json.Marshal(cmd.stamped())
	if err != nil {
		return nil, validationError(StageEncode, string(cmd.Type()), "marshal", err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, validationError(StageEncode, string(cmd.Type()), "re-read", err)
	}
	if err := variant.schema.Validate(doc); err != nil {
		return nil, validationError(StageSchema, string(cmd.Type()), "schema mismatch", err)
	}
	return data, nil
}

// DecodeOutbound is the consumer side of ValidateOutbound.
func (v *Validator) DecodeOutbound(raw []byte) (OutboundCommand, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, validationError(StageParse, "", "malformed JSON", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, validationError(StageParse, "", "message is not a JSON object", nil)
	}
	tag, _ := obj["type"].(string)
	variant, ok := v.outbound[CommandType(tag)]
	if !ok {
		return nil, validationError(StageSchema, tag, "unknown command type", nil)
	}
	if err := variant.schema.Validate(doc); err != nil {
		return nil, validationError(StageSchema, tag, "schema mismatch", err)
	}
	if verr := checkVersion(obj["version"]); verr != nil {
		verr.Type = tag
		return nil, verr
	}

	switch CommandType(tag) {
	case CommandUpdateScene:
		return decodeStrictCommand[UpdateScene](raw)
	case CommandHighlightNode:
		return decodeStrictCommand[HighlightNode](raw)
	}
	return nil, validationError(StageDecode, tag, "no decoder", nil)
}

// CompatibleVersion reports whether a contract version shares the major version
// of Version.
func CompatibleVersion(version string) bool {
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return parsed.Major() == currentVersion.Major()
}

func checkVersion(raw any) *ValidationError {
	version, _ := raw.(string)
	parsed, err := semver.StrictNewVersion(version)
	if err != nil {
		return validationError(StageVersion, "", fmt.Sprintf("malformed version %q", version), err)
	}
	if parsed.Major() != currentVersion.Major() {
		return validationError(StageVersion, "",
			fmt.Sprintf("incompatible major version %s, want %s", parsed, currentVersion), nil)
	}
	if !parsed.Equal(currentVersion) {
		return validationError(StageVersion, "",
			fmt.Sprintf("unsupported version %s, want %s", parsed, currentVersion), nil)
	}
	return nil
}

// decodeDocument decodes a single JSON value and rejects trailing data.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !stderrors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return doc, nil
}

func decodeStrict[T InboundEvent](raw []byte) (InboundEvent, error) {
	var event T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		return nil, err
	}
	return event, nil
}

func decodeStrictCommand[T OutboundCommand](raw []byte) (OutboundCommand, error) {
	var cmd T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return nil, validationError(StageDecode, string(cmd.Type()), "strict decode", err)
	}
	return cmd, nil
}
