// Package contract defines the wire contract between the synchronization core and
// the visualization surface.
//
// Inbound events and outbound commands are closed discriminated unions keyed by
// the "type" field. Each variant is a Go struct. Consumers branch on variants
// through InboundVisitor and OutboundVisitor, which the compiler keeps exhaustive.
//
// Validation is closed-world. The Validator performs, in order:
//   - a JSON Schema check (Draft 2020-12, additionalProperties false) per variant,
//   - a semantic version check against Version,
//   - a strict struct decode that refuses unknown fields.
//
// Any failure yields a *ValidationError that matches errors.ErrValidation.
//
//	v := contract.MustNewValidator()
//	event, err := v.ValidateInbound(raw)
//	if err != nil {
//	    return err
//	}
//	switch e := event.(type) {
//	case contract.NodeClicked:
//	    fmt.Println(e.NodeID)
//	}
package contract
