// Package message defines the envelopes exchanged between a proxy and the object it stands in for.
//
// Every remote call is carried by one Envelope. A request ("invoke") is the Invocation Descriptor:
// it names the target (by registered name, or by class + accessor selector), the method selector,
// and the typed argument values. The reply is either a "result" carrying one typed value, or an
// "error" carrying a Kind and a human-readable message. Both directions echo the correlation id
// chosen by the caller so a reply can be matched to exactly one waiting call.
//
//	invoke: {type, correlationId, targetClass, resolution:{named|accessor}, selector, arguments, returnTypeTag}
//	result: {type, correlationId, typeTag, value}
//	error:  {type, correlationId, kind, message}
package message

import "encoding/json"

// Envelope types.
const (
	TypeInvoke = "invoke"
	TypeResult = "result"
	TypeError  = "error"
)

// Resolution says how the service locates the target object.
// Exactly one of Named or Accessor is set.
type Resolution struct {
	Named    string `json:"named,omitempty"`    // name the object was registered under
	Accessor string `json:"accessor,omitempty"` // zero-argument class-level selector returning the target
}

// Named resolves the target through the service registry.
func Named(name string) Resolution {
	return Resolution{Named: name}
}

// Accessor resolves the target by invoking selector on the target class.
func Accessor(selector string) Resolution {
	return Resolution{Accessor: selector}
}

// IsAccessor reports whether the resolution goes through a class accessor.
func (r Resolution) IsAccessor() bool {
	return r.Accessor != ""
}

// Validate checks that exactly one variant is populated.
func (r Resolution) Validate() error {
	switch {
	case r.Named == "" && r.Accessor == "":
		return Errorf(KindDecode, "resolution has neither named nor accessor")
	case r.Named != "" && r.Accessor != "":
		return Errorf(KindDecode, "resolution has both named %q and accessor %q", r.Named, r.Accessor)
	}
	return nil
}

func (r Resolution) String() string {
	if r.IsAccessor() {
		return "accessor:" + r.Accessor
	}
	return "named:" + r.Named
}

// Envelope is a single protocol message. Which fields are meaningful depends on Type.
//
//   - invoke: TargetClass, Resolution, Selector, Arguments, ReturnTypeTag
//   - result: TypeTag, Value
//   - error:  Kind, Message
type Envelope struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId"`
	Version       string `json:"version,omitempty"` // protocol version of the sender, semver

	TargetClass   string      `json:"targetClass,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	Selector      string      `json:"selector,omitempty"`
	Arguments     []Value     `json:"arguments,omitempty"`
	ReturnTypeTag TypeTag     `json:"returnTypeTag,omitempty"`

	TypeTag TypeTag         `json:"typeTag,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`

	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result returns the typed value carried by a result envelope.
func (e *Envelope) Result() Value {
	return Value{Tag: e.TypeTag, Raw: e.Value}
}

// Err converts an error envelope into an *Error. It returns nil for any other type.
func (e *Envelope) Err() error {
	if e.Type != TypeError {
		return nil
	}
	kind := e.Kind
	if kind == "" {
		kind = KindTargetInvocationFailed
	}
	return &Error{Kind: kind, Message: e.Message}
}

// IsReply reports whether the envelope answers an earlier invoke.
func (e *Envelope) IsReply() bool {
	return e.Type == TypeResult || e.Type == TypeError
}

// Validate enforces the structural rules of the envelope. Failures are DecodeError.
func (e *Envelope) Validate() error {
	if e.CorrelationID == "" {
		return Errorf(KindDecode, "missing correlationId")
	}
	switch e.Type {
	case TypeInvoke:
		if e.Selector == "" {
			return Errorf(KindDecode, "missing selector")
		}
		if e.Resolution == nil {
			return Errorf(KindDecode, "missing resolution")
		}
		if err := e.Resolution.Validate(); err != nil {
			return err
		}
		if e.Resolution.IsAccessor() && e.TargetClass == "" {
			return Errorf(KindDecode, "accessor resolution requires targetClass")
		}
		for i, arg := range e.Arguments {
			if !arg.Tag.Valid() {
				return Errorf(KindDecode, "argument %d: unknown type tag %q", i, arg.Tag)
			}
		}
		return CheckVersion(e.Version)
	case TypeResult, TypeError:
		return nil
	default:
		return Errorf(KindDecode, "unknown envelope type %q", e.Type)
	}
}

// NewResult builds a result reply for the given correlation id.
func NewResult(correlationID string, v Value) *Envelope {
	return &Envelope{
		Type:          TypeResult,
		CorrelationID: correlationID,
		Version:       ProtocolVersion,
		TypeTag:       v.Tag,
		Value:         v.Raw,
	}
}

// NewError builds an error reply. Errors that are not *Error are reported as TargetInvocationFailed.
func NewError(correlationID string, err error) *Envelope {
	kind := KindOf(err)
	if kind == "" {
		kind = KindTargetInvocationFailed
	}
	msg := err.Error()
	var e *Error
	if asError(err, &e) {
		msg = e.Message
	}
	return &Envelope{
		Type:          TypeError,
		CorrelationID: correlationID,
		Version:       ProtocolVersion,
		Kind:          kind,
		Message:       msg,
	}
}
