package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"mini-rmi/message"
)

// BinaryCodec is a compact length-prefixed encoding of an Envelope.
// Short strings carry a uint16 length, values and messages a uint32 length, all big-endian.
//
//	type(1) correlationId version targetClass resKind(1) resValue selector
//	argc(2) { tag value }... returnTypeTag typeTag value kind message
type BinaryCodec struct{}

var envelopeTypes = []string{message.TypeInvoke, message.TypeResult, message.TypeError}

const (
	resolutionNone byte = iota
	resolutionNamed
	resolutionAccessor
)

var errShortString = errors.New("string longer than 65535 bytes")

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	w := &writer{}

	typ := -1
	for i, t := range envelopeTypes {
		if t == env.Type {
			typ = i
		}
	}
	if typ < 0 {
		return nil, errors.New("BinaryCodec: unknown envelope type " + env.Type)
	}
	w.byte(byte(typ))
	w.short(env.CorrelationID)
	w.short(env.Version)
	w.short(env.TargetClass)

	switch {
	case env.Resolution == nil:
		w.byte(resolutionNone)
		w.short("")
	case env.Resolution.IsAccessor():
		w.byte(resolutionAccessor)
		w.short(env.Resolution.Accessor)
	default:
		w.byte(resolutionNamed)
		w.short(env.Resolution.Named)
	}
	w.short(env.Selector)

	if len(env.Arguments) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: too many arguments")
	}
	w.uint16(uint16(len(env.Arguments)))
	for _, arg := range env.Arguments {
		w.short(string(arg.Tag))
		w.long(arg.Raw)
	}

	w.short(string(env.ReturnTypeTag))
	w.short(string(env.TypeTag))
	w.long(env.Value)
	w.short(string(env.Kind))
	w.long([]byte(env.Message))

	if w.err != nil {
		return nil, errors.New("BinaryCodec: " + w.err.Error())
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	r := &reader{data: data}

	typ := int(r.byte())
	if r.err == nil && typ >= len(envelopeTypes) {
		return message.Errorf(message.KindDecode, "binary: unknown envelope type %d", typ)
	}
	env.CorrelationID = r.short()
	env.Version = r.short()
	env.TargetClass = r.short()

	resKind := r.byte()
	resValue := r.short()
	switch resKind {
	case resolutionNamed:
		env.Resolution = &message.Resolution{Named: resValue}
	case resolutionAccessor:
		env.Resolution = &message.Resolution{Accessor: resValue}
	default:
		env.Resolution = nil
	}
	env.Selector = r.short()

	argc := int(r.uint16())
	env.Arguments = nil
	for i := 0; i < argc && r.err == nil; i++ {
		tag := message.TypeTag(r.short())
		env.Arguments = append(env.Arguments, message.Value{Tag: tag, Raw: r.long()})
	}

	env.ReturnTypeTag = message.TypeTag(r.short())
	env.TypeTag = message.TypeTag(r.short())
	env.Value = r.long()
	env.Kind = message.Kind(r.short())
	env.Message = string(r.long())

	if r.err != nil {
		return message.Errorf(message.KindDecode, "binary: %v", r.err)
	}
	if r.off != len(data) {
		return message.Errorf(message.KindDecode, "binary: %d trailing bytes", len(data)-r.off)
	}
	env.Type = envelopeTypes[typ]
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uint16(n uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, n)
}

func (w *writer) short(s string) {
	if len(s) > math.MaxUint16 {
		w.err = errShortString
		return
	}
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) long(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader records the first out-of-bounds read and returns zero values afterwards.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errors.New("unexpected end of data")
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) short() string {
	return string(r.take(int(r.uint16())))
}

func (r *reader) long() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.err = errors.New("unexpected end of data")
		return nil
	}
	v := r.take(int(n))
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
