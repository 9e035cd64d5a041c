// Package codec serializes envelopes for the wire.
//
// The codec is chosen per connection by the caller and carried with every frame
// (the codec byte of a stream frame, the message type of a WebSocket message),
// so the service always replies with the codec the request arrived in.
package codec

import (
	"fmt"

	"mini-rmi/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a config name ("json", "binary") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	// Decode fills env from data. Malformed input yields a DecodeError.
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, or nil if the type is unknown.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeBinary:
		return &BinaryCodec{}
	}
	return nil
}
