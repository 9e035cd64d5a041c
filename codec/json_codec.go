package codec

import (
	"encoding/json"

	"mini-rmi/message"
)

// JSONCodec writes envelopes in the documented JSON wire shape.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte, env *message.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return message.Errorf(message.KindDecode, "json: %v", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
