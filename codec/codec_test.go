package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rmi/message"
)

func sampleInvoke() *message.Envelope {
	res := message.Accessor("sharedInstance")
	return &message.Envelope{
		Type:          message.TypeInvoke,
		CorrelationID: "6f1c8f4e-0000-4000-8000-000000000001",
		Version:       message.ProtocolVersion,
		TargetClass:   "Clock",
		Resolution:    &res,
		Selector:      "addSeconds:",
		Arguments: []message.Value{
			{Tag: message.TagInt, Raw: json.RawMessage(`30`)},
			{Tag: message.TagString, Raw: json.RawMessage(`"utc"`)},
		},
		ReturnTypeTag: message.TagTime,
	}
}

func TestCodecs(t *testing.T) {
	envelopes := map[string]*message.Envelope{
		"invoke": sampleInvoke(),
		"result": message.NewResult("c-2", message.Value{Tag: message.TagInt, Raw: json.RawMessage(`3`)}),
		"error":  message.NewError("c-3", message.Errorf(message.KindNotFound, "no object named %q", "ghost")),
	}

	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for name, env := range envelopes {
			t.Run(c.Type().String()+"/"+name, func(t *testing.T) {
				data, err := c.Encode(env)
				require.NoError(t, err)

				var got message.Envelope
				require.NoError(t, c.Decode(data, &got))
				assert.Equal(t, env.Type, got.Type)
				assert.Equal(t, env.CorrelationID, got.CorrelationID)
				assert.Equal(t, env.Resolution, got.Resolution)
				assert.Equal(t, env.Selector, got.Selector)
				assert.Equal(t, env.Kind, got.Kind)
				assert.Equal(t, env.Message, got.Message)
				assert.Equal(t, env.TypeTag, got.TypeTag)
				assert.JSONEq(t, string(orNull(env.Value)), string(orNull(got.Value)))
				require.Len(t, got.Arguments, len(env.Arguments))
				for i := range env.Arguments {
					assert.Equal(t, env.Arguments[i].Tag, got.Arguments[i].Tag)
					assert.JSONEq(t, string(env.Arguments[i].Raw), string(got.Arguments[i].Raw))
				}
			})
		}
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(sampleInvoke())
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		var env message.Envelope
		err := c.Decode(data[:n], &env)
		assert.ErrorIs(t, err, message.ErrDecode, "prefix of %d bytes", n)
	}

	var env message.Envelope
	assert.ErrorIs(t, c.Decode(append(data, 0xff), &env), message.ErrDecode)
}

func TestJSONCodecMalformed(t *testing.T) {
	var env message.Envelope
	err := (&JSONCodec{}).Decode([]byte(`{"type":`), &env)
	assert.ErrorIs(t, err, message.ErrDecode)
}

func TestGetCodec(t *testing.T) {
	assert.IsType(t, &JSONCodec{}, GetCodec(CodecTypeJSON))
	assert.IsType(t, &BinaryCodec{}, GetCodec(CodecTypeBinary))
	assert.Nil(t, GetCodec(CodecType(9)))

	ct, err := ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)
	_, err = ParseCodecType("xml")
	assert.Error(t, err)
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func benchmarkCodec(b *testing.B, c Codec) {
	env := sampleInvoke()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(env)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Envelope
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeBinary))
}
