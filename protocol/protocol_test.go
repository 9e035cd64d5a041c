package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte(`{"type":"invoke"}`)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeJSON, MsgType: MsgTypeInvoke, Seq: 12345}, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	h, got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, h.CodecType)
	assert.Equal(t, MsgTypeInvoke, h.MsgType)
	assert.Equal(t, uint32(12345), h.Seq)
	assert.Equal(t, uint32(len(body)), h.BodyLen)
	assert.Equal(t, body, got)
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeHeartbeat, Seq: 1}, nil))
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeReply, Seq: 2}, []byte{1, 2, 3}))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, h.MsgType)
	assert.Empty(t, body)

	h, body, err = Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeReply, h.MsgType)
	assert.Equal(t, []byte{1, 2, 3}, body)

	_, _, err = Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeInvalidHeader(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeInvoke}, []byte("hello")))
		return buf.Bytes()
	}

	testCases := []struct {
		name    string
		mutate  func(b []byte)
		wantErr string
	}{
		{name: "magic", mutate: func(b []byte) { b[0] = 0 }, wantErr: "invalid magic number"},
		{name: "version", mutate: func(b []byte) { b[3] = 9 }, wantErr: "unsupported version"},
		{name: "codec", mutate: func(b []byte) { b[4] = 7 }, wantErr: "unsupported codec type"},
		{name: "msg type", mutate: func(b []byte) { b[5] = 7 }, wantErr: "unsupported message type"},
		{name: "oversized", mutate: func(b []byte) { binary.BigEndian.PutUint32(b[10:14], MaxBodySize+1) }, wantErr: "exceeds limit"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := valid()
			tc.mutate(b)
			_, _, err := Decode(bytes.NewReader(b))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeInvoke}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
