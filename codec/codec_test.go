package codec

import (
	"testing"

	"mini-discovery/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: "Discovery.RegisterService",
		Payload:       []byte(`{"ServiceName":"orders","ServicePort":7001}`),
		Error:         "",
	}
}

func TestCodecsPreserveEnvelope(t *testing.T) {
	for _, c := range []Codec{JSONCodec{}, BinaryCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			in := sampleMessage()
			in.Error = "registry unavailable"
			data, err := c.Encode(in)
			require.NoError(t, err)

			var out message.RPCMessage
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, in.ServiceMethod, out.ServiceMethod)
			assert.Equal(t, string(in.Payload), string(out.Payload))
			assert.Equal(t, in.Error, out.Error)
		})
	}
}

func TestBinaryDecodeTruncated(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleMessage())
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var out message.RPCMessage
		assert.ErrorIs(t, BinaryCodec{}.Decode(data[:n], &out), ErrTruncated, "len %d", n)
	}
}

func TestBinaryDecodeDoesNotAliasInput(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sampleMessage())
	require.NoError(t, err)

	var out message.RPCMessage
	require.NoError(t, BinaryCodec{}.Decode(data, &out))
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, `{"ServiceName":"orders","ServicePort":7001}`, string(out.Payload))
}

func TestGet(t *testing.T) {
	c, err := Get(CodecTypeBinary)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, c.Type())

	_, err = Get(CodecType(7))
	assert.Error(t, err)
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	ct, err = ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)

	_, err = ParseCodecType("protobuf")
	assert.Error(t, err)
}

func BenchmarkBinaryEncode(b *testing.B) {
	msg := sampleMessage()
	for i := 0; i < b.N; i++ {
		_, _ = BinaryCodec{}.Encode(msg)
	}
}

func BenchmarkJSONEncode(b *testing.B) {
	msg := sampleMessage()
	for i := 0; i < b.N; i++ {
		_, _ = JSONCodec{}.Encode(msg)
	}
}
