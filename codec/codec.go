// Package codec encodes the message.RPCMessage envelope for a protocol frame.
package codec

import (
	"encoding/json"
	"fmt"

	"mini-discovery/message"
	"mini-discovery/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary = CodecType(protocol.CodecTypeBinary)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

// ParseCodecType maps a configuration value to a codec.
func ParseCodecType(s string) (CodecType, error) {
	switch s {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", s)
	}
}

type Codec interface {
	Encode(msg *message.RPCMessage) ([]byte, error)
	Decode(data []byte, msg *message.RPCMessage) error
	Type() CodecType
}

// Get returns the codec for a frame's codec byte.
func Get(t CodecType) (Codec, error) {
	switch t {
	case CodecTypeJSON:
		return JSONCodec{}, nil
	case CodecTypeBinary:
		return BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported codec type %d", byte(t))
	}
}

// JSONCodec is readable on the wire; handy when debugging with tcpdump.
type JSONCodec struct{}

func (JSONCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte, msg *message.RPCMessage) error {
	return json.Unmarshal(data, msg)
}

func (JSONCodec) Type() CodecType { return CodecTypeJSON }
