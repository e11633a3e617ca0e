// Package protocol frames discovery RPC traffic over a stream connection.
//
// Every frame is a fixed 14-byte header followed by a body whose length the
// header announces, so a reader always knows where one message ends.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ sdp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 14

	// MaxBodyLen caps a single frame. Registrations and find results are small;
	// anything larger is a corrupt or hostile stream.
	MaxBodyLen uint32 = 4 << 20
)

// magic identifies a discovery frame ("sdp").
var magic = [3]byte{0x73, 0x64, 0x70}

var (
	ErrBadMagic       = errors.New("protocol: invalid magic number")
	ErrBadVersion     = errors.New("protocol: unsupported version")
	ErrBadCodec       = errors.New("protocol: unsupported codec type")
	ErrBadMessageType = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge   = errors.New("protocol: body too large")
)

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Codec ids, mirrored by package codec.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request
	BodyLen   uint32
}

// Encode writes header and body as one frame in a single Write call.
// BodyLen is taken from body. Writers shared between goroutines still need a lock.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	h.BodyLen = uint32(len(body))

	frame := make([]byte, HeaderSize+len(body))
	copy(frame[0:3], magic[:])
	frame[3] = Version
	frame[4] = h.CodecType
	frame[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(frame[6:10], h.Seq)
	binary.BigEndian.PutUint32(frame[10:14], h.BodyLen)
	copy(frame[HeaderSize:], body)

	_, err := w.Write(frame)
	return err
}

// Decode reads exactly one frame from r. io.EOF is returned unwrapped when the
// stream ends cleanly between frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}

	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] {
		return nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr[3])
	}
	if hdr[4] != CodecTypeJSON && hdr[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadCodec, hdr[4])
	}
	mt := MsgType(hdr[5])
	if mt != MsgTypeRequest && mt != MsgTypeResponse && mt != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadMessageType, hdr[5])
	}

	h := &Header{
		CodecType: hdr[4],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(hdr[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hdr[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return h, body, nil
}
