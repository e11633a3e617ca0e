package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"mini-discovery/message"
)

var ErrTruncated = errors.New("codec: truncated binary message")

// BinaryCodec lays the envelope out as length-prefixed fields:
//
//	u16 len | ServiceMethod | u32 len | Payload | u16 len | Error
type BinaryCodec struct{}

func (BinaryCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	if len(msg.ServiceMethod) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: service method too long (%d bytes)", len(msg.ServiceMethod))
	}
	if len(msg.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: error text too long (%d bytes)", len(msg.Error))
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (BinaryCodec) Decode(data []byte, msg *message.RPCMessage) error {
	r := reader{data: data}
	method := r.next(int(r.u16()))
	payload := r.next(int(r.u32()))
	errText := r.next(int(r.u16()))
	if r.err != nil {
		return r.err
	}
	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

func (BinaryCodec) Type() CodecType { return CodecTypeBinary }

// reader walks a buffer and latches the first out-of-bounds read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
