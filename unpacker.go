package hpfeeds

import (
	"encoding/binary"
	"fmt"
)

// Limits bounds the frames a connection will accept or produce.
type Limits struct {
	// MaxPayload bounds PUBLISH and ERROR payloads and frames with an
	// unknown opcode.
	MaxPayload int
}

// DefaultLimits are the limits used by Marshal and NewUnpacker.
var DefaultLimits = Limits{MaxPayload: DefaultMaxPayload}

// MaxFrameLen returns the largest declared frame length, header included,
// that is acceptable for op.
func (l Limits) MaxFrameLen(op Opcode) int {
	maxPayload := l.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	switch op {
	case OpInfo, OpAuth:
		return HeaderSize + 256 + 20
	case OpSubscribe, OpUnsubscribe:
		return HeaderSize + 256*2
	}
	return HeaderSize + maxPayload
}

// RawFrame is a frame split off the stream whose payload is not decoded yet.
type RawFrame struct {
	Opcode  Opcode
	Payload []byte
}

// Decode parses the payload into its typed variant.
func (r RawFrame) Decode() (Frame, error) {
	return Decode(r.Opcode, r.Payload)
}

// Bytes returns the wire encoding of the frame.
func (r RawFrame) Bytes() []byte {
	b := make([]byte, 0, HeaderSize+len(r.Payload))
	b = AppendHeader(b, r.Opcode, len(r.Payload))
	return append(b, r.Payload...)
}

// Unpacker turns a byte stream into frames. Bytes read from the connection
// are handed to Feed; Next is then called until it reports no complete frame.
// An Unpacker is owned by exactly one reader and is not safe for concurrent
// use.
type Unpacker struct {
	limits Limits
	buf    []byte
}

// NewUnpacker returns an Unpacker enforcing l.
func NewUnpacker(l Limits) *Unpacker {
	return &Unpacker{limits: l}
}

// Feed appends data to the internal buffer.
func (u *Unpacker) Feed(data []byte) {
	u.buf = append(u.buf, data...)
}

// Buffered returns the number of bytes waiting to be unpacked.
func (u *Unpacker) Buffered() int {
	return len(u.buf)
}

// Next returns the next complete frame. When the buffer holds only a partial
// frame, or nothing, ok is false and the buffer is left as is. An error wraps
// ErrBadClient and means the stream cannot be trusted anymore.
func (u *Unpacker) Next() (frame RawFrame, ok bool, err error) {
	if len(u.buf) < HeaderSize {
		return RawFrame{}, false, nil
	}
	length := binary.BigEndian.Uint32(u.buf[0:4])
	op := Opcode(u.buf[4])

	if length < HeaderSize {
		return RawFrame{}, false, fmt.Errorf("%w: frame length %d shorter than header", ErrBadClient, length)
	}
	if limit := u.limits.MaxFrameLen(op); uint64(length) > uint64(limit) {
		return RawFrame{}, false, fmt.Errorf("%w: %s frame of %d bytes exceeds %d", ErrBadClient, op, length, limit)
	}
	if uint64(len(u.buf)) < uint64(length) {
		return RawFrame{}, false, nil
	}

	payload := make([]byte, int(length)-HeaderSize)
	copy(payload, u.buf[HeaderSize:length])

	u.buf = u.buf[length:]
	if len(u.buf) == 0 {
		u.buf = nil
	}
	return RawFrame{Opcode: op, Payload: payload}, true, nil
}
