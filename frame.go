package hpfeeds

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded hpfeeds message. Each opcode has its own variant.
type Frame interface {
	Opcode() Opcode

	// AppendPayload appends the encoded payload, without header, to b.
	AppendPayload(b []byte) ([]byte, error)
}

// ErrorFrame carries an error message from the peer.
type ErrorFrame struct {
	Message string
}

// InfoFrame is the first frame a broker sends on a new connection.
type InfoFrame struct {
	Name  string
	Nonce []byte
}

// AuthFrame answers an INFO challenge.
type AuthFrame struct {
	Ident string
	Hash  []byte
}

// PublishFrame carries a payload for every subscriber of Channel.
type PublishFrame struct {
	Ident   string
	Channel string
	Payload []byte
}

// SubscribeFrame requests delivery of Channel.
type SubscribeFrame struct {
	Ident   string
	Channel string
}

// UnsubscribeFrame cancels a previous SubscribeFrame.
type UnsubscribeFrame struct {
	Ident   string
	Channel string
}

func (ErrorFrame) Opcode() Opcode       { return OpErr }
func (InfoFrame) Opcode() Opcode        { return OpInfo }
func (AuthFrame) Opcode() Opcode        { return OpAuth }
func (PublishFrame) Opcode() Opcode     { return OpPublish }
func (SubscribeFrame) Opcode() Opcode   { return OpSubscribe }
func (UnsubscribeFrame) Opcode() Opcode { return OpUnsubscribe }

func (f ErrorFrame) AppendPayload(b []byte) ([]byte, error) {
	return append(b, f.Message...), nil
}

func (f InfoFrame) AppendPayload(b []byte) ([]byte, error) {
	b, err := appendField(b, f.Name)
	if err != nil {
		return nil, fmt.Errorf("info name: %w", err)
	}
	return append(b, f.Nonce...), nil
}

func (f AuthFrame) AppendPayload(b []byte) ([]byte, error) {
	b, err := appendField(b, f.Ident)
	if err != nil {
		return nil, fmt.Errorf("auth ident: %w", err)
	}
	return append(b, f.Hash...), nil
}

func (f PublishFrame) AppendPayload(b []byte) ([]byte, error) {
	b, err := appendField(b, f.Ident)
	if err != nil {
		return nil, fmt.Errorf("publish ident: %w", err)
	}
	if b, err = appendField(b, f.Channel); err != nil {
		return nil, fmt.Errorf("publish channel: %w", err)
	}
	return append(b, f.Payload...), nil
}

func (f SubscribeFrame) AppendPayload(b []byte) ([]byte, error) {
	return appendIdentChannel(b, f.Ident, f.Channel)
}

func (f UnsubscribeFrame) AppendPayload(b []byte) ([]byte, error) {
	return appendIdentChannel(b, f.Ident, f.Channel)
}

func appendIdentChannel(b []byte, ident, channel string) ([]byte, error) {
	b, err := appendField(b, ident)
	if err != nil {
		return nil, fmt.Errorf("ident: %w", err)
	}
	// Channel names share the one byte limit of PUBLISH.
	if len(channel) > MaxFieldLen {
		return nil, fmt.Errorf("channel: %w: %d bytes", ErrFieldTooLong, len(channel))
	}
	return append(b, channel...), nil
}

// appendField writes a one byte length prefix followed by s. Values that do
// not fit the prefix are rejected rather than wrapped.
func appendField(b []byte, s string) ([]byte, error) {
	if len(s) > MaxFieldLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(s))
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}

// AppendHeader appends the length and opcode prefix for a payload of size n.
func AppendHeader(b []byte, op Opcode, n int) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(HeaderSize+n))
	return append(b, byte(op))
}

// Marshal encodes f as a complete frame. The payload must fit the limits of
// DefaultLimits; use Limits.Marshal for a different bound.
func Marshal(f Frame) ([]byte, error) {
	return DefaultLimits.Marshal(f)
}

// Marshal encodes f as a complete frame, enforcing the same per opcode size
// limits the Unpacker applies on the receiving side.
func (l Limits) Marshal(f Frame) ([]byte, error) {
	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf, err := f.AppendPayload(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) > l.MaxFrameLen(f.Opcode()) {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, f.Opcode(), len(buf))
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	buf[4] = byte(f.Opcode())
	return buf, nil
}

// MsgPublish returns the wire encoding of a PUBLISH frame.
func MsgPublish(ident, channel string, payload []byte) ([]byte, error) {
	return Marshal(PublishFrame{Ident: ident, Channel: channel, Payload: payload})
}

// MsgSubscribe returns the wire encoding of a SUBSCRIBE frame.
func MsgSubscribe(ident, channel string) ([]byte, error) {
	return Marshal(SubscribeFrame{Ident: ident, Channel: channel})
}

// MsgUnsubscribe returns the wire encoding of an UNSUBSCRIBE frame.
func MsgUnsubscribe(ident, channel string) ([]byte, error) {
	return Marshal(UnsubscribeFrame{Ident: ident, Channel: channel})
}

// MsgAuth returns the wire encoding of an AUTH frame answering nonce.
func MsgAuth(nonce []byte, ident, secret string) ([]byte, error) {
	return Marshal(AuthFrame{Ident: ident, Hash: AuthHash(nonce, secret)})
}

// MsgInfo returns the wire encoding of an INFO frame.
func MsgInfo(name string, nonce []byte) ([]byte, error) {
	return Marshal(InfoFrame{Name: name, Nonce: nonce})
}

// MsgError returns the wire encoding of an ERROR frame.
func MsgError(msg string) ([]byte, error) {
	return Marshal(ErrorFrame{Message: msg})
}

// strunpack8 splits a one byte length prefixed string off the front of buf.
func strunpack8(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("%w: missing length byte", ErrMalformed)
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, nil, fmt.Errorf("%w: field of %d bytes, %d available", ErrMalformed, n, len(buf)-1)
	}
	return buf[1 : 1+n], buf[1+n:], nil
}

// Decode parses the payload of a frame with the given opcode into its typed
// variant. Byte slices in the result alias payload.
func Decode(op Opcode, payload []byte) (Frame, error) {
	switch op {
	case OpErr:
		return ErrorFrame{Message: string(payload)}, nil
	case OpInfo:
		name, rest, err := strunpack8(payload)
		if err != nil {
			return nil, fmt.Errorf("decode info: %w", err)
		}
		return InfoFrame{Name: string(name), Nonce: rest}, nil
	case OpAuth:
		ident, rest, err := strunpack8(payload)
		if err != nil {
			return nil, fmt.Errorf("decode auth: %w", err)
		}
		return AuthFrame{Ident: string(ident), Hash: rest}, nil
	case OpPublish:
		ident, rest, err := strunpack8(payload)
		if err != nil {
			return nil, fmt.Errorf("decode publish ident: %w", err)
		}
		channel, data, err := strunpack8(rest)
		if err != nil {
			return nil, fmt.Errorf("decode publish channel: %w", err)
		}
		return PublishFrame{Ident: string(ident), Channel: string(channel), Payload: data}, nil
	case OpSubscribe, OpUnsubscribe:
		ident, rest, err := strunpack8(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		if op == OpSubscribe {
			return SubscribeFrame{Ident: string(ident), Channel: string(rest)}, nil
		}
		return UnsubscribeFrame{Ident: string(ident), Channel: string(rest)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(op))
}
