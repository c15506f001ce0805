// Package hpfeeds provides an implementation of the pub/sub protocol of the
// Honeynet Project: the binary frame codec, the nonce based authentication
// handshake, a reconnecting client and a channel routing broker. See
// https://github.com/rep/hpfeeds for detailed descriptions of the protocol.
package hpfeeds

import (
	"errors"
	"fmt"
	"time"
)

// Opcode identifies the type of a frame on the wire.
type Opcode uint8

// Opcodes defined by the hpfeeds protocol.
const (
	OpErr         Opcode = 0
	OpInfo        Opcode = 1
	OpAuth        Opcode = 2
	OpPublish     Opcode = 3
	OpSubscribe   Opcode = 4
	OpUnsubscribe Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpErr:
		return "ERROR"
	case OpInfo:
		return "INFO"
	case OpAuth:
		return "AUTH"
	case OpPublish:
		return "PUBLISH"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

const (
	// HeaderSize is the size of the length and opcode prefix of every frame.
	HeaderSize = 5

	// MaxFieldLen is the longest ident, channel or broker name that fits the
	// one byte length prefix.
	MaxFieldLen = 255

	// DefaultMaxPayload bounds PUBLISH and ERROR frames.
	DefaultMaxPayload = 1024 * 1024

	// DefaultNonceSize is the number of random bytes the broker sends in INFO.
	DefaultNonceSize = 16

	// KeepAlivePeriod is the TCP keepalive interval set on accepted
	// broker connections.
	KeepAlivePeriod = 3 * time.Minute
)

// Error strings sent to peers in ERROR frames.
const (
	ErrMsgAuthFail      = "authfail"
	ErrMsgAccessFail    = "accessfail"
	ErrMsgIdentFail     = "identfail"
	ErrMsgRateLimit     = "ratelimit"
	ErrMsgUnknownOpcode = "unknown opcode"
	ErrMsgMalformed     = "malformed"
)

var (
	// ErrBadClient is returned by the Unpacker when a peer declares a frame
	// length the connection cannot accept. The connection must be closed.
	ErrBadClient = errors.New("hpfeeds: bad client")

	ErrFieldTooLong  = errors.New("hpfeeds: field longer than 255 bytes")
	ErrFrameTooLarge = errors.New("hpfeeds: frame exceeds maximum size")
	ErrMalformed     = errors.New("hpfeeds: malformed frame payload")
	ErrUnknownOpcode = errors.New("hpfeeds: unknown opcode")

	ErrNotConnected  = errors.New("hpfeeds: not connected")
	ErrClosed        = errors.New("hpfeeds: client closed")
	ErrNilConn       = errors.New("hpfeeds: connection is nil")
	ErrNilIdentifier = errors.New("hpfeeds: Identifier must not be nil")
	ErrUnknownIdent  = errors.New("hpfeeds: unknown ident")
	ErrNoInfo        = errors.New("hpfeeds: expected INFO from broker")
)

// Message is a single publication received from a channel.
type Message struct {
	Name    string
	Channel string
	Payload []byte
}

// ConnectError is returned when the client could not establish a session
// with the broker after exhausting its reconnect policy.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("hpfeeds: connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
