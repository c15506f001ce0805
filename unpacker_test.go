package hpfeeds

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStream(t *testing.T) ([]Frame, []byte) {
	t.Helper()
	frames := []Frame{
		InfoFrame{Name: "broker", Nonce: []byte{1, 2, 3, 4}},
		AuthFrame{Ident: "sensor1", Hash: AuthHash([]byte{1, 2, 3, 4}, "s3cr3t")},
		SubscribeFrame{Ident: "sensor1", Channel: "alerts"},
		PublishFrame{Ident: "sensor1", Channel: "alerts", Payload: make([]byte, 3000)},
		UnsubscribeFrame{Ident: "sensor1", Channel: "alerts"},
		ErrorFrame{Message: "accessfail"},
	}
	var stream []byte
	for _, f := range frames {
		buf, err := Marshal(f)
		require.NoError(t, err)
		stream = append(stream, buf...)
	}
	return frames, stream
}

func drain(t *testing.T, up *Unpacker) []Frame {
	t.Helper()
	var out []Frame
	for {
		raw, ok, err := up.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		f, err := raw.Decode()
		require.NoError(t, err)
		out = append(out, f)
	}
}

func requireFramesEqual(t *testing.T, want, got []Frame) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		requireFrameEqual(t, want[i], got[i])
	}
}

func TestUnpacker_WholeStream(t *testing.T) {
	want, stream := testStream(t)
	up := NewUnpacker(DefaultLimits)
	up.Feed(stream)
	requireFramesEqual(t, want, drain(t, up))
	require.Zero(t, up.Buffered())
}

func TestUnpacker_ByteByByte(t *testing.T) {
	want, stream := testStream(t)
	up := NewUnpacker(DefaultLimits)
	var got []Frame
	for i := range stream {
		up.Feed(stream[i : i+1])
		got = append(got, drain(t, up)...)
	}
	requireFramesEqual(t, want, got)
	require.Zero(t, up.Buffered())
}

func TestUnpacker_RandomChunks(t *testing.T) {
	want, stream := testStream(t)
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		up := NewUnpacker(DefaultLimits)
		var got []Frame
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.IntN(len(rest))
			up.Feed(rest[:n])
			rest = rest[n:]
			got = append(got, drain(t, up)...)
		}
		requireFramesEqual(t, want, got)
	}
}

func TestUnpacker_PartialNotConsumed(t *testing.T) {
	buf, err := MsgPublish("id", "ch", []byte("payload"))
	require.NoError(t, err)

	up := NewUnpacker(DefaultLimits)
	up.Feed(buf[:3])
	_, ok, err := up.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, up.Buffered())

	up.Feed(buf[3 : len(buf)-1])
	_, ok, err = up.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, len(buf)-1, up.Buffered())

	up.Feed(buf[len(buf)-1:])
	raw, ok, err := up.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpPublish, raw.Opcode)
	require.Zero(t, up.Buffered())
}

func TestUnpacker_PayloadIsCopy(t *testing.T) {
	buf, err := MsgError("authfail")
	require.NoError(t, err)

	up := NewUnpacker(DefaultLimits)
	up.Feed(buf)
	raw, ok, err := up.Next()
	require.NoError(t, err)
	require.True(t, ok)

	up.Feed(buf)
	raw.Payload[0] = 'X'
	again, ok, err := up.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("authfail"), again.Payload)
}

func header(length uint32, op Opcode) []byte {
	b := binary.BigEndian.AppendUint32(nil, length)
	return append(b, byte(op))
}

func TestUnpacker_BadClient(t *testing.T) {
	cases := []struct {
		name   string
		length uint32
		op     Opcode
	}{
		{"shorter than header", 4, OpPublish},
		{"zero length", 0, OpErr},
		{"publish over max payload", HeaderSize + DefaultMaxPayload + 1, OpPublish},
		{"error over max payload", HeaderSize + DefaultMaxPayload + 1, OpErr},
		{"unknown opcode over max payload", HeaderSize + DefaultMaxPayload + 1, Opcode(77)},
		{"oversized auth", HeaderSize + 256 + 21, OpAuth},
		{"oversized info", HeaderSize + 256 + 21, OpInfo},
		{"oversized subscribe", HeaderSize + 513, OpSubscribe},
		{"oversized unsubscribe", HeaderSize + 513, OpUnsubscribe},
		{"length near 4GiB", 0xffffffff, OpPublish},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := NewUnpacker(DefaultLimits)
			up.Feed(header(tc.length, tc.op))
			_, ok, err := up.Next()
			require.ErrorIs(t, err, ErrBadClient)
			require.False(t, ok)
		})
	}
}

func TestUnpacker_BadClientWithFullFrame(t *testing.T) {
	l := Limits{MaxPayload: 16}
	payload := make([]byte, 17)
	frame := append(header(uint32(HeaderSize+len(payload)), OpPublish), payload...)

	up := NewUnpacker(l)
	up.Feed(frame)
	_, _, err := up.Next()
	require.ErrorIs(t, err, ErrBadClient)

	frame = append(header(uint32(HeaderSize+16), OpPublish), payload[:16]...)
	up = NewUnpacker(l)
	up.Feed(frame)
	_, ok, err := up.Next()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnpacker_BoundaryLengths(t *testing.T) {
	cases := []struct {
		length uint32
		op     Opcode
	}{
		{HeaderSize, OpErr},
		{HeaderSize + 256 + 20, OpAuth},
		{HeaderSize + 512, OpSubscribe},
	}
	for _, tc := range cases {
		up := NewUnpacker(DefaultLimits)
		up.Feed(header(tc.length, tc.op))
		_, complete, err := up.Next()
		require.NoError(t, err, "%s length %d", tc.op, tc.length)
		require.Equal(t, tc.length == HeaderSize, complete)
	}
}

func TestUnpacker_UnknownOpcodeFrame(t *testing.T) {
	up := NewUnpacker(DefaultLimits)
	up.Feed(append(header(HeaderSize+3, Opcode(9)), 'a', 'b', 'c'))
	raw, ok, err := up.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Opcode(9), raw.Opcode)

	_, err = raw.Decode()
	require.ErrorIs(t, err, ErrUnknownOpcode)
}
