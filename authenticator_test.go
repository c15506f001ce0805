package hpfeeds

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthHash(t *testing.T) {
	nonce := []byte{0x01, 0x02, 0x03, 0x04}
	want := sha1.Sum([]byte("\x01\x02\x03\x04s3cr3t"))
	require.Equal(t, want[:], AuthHash(nonce, "s3cr3t"))
	require.Len(t, AuthHash(nil, ""), sha1.Size)

	// sha1("") is well known.
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", hex.EncodeToString(AuthHash(nil, "")))
}

func TestVerifyAuth(t *testing.T) {
	nonce := []byte("nonce-bytes")
	hash := AuthHash(nonce, "secret")

	require.True(t, VerifyAuth(nonce, "secret", hash))
	require.False(t, VerifyAuth(nonce, "Secret", hash))
	require.False(t, VerifyAuth([]byte("other"), "secret", hash))
	require.False(t, VerifyAuth(nonce, "secret", hash[:10]))
	require.False(t, VerifyAuth(nonce, "secret", nil))
}

func TestNewNonce(t *testing.T) {
	n, err := NewNonce(DefaultNonceSize)
	require.NoError(t, err)
	require.Len(t, n, DefaultNonceSize)

	n, err = NewNonce(0)
	require.NoError(t, err)
	require.Len(t, n, MinNonceSize)

	a, err := NewNonce(32)
	require.NoError(t, err)
	b, err := NewNonce(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestConnState_String(t *testing.T) {
	require.Equal(t, "awaiting-auth", StateAwaitingAuth.String())
	require.Equal(t, "authenticated", StateAuthenticated.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "ConnState(12)", ConnState(12).String())
}
