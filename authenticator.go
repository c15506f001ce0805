package hpfeeds

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
)

// MinNonceSize is the shortest nonce the broker will issue. Legacy brokers
// send four bytes; clients accept any length.
const MinNonceSize = 4

// ConnState is the authentication state of a broker side connection.
type ConnState int

const (
	StateAwaitingInfoSent ConnState = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingInfoSent:
		return "awaiting-info-sent"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// AuthHash computes the raw SHA1(nonce || secret) digest a client sends in
// its AUTH frame.
func AuthHash(nonce []byte, secret string) []byte {
	mac := sha1.New()
	mac.Write(nonce)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

// VerifyAuth reports whether hash answers nonce for secret.
func VerifyAuth(nonce []byte, secret string, hash []byte) bool {
	return subtle.ConstantTimeCompare(AuthHash(nonce, secret), hash) == 1
}

// NewNonce returns n bytes from the system CSPRNG.
func NewNonce(n int) ([]byte, error) {
	if n < MinNonceSize {
		n = MinNonceSize
	}
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("hpfeeds: generate nonce: %w", err)
	}
	return nonce, nil
}
