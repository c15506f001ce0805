package hpfeeds

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client defaults.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultReadTimeout = time.Second

	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds the TCP connect, the TLS handshake, the wait for the
// broker's INFO frame and every write.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithReadTimeout sets how often a blocked Run checks for Stop.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = d
	}
}

// WithReconnect enables or disables automatic reconnection. It is enabled
// by default.
func WithReconnect(enabled bool) Option {
	return func(c *Client) {
		c.reconnect = enabled
	}
}

// WithBackOff sets the policy used between connection attempts. newBackOff
// is called once per reconnect cycle; returning backoff.Stop from
// NextBackOff ends the cycle with a ConnectError.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// WithMaxPayload sets the largest PUBLISH or ERROR payload sent or accepted.
// It must match the broker's setting.
func WithMaxPayload(n int) Option {
	return func(c *Client) {
		c.limits.MaxPayload = n
	}
}

// WithTLSConfig wraps the connection in TLS using cfg as is.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// WithCACertFile enables TLS and trusts the CA certificates in the PEM file
// at path. It may be given more than once.
func WithCACertFile(path string) Option {
	return func(c *Client) {
		c.caCertFiles = append(c.caCertFiles, path)
	}
}

// WithServerName sets the name used for SNI and certificate verification.
func WithServerName(name string) Option {
	return func(c *Client) {
		c.serverName = name
	}
}

// WithLocalAddr binds outgoing connections to addr. It sets LocalAddr.
func WithLocalAddr(addr net.TCPAddr) Option {
	return func(c *Client) {
		c.LocalAddr = addr
	}
}

// WithLogger sets the structured logger of the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultReconnectInitial
	b.MaxInterval = DefaultReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// buildTLSConfig returns nil when the connection should stay plain TCP.
func (c *Client) buildTLSConfig() (*tls.Config, error) {
	if c.tlsConfig != nil {
		return c.tlsConfig, nil
	}
	if len(c.caCertFiles) == 0 {
		return nil, nil
	}

	pool := x509.NewCertPool()
	for _, path := range c.caCertFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA cert %s: invalid PEM", path)
		}
	}

	serverName := c.serverName
	if serverName == "" {
		serverName = c.Host
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
