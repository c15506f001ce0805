// Package natsbridge relays hpfeeds channels into NATS subjects.
package natsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	hpfeeds "github.com/d1str0/go-hpfeeds"
)

// Headers set on every relayed message.
const (
	HeaderIdent   = "Hpfeeds-Ident"
	HeaderChannel = "Hpfeeds-Channel"
)

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Bridge republishes every hpfeeds message it receives on the subject
// <prefix>.<channel>.
type Bridge struct {
	pub    Publisher
	prefix string
	log    *slog.Logger

	relayed atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Bridge publishing through pub.
func New(pub Publisher, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{pub: pub, prefix: prefix, log: logger}
}

// Subject returns the NATS subject for channel. Characters NATS reserves
// and empty tokens, such as in "chan..broker", are replaced by "_".
func (b *Bridge) Subject(channel string) string {
	tokens := strings.Split(channel, ".")
	for i, tok := range tokens {
		tok = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n', '*', '>':
				return '_'
			}
			return r
		}, tok)
		if tok == "" {
			tok = "_"
		}
		tokens[i] = tok
	}
	subject := strings.Join(tokens, ".")
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

// Handle is an hpfeeds.MessageHandler.
func (b *Bridge) Handle(ident, channel string, payload []byte) {
	msg := nats.NewMsg(b.Subject(channel))
	msg.Data = payload
	msg.Header.Set(HeaderIdent, ident)
	msg.Header.Set(HeaderChannel, channel)
	if err := b.pub.PublishMsg(msg); err != nil {
		b.failed.Add(1)
		b.log.Error("natsbridge: publish failed", "subject", msg.Subject, "ident", ident, "error", err)
		return
	}
	b.relayed.Add(1)
}

// HandleError is an hpfeeds.ErrorHandler.
func (b *Bridge) HandleError(payload []byte) {
	b.log.Warn("natsbridge: broker error", "reason", string(payload))
}

// Stats returns the number of relayed and failed messages.
func (b *Bridge) Stats() (relayed, failed uint64) {
	return b.relayed.Load(), b.failed.Load()
}

// Run subscribes c to channels and relays until ctx is done or c is
// stopped.
func (b *Bridge) Run(ctx context.Context, c *hpfeeds.Client, channels ...string) error {
	if err := c.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.log.Info("natsbridge: relaying", "channels", channels, "prefix", b.prefix)
	return c.Run(ctx, b.Handle, b.HandleError)
}

// Config configures the NATS connection.
type Config struct {
	URLs          []string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect opens a NATS connection that logs its lifecycle events.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := []nats.Option{
		nats.Name("hpfeeds-nats"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natsbridge: NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("natsbridge: NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("natsbridge: NATS connection closed")
		}),
	}

	url := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		url = strings.Join(cfg.URLs, ",")
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Debug("natsbridge: connected", "url", conn.ConnectedUrl())
	return conn, nil
}
