package hpfeeds

import (
	"log/slog"
)

var discardLogger = slog.New(slog.DiscardHandler)

// SetLogger sets the structured logger for the broker. A nil logger
// disables logging.
func (b *Broker) SetLogger(logger *slog.Logger) {
	b.Logger = logger
}

func (b *Broker) log() *slog.Logger {
	if b.Logger == nil {
		return discardLogger
	}
	return b.Logger
}

// SetLogger sets the structured logger for the client. A nil logger
// disables logging.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger == nil {
		return discardLogger
	}
	return c.logger
}
