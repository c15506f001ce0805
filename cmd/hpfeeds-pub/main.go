// Command hpfeeds-pub publishes a payload to one or more hpfeeds channels.
// The payload is taken from --payload, or read from stdin one line per
// message when --payload is empty.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	hpfeeds "github.com/d1str0/go-hpfeeds"
	"github.com/d1str0/go-hpfeeds/config"
)

func main() {
	var (
		host     = pflag.String("host", "localhost", "host of the hpfeeds broker")
		port     = pflag.Int("port", hpfeeds.DefaultPort, "port of the hpfeeds broker")
		ident    = pflag.String("ident", "", "hpfeeds ident")
		secret   = pflag.String("secret", "", "hpfeeds secret")
		channels = pflag.StringSlice("channel", []string{"test_channel"}, "channel to publish to (repeatable)")
		payload  = pflag.String("payload", "", "payload to publish; stdin when empty")
		every    = pflag.Duration("every", 0, "republish --payload at this interval")
		caFile   = pflag.String("ca", "", "CA bundle; enables TLS")
		level    = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()

	logger := config.NewLogger(config.LogConfig{Level: *level, Format: "text"})
	slog.SetDefault(logger)

	opts := []hpfeeds.Option{hpfeeds.WithLogger(logger)}
	if *caFile != "" {
		opts = append(opts, hpfeeds.WithCACertFile(*caFile))
	}
	hp := hpfeeds.NewClient(*host, *port, *ident, *secret, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := publish(ctx, hp, *channels, *payload, *every); err != nil {
		logger.Error("hpfeeds-pub: failed", "error", err)
		hp.Close()
		os.Exit(1)
	}
	hp.Close()
}

func publish(ctx context.Context, hp *hpfeeds.Client, channels []string, payload string, every time.Duration) error {
	if err := hp.Connect(ctx); err != nil {
		return err
	}

	// Run drains ERROR frames and keeps the connection alive.
	go hp.Run(ctx, nil, func(msg []byte) {
		slog.Warn("hpfeeds-pub: broker error", "reason", string(msg))
	})
	defer hp.Stop()

	if payload != "" {
		for {
			if err := hp.Publish(ctx, []byte(payload), channels...); err != nil {
				return err
			}
			if every <= 0 {
				return nil
			}
			select {
			case <-time.After(every):
			case <-ctx.Done():
				return nil
			}
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), hpfeeds.DefaultMaxPayload)
	for scanner.Scan() {
		if err := hp.Publish(ctx, scanner.Bytes(), channels...); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}
