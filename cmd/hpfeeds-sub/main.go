// Command hpfeeds-sub subscribes to hpfeeds channels and prints every
// message it receives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	hpfeeds "github.com/d1str0/go-hpfeeds"
	"github.com/d1str0/go-hpfeeds/config"
)

func main() {
	var (
		host     = pflag.String("host", "127.0.0.1", "target host")
		port     = pflag.Int("port", hpfeeds.DefaultPort, "hpfeeds port")
		ident    = pflag.String("ident", "test_ident", "ident username")
		secret   = pflag.String("secret", "test_secret", "ident secret")
		channels = pflag.StringSlice("channel", []string{"test_channel"}, "channel to subscribe to (repeatable)")
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
	defer hp.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := hp.Subscribe(ctx, *channels...); err != nil {
		logger.Error("hpfeeds-sub: subscribe", "error", err)
		os.Exit(1)
	}

	err := hp.Run(ctx, func(name, channel string, payload []byte) {
		fmt.Printf("%s %s %s\n", channel, name, payload)
	}, func(msg []byte) {
		logger.Warn("hpfeeds-sub: broker error", "reason", string(msg))
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("hpfeeds-sub: run", "error", err)
		os.Exit(1)
	}
}
