// Command hpfeeds-nats relays hpfeeds channels into NATS.
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
	"github.com/d1str0/go-hpfeeds/natsbridge"
)

func main() {
	var (
		configPath = pflag.String("config", "", "config file for the nats and log sections")
		host       = pflag.String("host", "127.0.0.1", "hpfeeds broker host")
		port       = pflag.Int("port", hpfeeds.DefaultPort, "hpfeeds broker port")
		ident      = pflag.String("ident", "", "hpfeeds ident")
		secret     = pflag.String("secret", "", "hpfeeds secret")
		channels   = pflag.StringSlice("channel", nil, "channel to relay (repeatable)")
	)
	pflag.Parse()

	if err := run(*configPath, *host, *port, *ident, *secret, *channels); err != nil {
		slog.Error("hpfeeds-nats: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, host string, port int, ident, secret string, channels []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if len(channels) == 0 {
		return fmt.Errorf("at least one --channel is required")
	}

	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	nc, err := natsbridge.Connect(natsbridge.Config{
		URLs:          cfg.NATS.URLs,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Error("hpfeeds-nats: drain", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hp := hpfeeds.NewClient(host, port, ident, secret, hpfeeds.WithLogger(logger))
	defer hp.Close()

	bridge := natsbridge.New(nc, cfg.NATS.SubjectPrefix, logger)
	err = bridge.Run(ctx, hp, channels...)
	relayed, failed := bridge.Stats()
	logger.Info("hpfeeds-nats: stopped", "relayed", relayed, "failed", failed)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
