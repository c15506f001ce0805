// Command hpfeeds-broker runs an hpfeeds broker with identities read from a
// YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	hpfeeds "github.com/d1str0/go-hpfeeds"
	"github.com/d1str0/go-hpfeeds/config"
	"github.com/d1str0/go-hpfeeds/identstore"
)

func main() {
	configPath := pflag.String("config", "", "path to the broker config file")
	identities := pflag.String("identities", "", "path to the identities file (overrides config)")
	port := pflag.Int("port", 0, "listen port (overrides config)")
	pflag.Parse()

	if err := run(*configPath, *identities, *port); err != nil {
		slog.Error("hpfeeds-broker: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, identities string, port int) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if identities != "" {
		cfg.Identities = identities
	}
	if port != 0 {
		cfg.Broker.Port = port
	}
	if cfg.Identities == "" {
		return errors.New("no identities file given")
	}

	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	db, err := identstore.Load(cfg.Identities)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	b := cfg.NewBroker(db)
	b.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := db.Reload(); err != nil {
					logger.Error("hpfeeds-broker: reload identities", "error", err)
					continue
				}
				logger.Info("hpfeeds-broker: identities reloaded", "count", db.Len())
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("hpfeeds-broker: shutting down", "stats", b.Stats())
		b.Close()
	}()

	logger.Info("hpfeeds-broker: starting", "name", cfg.Broker.Name, "addr", cfg.Broker.Addr(), "identities", db.Len())
	if err := b.ListenAndServe(); err != nil && !errors.Is(err, hpfeeds.ErrBrokerClosed) {
		return err
	}
	return nil
}
