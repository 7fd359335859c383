// Command termd runs the terminal connectivity daemon: it authenticates
// every configured broker, keeps their WebSocket streams alive, and relays
// the unified event stream onto NATS when a bus is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bjoelf/multibroker/auth"
	"github.com/bjoelf/multibroker/broker"
	"github.com/bjoelf/multibroker/config"
	"github.com/bjoelf/multibroker/credstore"
	"github.com/bjoelf/multibroker/logging"
	"github.com/bjoelf/multibroker/publish"
	"github.com/bjoelf/multibroker/stream"

	// Adapter registrations.
	_ "github.com/bjoelf/multibroker/broker/alpaca"
	_ "github.com/bjoelf/multibroker/broker/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "termd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	store, err := credstore.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	refresher := auth.NewRefresher(auth.RefresherConfig{}, log)
	authMgr := auth.NewManager(store, refresher, log)

	policy := stream.ReconnectPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	}
	streamMgr := stream.NewManager(policy, log)

	for _, b := range cfg.Brokers {
		settings := broker.Settings{
			ID:       broker.BrokerID(b.ID),
			Endpoint: b.Endpoint,
			Options:  b.Options,
		}
		a, err := broker.New(b.Type, settings, log)
		if err != nil {
			return fmt.Errorf("building adapter for broker %q: %w", b.ID, err)
		}
		authMgr.RegisterAdapter(a.ID(), a)
		streamMgr.RegisterAdapter(a.ID(), a)
	}

	removeAuthLog := authMgr.OnAuthStatusChange(func(st broker.AuthStatus) {
		log.Info("auth status changed",
			"broker", st.BrokerID, "state", st.State, "err", st.Err)
	})
	defer removeAuthLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for id, st := range authMgr.InitializeAllBrokers(ctx) {
		if !st.Authenticated {
			log.Warn("broker not available", "broker", id, "reason", st.Err)
		}
	}
	streamMgr.ConnectAll(ctx)

	if cfg.NATS.URL != "" {
		nc, err := publish.Connect(publish.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.ClientName,
		}, log)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		relay := publish.NewRelay(nc, cfg.NATS.SubjectPrefix, log)
		defer relay.Attach(streamMgr)()
	}

	log.Info("termd running", "brokers", len(cfg.Brokers))
	<-ctx.Done()
	log.Info("shutting down")

	streamMgr.DisconnectAll()
	authMgr.DisconnectAll()
	return nil
}
