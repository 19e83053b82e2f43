// Package daemon wires the node together: store, identity, radio, mesh
// engine and the HTTP surface, and supervises them for the process
// lifetime.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bramblemesh/bramble/pkg/config"
	"github.com/bramblemesh/bramble/pkg/engine"
	"github.com/bramblemesh/bramble/pkg/friends"
	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/location"
	"github.com/bramblemesh/bramble/pkg/radio"
	"github.com/bramblemesh/bramble/pkg/routes"
	"github.com/bramblemesh/bramble/pkg/store"
)

const shutdownGrace = 5 * time.Second

// Daemon is the assembled node.
type Daemon struct {
	Config   config.Configuration
	Stores   *store.Stores
	Identity *identity.Identity
	Friends  *friends.Service
	Engine   *engine.Engine

	resolver  *location.Resolver
	brokerURL string
	broker    *radio.Broker
	bench     *radio.Bench
	server    *http.Server
}

// New builds a Daemon from configuration. The radio and engine come up in
// Run, once the air exists to join.
func New(cfg config.Configuration) (*Daemon, error) {
	stores, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	id, err := identity.LoadOrCreate(stores.KV)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if cfg.Nickname != "" && cfg.Nickname != id.Nickname() {
		if err := id.SetNickname(cfg.Nickname); err != nil {
			stores.Close()
			return nil, fmt.Errorf("set nickname: %w", err)
		}
	}

	d := &Daemon{
		Config:   cfg,
		Stores:   stores,
		Identity: id,
		Friends:  friends.NewService(id, stores.Friends),
	}

	// No external broker configured: host the bench air ourselves.
	d.brokerURL = cfg.Radio.BrokerURL
	if d.brokerURL == "" {
		broker, err := radio.NewBroker(cfg.Radio.BrokerListen)
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("embedded broker: %w", err)
		}
		d.broker = broker
		d.brokerURL = "tcp://" + cfg.Radio.BrokerListen
	}

	if cfg.Location.Enabled {
		d.resolver = location.NewResolver(location.Static{Lat: cfg.Location.Lat, Lon: cfg.Location.Lon})
	}

	return d, nil
}

// Run starts every component and blocks until the context is cancelled or
// a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.broker != nil {
		g.Go(func() error {
			if err := d.broker.Serve(); err != nil {
				return fmt.Errorf("bench broker: %w", err)
			}
			return nil
		})
		// Give the listener a beat before the bench client dials it.
		time.Sleep(100 * time.Millisecond)
	}

	bench, err := radio.NewBench(d.brokerURL, d.Config.Radio.AirTopic, d.Identity.NodeID)
	if err != nil {
		return fmt.Errorf("bench radio: %w", err)
	}
	d.bench = bench

	d.Engine = engine.New(engine.Options{
		Config:   d.Config.Mesh,
		Identity: d.Identity,
		Radio:    bench,
		Location: d.resolver,
		History:  d.Stores.History,
	})
	d.Engine.Start(ctx)

	router := routes.New(d.Engine, d.Identity, d.Friends, d.Stores.History)
	d.server = &http.Server{Addr: d.Config.ListenAddr, Handler: router.Handler()}
	g.Go(func() error {
		slog.Info("http api listening", "addr", d.Config.ListenAddr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		d.shutdown()
		return nil
	})

	slog.Info("node running",
		"node_id", d.Identity.NodeID,
		"friend_code", d.Identity.FriendCode,
		"nickname", d.Identity.Nickname())

	return g.Wait()
}

func (d *Daemon) shutdown() {
	slog.Info("shutting down")

	if d.Engine != nil {
		d.Engine.Stop()
	}
	if d.bench != nil {
		d.bench.Close()
	}
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}
	if d.broker != nil {
		if err := d.broker.Close(); err != nil {
			slog.Warn("broker shutdown", "error", err)
		}
	}
	if err := d.Stores.Close(); err != nil {
		slog.Warn("store close", "error", err)
	}
}
