// tgimport - Telegram session import core.
// Copyright (C) 2026 The tgimport Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"go.mau.fi/tgimport/pkg/accounts"
	"go.mau.fi/tgimport/pkg/config"
	"go.mau.fi/tgimport/pkg/connection"
	"go.mau.fi/tgimport/pkg/importer"
	"go.mau.fi/tgimport/pkg/mtengine"
	"go.mau.fi/tgimport/pkg/notify"
	"go.mau.fi/tgimport/pkg/sessionstring"
	"go.mau.fi/tgimport/pkg/store"
)

// Connector owns every long-lived component and wires them together.
type Connector struct {
	Config *config.Config
	Log    zerolog.Logger

	Registry    *accounts.Registry
	Bus         *notify.Bus
	Connections *connection.Manager
	Importer    *importer.Importer

	store         *store.Container
	metrics       *prometheus.Registry
	metricsServer *http.Server
	subs          []*notify.Subscription
	loaded        bool
}

func NewConnector(cfg *config.Config, log zerolog.Logger) *Connector {
	return &Connector{
		Config: cfg,
		Log:    log,
	}
}

// Init opens the database and builds the components without connecting
// anywhere.
func (c *Connector) Init() error {
	var err error
	c.store, err = store.OpenSQLite(c.Config.Database.Path, c.Log)
	if err != nil {
		return err
	}
	c.InitWithStore(c.store, mtengine.Factory(c.Config.Telegram, func(account int) session.Storage {
		return c.store.GetSessionStore(account)
	}, c.Log))
	return nil
}

// InitWithStore builds the components on top of an existing store and engine
// factory.
func (c *Connector) InitWithStore(st *store.Container, factory connection.EngineFactory) {
	c.store = st
	c.metrics = prometheus.NewRegistry()
	c.metrics.MustRegister(collectors.NewGoCollector())
	c.Bus = notify.NewBus()
	c.Registry = accounts.NewRegistry(c.Config.Accounts.MaxAccounts, st.Slots(), c.Log)
	c.Connections = connection.NewManager(factory, c.Bus, c.Log)
	c.Importer = importer.New(c.Registry, c.Connections, c.Bus, c.Log, importer.Options{
		Timeout:    c.Config.Import.Timeout(),
		Registerer: c.metrics,
	})
}

// Load upgrades the database and restores the account slots without
// connecting anywhere.
func (c *Connector) Load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	if err := c.store.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	if err := c.Registry.Load(ctx); err != nil {
		return err
	}
	for i := range c.Registry.Size() {
		c.subs = append(c.subs, c.Bus.Subscribe(i, c.handleAccountEvent, notify.EventLoggedOut, notify.EventAppUpdateAvailable))
	}
	c.loaded = true
	return nil
}

// Start loads the account slots and reconnects every confirmed account.
// Accounts that fail to reconnect are logged and left disconnected.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	if c.Config.Metrics.Enabled {
		c.startMetrics()
	}
	if err := c.Connections.ResumeActivated(ctx, c.Registry.Slots()); err != nil {
		c.Log.Warn().Err(err).Msg("Some accounts couldn't be reconnected")
	}
	return nil
}

func (c *Connector) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.metrics, promhttp.HandlerOpts{}))
	c.metricsServer = &http.Server{
		Addr:              c.Config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := c.metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Log.Err(err).Msg("Metrics server stopped")
		}
	}()
	c.Log.Info().Str("listen", c.Config.Metrics.Listen).Msg("Started metrics server")
}

func (c *Connector) handleAccountEvent(evt notify.Event) {
	log := c.Log.With().Int("account", evt.Account).Logger()
	switch evt.Kind {
	case notify.EventAppUpdateAvailable:
		log.Warn().Msg("Telegram requires a newer app version")
	case notify.EventLoggedOut:
		// Bus handlers run on engine goroutines, which Remove would cancel.
		go func() {
			ctx := log.WithContext(context.Background())
			if err := c.Connections.Remove(evt.Account); err != nil {
				log.Err(err).Msg("Failed to close connection of logged out account")
			}
			if err := c.Registry.Logout(ctx, evt.Account); err != nil {
				log.Err(err).Msg("Failed to deactivate logged out account")
			}
		}()
	}
}

// Import imports a session string and waits for the result.
func (c *Connector) Import(ctx context.Context, sessionString string) (importer.Result, error) {
	attempt := c.Importer.Import(ctx, sessionString, importer.Callbacks{})
	return attempt.Wait(ctx)
}

// Logout terminates the session on the server and frees the account slot.
func (c *Connector) Logout(ctx context.Context, index int) error {
	slot, err := c.Registry.Slot(index)
	if err != nil {
		return err
	} else if !slot.Confirmed() {
		return fmt.Errorf("account %d is not logged in", index)
	}
	log := zerolog.Ctx(ctx).With().Int("account", index).Logger()
	conn, ok := c.Connections.Lookup(index)
	if ok && conn.IsPaused() {
		if task := conn.Resume(ctx); task != nil {
			if err = task.Wait(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to resume paused account for logout, only removing it locally")
				ok = false
			}
		}
	} else if !ok {
		if err = c.Connections.Resume(ctx, slot); err != nil {
			log.Warn().Err(err).Msg("Failed to connect account for logout, only removing it locally")
		} else {
			conn, ok = c.Connections.Lookup(index)
		}
	}
	if ok {
		done := make(chan error, 1)
		conn.SendRequest(ctx, &tg.AuthLogOutRequest{}, &tg.AuthLoggedOut{}, func(err error) {
			done <- err
		})
		select {
		case err = <-done:
			if err != nil {
				log.Warn().Err(err).Msg("Failed to log out on server")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err = c.Connections.Remove(index); err != nil {
		log.Warn().Err(err).Msg("Failed to close connection")
	}
	return c.Registry.Logout(ctx, index)
}

// ExportSession encodes the stored session of a confirmed account as a
// session string.
func (c *Connector) ExportSession(ctx context.Context, index int) (string, error) {
	slot, err := c.Registry.Slot(index)
	if err != nil {
		return "", err
	} else if !slot.Confirmed() {
		return "", fmt.Errorf("account %d is not logged in", index)
	}
	loader := session.Loader{Storage: c.store.GetSessionStore(index)}
	data, err := loader.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load session of account %d: %w", index, err)
	}
	rec, err := sessionstring.NewRecord(data.DC, data.AuthKey)
	if err != nil {
		return "", fmt.Errorf("stored session of account %d is unusable: %w", index, err)
	}
	keyID := rec.AuthKeyID()
	zerolog.Ctx(ctx).Debug().Int("account", index).Hex("auth_key_id", keyID[:]).Msg("Exporting session")
	return sessionstring.Encode(rec), nil
}

// SwitchAccount makes index the current account and moves the active
// connection over to it.
func (c *Connector) SwitchAccount(ctx context.Context, index int) error {
	prev, err := c.Registry.SwitchTo(ctx, index)
	if err != nil {
		return err
	}
	c.Connections.SwitchAccount(ctx, prev, index)
	return nil
}

func (c *Connector) Stop(ctx context.Context) (err error) {
	for _, sub := range c.subs {
		sub.Close()
	}
	c.subs = nil
	if c.metricsServer != nil {
		err = multierr.Append(err, c.metricsServer.Shutdown(ctx))
	}
	if c.Importer != nil {
		c.Importer.Close()
	}
	if c.Connections != nil {
		err = multierr.Append(err, c.Connections.Close())
	}
	if c.store != nil {
		err = multierr.Append(err, c.store.Close())
	}
	return
}
