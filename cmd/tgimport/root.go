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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.mau.fi/tgimport/pkg/config"
	"go.mau.fi/tgimport/pkg/connector"
)

type app struct {
	configPath string
	conn       *connector.Connector
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "tgimport",
		Short:         "Import Telegram session strings into account slots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to the config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(a),
		newImportCmd(a),
		newAccountsCmd(a),
		newLogoutCmd(a),
		newSwitchCmd(a),
		newExportCmd(a),
	)
	return rootCmd
}

// open loads the config and the account slots without connecting to
// Telegram.
func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	} else if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	ctx := log.WithContext(cmd.Context())
	cmd.SetContext(ctx)

	a.conn = connector.NewConnector(cfg, *log)
	if err = a.conn.Init(); err != nil {
		return err
	} else if err = a.conn.Load(ctx); err != nil {
		_ = a.conn.Stop(ctx)
		return err
	}
	return nil
}

// start opens the connector and reconnects every confirmed account.
func (a *app) start(cmd *cobra.Command) error {
	if err := a.open(cmd); err != nil {
		return err
	} else if err = a.conn.Start(cmd.Context()); err != nil {
		_ = a.conn.Stop(cmd.Context())
		return err
	}
	return nil
}

func (a *app) stop() error {
	if a.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.conn.Stop(ctx)
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep all accounts connected until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			if err := a.start(cmd); err != nil {
				return err
			}
			<-ctx.Done()
			return a.stop()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tgimport %s (tag %s, commit %s, built at %s)\n", Version, Tag, Commit, BuildTime)
		},
	}
}
