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
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"go.mau.fi/tgimport/pkg/humanise"
)

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import [session-string]",
		Short: "Import a session string into a free account slot",
		Long:  "Import a session string into a free account slot. The string is read from stdin if it isn't given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var sessionString string
			if len(args) > 0 && args[0] != "-" {
				sessionString = args[0]
			} else {
				sessionString, err = bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && sessionString == "" {
					return fmt.Errorf("failed to read session string: %w", err)
				}
			}
			if err = a.open(cmd); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.stop())
			}()

			res, err := a.conn.Import(cmd.Context(), strings.TrimSpace(sessionString))
			if err != nil {
				return errors.New(humanise.Error(err))
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported user %d into slot %d (DC %d)\n", res.UserID, res.Slot, res.DC)
			return nil
		},
	}
}

func newAccountsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List account slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if err = a.open(cmd); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.stop())
			}()
			current := a.conn.Registry.CurrentAccount()
			for _, slot := range a.conn.Registry.Slots() {
				marker := " "
				if slot.Index == current {
					marker = "*"
				}
				status := "free"
				if slot.Confirmed() {
					status = fmt.Sprintf("user %d", slot.UserID)
				} else if slot.PendingImport {
					status = "pending import"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d\t%s\n", marker, slot.Index, status)
			}
			return nil
		},
	}
}

func parseSlot(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q: %w", arg, err)
	}
	return index, nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <slot>",
		Short: "Log out an account and free its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			index, err := parseSlot(args[0])
			if err != nil {
				return err
			}
			if err = a.open(cmd); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.stop())
			}()
			if err = a.conn.Logout(cmd.Context(), index); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged out slot %d\n", index)
			return nil
		},
	}
}

func newSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <slot>",
		Short: "Make an account the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			index, err := parseSlot(args[0])
			if err != nil {
				return err
			}
			if err = a.open(cmd); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.stop())
			}()
			return a.conn.SwitchAccount(cmd.Context(), index)
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <slot>",
		Short: "Print the session string of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			index, err := parseSlot(args[0])
			if err != nil {
				return err
			}
			if err = a.open(cmd); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, a.stop())
			}()
			sessionString, err := a.conn.ExportSession(cmd.Context(), index)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sessionString)
			return nil
		},
	}
}
