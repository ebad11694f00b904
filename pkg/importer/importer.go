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

// Package importer drives the import of a session string into a free account
// slot: the string is decoded, a slot is claimed, the slot's connection is
// seeded with the imported key and started, and the attempt finishes once the
// server confirms which user the key belongs to.
//
// Engines that don't implement connection.CredentialSeeder can't adopt an
// imported key. Imports on such engines never see a confirmation and always
// fail with ErrTimeout. This is logged as a warning on every attempt and is
// not retried.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"go.mau.fi/tgimport/pkg/accounts"
	"go.mau.fi/tgimport/pkg/connection"
	"go.mau.fi/tgimport/pkg/dispatch"
	"go.mau.fi/tgimport/pkg/notify"
	"go.mau.fi/tgimport/pkg/sessionstring"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrInvalidSession = sessionstring.ErrInvalidSession
	ErrNoFreeSlot     = accounts.ErrNoFreeSlot
	ErrInvalidInput   = connection.ErrInvalidInput
	ErrTimeout        = errors.New("import timed out waiting for confirmation")
	ErrConnection     = errors.New("connection failed")
	ErrInternal       = errors.New("internal error")
)

type Options struct {
	// Timeout is how long to wait for the server to confirm the imported
	// session. Defaults to DefaultTimeout.
	Timeout time.Duration
	// UI runs the result callbacks. Defaults to a dedicated queue.
	UI dispatch.Executor
	// Registerer receives the import metrics. Metrics aren't registered
	// anywhere if it's nil.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
}

type Importer struct {
	registry *accounts.Registry
	conns    *connection.Manager
	bus      *notify.Bus
	log      zerolog.Logger

	worker  *dispatch.Queue
	ui      dispatch.Executor
	ownUI   *dispatch.Queue
	timeout time.Duration
	metrics *metrics
	tracer  trace.Tracer

	nextID atomic.Int64
}

func New(registry *accounts.Registry, conns *connection.Manager, bus *notify.Bus, log zerolog.Logger, opts Options) *Importer {
	log = log.With().Str("component", "importer").Logger()
	imp := &Importer{
		registry: registry,
		conns:    conns,
		bus:      bus,
		log:      log,
		worker:   dispatch.NewQueue("import_worker", log),
		ui:       opts.UI,
		timeout:  opts.Timeout,
		metrics:  newMetrics(opts.Registerer),
	}
	if imp.timeout <= 0 {
		imp.timeout = DefaultTimeout
	}
	if imp.ui == nil {
		imp.ownUI = dispatch.NewQueue("import_ui", log)
		imp.ui = imp.ownUI
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	imp.tracer = tp.Tracer("go.mau.fi/tgimport/pkg/importer")
	return imp
}

// Import starts importing a session string and returns immediately. Exactly
// one of the callbacks is called once the attempt finishes.
func (imp *Importer) Import(ctx context.Context, sessionString string, callbacks Callbacks) *Attempt {
	a := imp.newAttempt(ctx, callbacks)
	if !imp.worker.Post(func() { a.run(sessionString) }) {
		a.finish(StateFailed, Result{}, fmt.Errorf("%w: importer is closed", ErrInternal))
	}
	return a
}

// Close waits for queued work to finish and stops the importer's queues.
// Attempts that are still waiting for confirmation are not finished.
func (imp *Importer) Close() {
	imp.worker.Stop()
	if imp.ownUI != nil {
		imp.ownUI.Stop()
	}
}
