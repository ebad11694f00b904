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

package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.mau.fi/tgimport/pkg/accounts"
	"go.mau.fi/tgimport/pkg/connection"
	"go.mau.fi/tgimport/pkg/notify"
	"go.mau.fi/tgimport/pkg/sessionstring"
)

type State int

const (
	StateIdle State = iota
	StateDecoding
	StateSlotAllocation
	StateConfiguring
	StateAwaitingConfirmation
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateSlotAllocation:
		return "slot_allocation"
	case StateConfiguring:
		return "configuring"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

type Result struct {
	Slot   int
	UserID int64
	DC     int
}

type Callbacks struct {
	OnSuccess func(Result)
	OnFailure func(error)
}

// Attempt is a single import. Its state machine only advances on the
// importer's worker queue.
type Attempt struct {
	imp       *Importer
	ctx       context.Context
	log       zerolog.Logger
	span      trace.Span
	callbacks Callbacks
	started   time.Time

	lock   sync.Mutex
	state  State
	slot   int
	dc     int
	conn   *connection.Context
	sub    *notify.Subscription
	task   *connection.Task
	timer  *time.Timer
	result Result
	err    error
	done   chan struct{}
}

func (imp *Importer) newAttempt(ctx context.Context, callbacks Callbacks) *Attempt {
	id := imp.nextID.Inc()
	log := imp.log.With().Int64("attempt_id", id).Logger()
	ctx, span := imp.tracer.Start(context.WithoutCancel(ctx), "importer.Import",
		trace.WithAttributes(attribute.Int64("tgimport.attempt_id", id)))
	return &Attempt{
		imp:       imp,
		ctx:       log.WithContext(ctx),
		log:       log,
		span:      span,
		callbacks: callbacks,
		started:   time.Now(),
		slot:      -1,
		done:      make(chan struct{}),
	}
}

func (a *Attempt) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Slot returns the claimed slot index, or -1 if no slot has been claimed.
func (a *Attempt) Slot() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.slot
}

// Wait blocks until the attempt has finished and its callback has run.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.result, a.err
}

func (a *Attempt) setState(state State) {
	a.lock.Lock()
	old := a.state
	a.state = state
	a.lock.Unlock()
	a.log.Trace().Stringer("old_state", old).Stringer("new_state", state).Msg("Import state changed")
}

func (a *Attempt) run(sessionString string) {
	a.setState(StateDecoding)
	rec, err := sessionstring.Decode(sessionString)
	if err != nil {
		a.log.Debug().Err(err).Msg("Failed to decode session string")
		a.finish(StateFailed, Result{}, err)
		return
	}
	a.dc = rec.DC
	a.span.SetAttributes(attribute.Int("tgimport.dc_id", rec.DC))

	a.setState(StateSlotAllocation)
	index, err := a.imp.registry.ClaimFree(a.ctx)
	if errors.Is(err, accounts.ErrNoFreeSlot) {
		a.log.Debug().Msg("No free account slot for import")
		a.finish(StateFailed, Result{}, ErrNoFreeSlot)
		return
	} else if err != nil {
		a.log.Err(err).Msg("Failed to claim account slot")
		a.finish(StateFailed, Result{}, fmt.Errorf("%w: %w", ErrInternal, err))
		return
	}

	a.setState(StateConfiguring)
	a.lock.Lock()
	a.slot = index
	a.lock.Unlock()
	a.log = a.log.With().Int("slot", index).Logger()
	a.span.SetAttributes(attribute.Int("tgimport.slot", index))

	a.conn, err = a.imp.conns.Get(index)
	if err != nil {
		a.abort(fmt.Errorf("%w: %w", ErrInternal, err))
		return
	}
	if !a.conn.SupportsCustomAuth() {
		a.log.Warn().Msg("Connection engine can't adopt imported keys, the import will time out")
	}
	a.sub = a.imp.bus.Subscribe(index, a.onEvent, notify.EventIdentityConfirmed, notify.EventConnectionError)
	if err = a.conn.ConfigureCustomAuth(rec.DC, rec.AuthKey[:]); err != nil {
		a.log.Error().Err(err).Msg("Connection rejected imported credentials")
		a.abort(err)
		return
	}
	a.task = a.conn.Initialize(a.ctx)
	go a.watchTask(a.task)

	a.setState(StateAwaitingConfirmation)
	a.timer = time.AfterFunc(a.imp.timeout, func() {
		a.imp.worker.Post(func() {
			a.failAwaiting(ErrTimeout)
		})
	})
	a.log.Debug().Int("dc_id", rec.DC).Msg("Waiting for import confirmation")
}

func (a *Attempt) watchTask(task *connection.Task) {
	err := task.Wait(context.Background())
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	a.imp.worker.Post(func() {
		a.failAwaiting(fmt.Errorf("%w: %w", ErrConnection, err))
	})
}

func (a *Attempt) onEvent(evt notify.Event) {
	switch evt.Kind {
	case notify.EventIdentityConfirmed:
		userID := evt.Payload.(notify.IdentityConfirmed).UserID
		a.imp.worker.Post(func() {
			a.succeed(userID)
		})
	case notify.EventConnectionError:
		err, _ := evt.Payload.(error)
		if err == nil {
			err = errors.New("unknown error")
		}
		a.imp.worker.Post(func() {
			a.failAwaiting(fmt.Errorf("%w: %w", ErrConnection, err))
		})
	}
}

func (a *Attempt) succeed(userID int64) {
	if a.State() != StateAwaitingConfirmation {
		return
	}
	a.timer.Stop()
	if err := a.imp.registry.ConfirmActivation(a.ctx, a.slot, userID); err != nil {
		a.log.Err(err).Msg("Failed to confirm activation")
		a.abort(fmt.Errorf("%w: %w", ErrInternal, err))
		return
	}
	a.conn.SetUserID(userID)
	a.log.Info().Int64("user_id", userID).Msg("Session imported")
	a.finish(StateSucceeded, Result{Slot: a.slot, UserID: userID, DC: a.dc}, nil)
}

func (a *Attempt) failAwaiting(err error) {
	if a.State() != StateAwaitingConfirmation {
		return
	}
	a.log.Warn().Err(err).Msg("Import failed")
	a.abort(err)
}

// abort undoes everything done since the slot was claimed and fails the
// attempt.
func (a *Attempt) abort(err error) {
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.task != nil {
		a.task.Cancel()
	}
	if releaseErr := a.imp.registry.ReleaseFailedImport(a.ctx, a.slot); releaseErr != nil {
		a.log.Err(releaseErr).Msg("Failed to release slot of failed import")
	}
	a.finish(StateFailed, Result{}, err)
}

func (a *Attempt) finish(state State, result Result, err error) {
	if a.sub != nil {
		a.sub.Close()
	}
	a.lock.Lock()
	a.state = state
	a.result = result
	a.err = err
	a.lock.Unlock()

	a.imp.metrics.observe(err, time.Since(a.started))
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	} else {
		a.span.SetStatus(codes.Ok, "")
	}
	a.span.End()

	deliver := func() {
		defer close(a.done)
		if err != nil {
			if a.callbacks.OnFailure != nil {
				a.callbacks.OnFailure(err)
			}
		} else if a.callbacks.OnSuccess != nil {
			a.callbacks.OnSuccess(result)
		}
	}
	if !a.imp.ui.Post(deliver) {
		a.log.Warn().
			AnErr("import_error", err).
			Int64("user_id", result.UserID).
			Msg("UI executor is stopped, dropping import callback")
		close(a.done)
	}
}
