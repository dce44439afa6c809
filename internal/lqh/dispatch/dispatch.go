// Copyright 2024 The lqhd Authors
// This file is part of the lqhd library.
//
// The lqhd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lqhd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lqhd library. If not, see <http://www.gnu.org/licenses/>.

// Package dispatch implements the single-threaded, run-to-completion
// event loop of spec.md §5 and §9: one inbound signal is processed fully
// before the next is looked at, continuations scheduled via CONTINUEB
// (internal/lqh/timer) are drained ahead of fresh mailbox traffic, and
// the loop itself never suspends between signals. The only concurrency in
// the process lives outside this loop — the per-log-part internal/lqh/fsio
// workers and the metrics/HTTP server — and neither posts to the loop's
// mailbox: an fsio reply goes straight back to the blocked
// fsio.Worker.Submit caller, and the HTTP server only reads metrics and
// the catalog.
package dispatch

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/timer"
)

// Handler processes one signal to completion. A handler must never block;
// anything it cannot finish inline schedules a CONTINUEB via the Loop's
// Wheel instead (spec.md §5).
type Handler func(signal.Signal) error

// Continuation resumes one CONTINUEB entry.
type Continuation func(arg uint32)

// Loop ties one node's inbox, its CONTINUEB wheel and the registered
// signal/continuation handlers together (spec.md §9: "one struct of
// subsystems, no singletons").
type Loop struct {
	Inbox signal.Mailbox
	Wheel *timer.Wheel

	handlers      map[string]Handler
	continuations map[timer.Code]Continuation

	logger log.Logger
	tick   int64

	mDispatched metrics.Counter
	mContinued  metrics.Counter
	mUnhandled  metrics.Counter
}

// NewLoop builds a loop reading from inbox.
func NewLoop(inbox signal.Mailbox, logger log.Logger) *Loop {
	return &Loop{
		Inbox:         inbox,
		Wheel:         timer.NewWheel(),
		handlers:      make(map[string]Handler),
		continuations: make(map[timer.Code]Continuation),
		logger:        logger,
		mDispatched:   metrics.NewRegisteredCounter("lqh/dispatch/signals", nil),
		mContinued:    metrics.NewRegisteredCounter("lqh/dispatch/continuations", nil),
		mUnhandled:    metrics.NewRegisteredCounter("lqh/dispatch/unhandled", nil),
	}
}

// RegisterHandler binds a signal name to the handler that processes it.
// Only one handler per name; registering twice replaces the first,
// matching block installation in the source (the last registrar wins).
func (l *Loop) RegisterHandler(name string, h Handler) {
	l.handlers[name] = h
}

// RegisterContinuation binds a CONTINUEB code to its resume function.
func (l *Loop) RegisterContinuation(code timer.Code, c Continuation) {
	l.continuations[code] = c
}

// Tick returns the loop's logical clock, the unit Wheel deadlines are
// expressed in (spec.md §9: CONTINUEB deadlines are a logical tick count
// owned by the loop, not wall-clock time).
func (l *Loop) Tick() int64 { return l.tick }

// Step drains every CONTINUEB entry already due, then processes at most
// one pending inbound signal, and reports whether it did any work at all.
// An unhandled signal name or continuation code is logged and dropped —
// spec.md §7's "stale signals are discarded with a warning, never a
// crash" generalizes to "no handler registered for this name" the same
// way it covers a stale transid.
func (l *Loop) Step() bool {
	did := false
	for l.Wheel.Ready(l.tick) {
		e := l.Wheel.Pop()
		if c, ok := l.continuations[e.Code]; ok {
			c(e.Arg)
			l.mContinued.Inc(1)
		} else {
			l.logger.Warn("dispatch: no continuation registered", "code", e.Code)
			l.mUnhandled.Inc(1)
		}
		did = true
	}

	select {
	case sig := <-l.Inbox:
		if h, ok := l.handlers[sig.Name]; ok {
			if err := h(sig); err != nil {
				l.logger.Warn("dispatch: handler returned error", "signal", sig.Name, "err", err)
			}
		} else {
			l.logger.Warn("dispatch: no handler registered", "signal", sig.Name)
			l.mUnhandled.Inc(1)
		}
		l.mDispatched.Inc(1)
		did = true
	default:
	}

	return did
}

// Run drives Step until ctx is cancelled, advancing the logical clock by
// one whenever an iteration finds no work — the loop's only notion of
// elapsed time, used purely to make Wheel deadlines progress (spec.md §9
// does not require wall-clock fidelity for CONTINUEB, only that a
// scheduled continuation eventually fires after everything ahead of it
// has drained).
func (l *Loop) Run(ctx context.Context, idle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !l.Step() {
			l.tick++
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
	}
}
