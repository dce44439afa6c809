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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/timer"
	"github.com/stretchr/testify/require"
)

func TestStepDispatchesRegisteredHandler(t *testing.T) {
	inbox := signal.NewMailbox(4)
	l := NewLoop(inbox, log.New())

	var got signal.Signal
	l.RegisterHandler("LQHKEYREQ", func(sig signal.Signal) error {
		got = sig
		return nil
	})

	inbox <- signal.Signal{Name: "LQHKEYREQ", Payload: 7}
	require.True(t, l.Step())
	require.Equal(t, 7, got.Payload)
}

func TestStepIgnoresUnregisteredSignal(t *testing.T) {
	inbox := signal.NewMailbox(4)
	l := NewLoop(inbox, log.New())
	inbox <- signal.Signal{Name: "UNKNOWN_SIG"}
	require.True(t, l.Step()) // did work (consumed the signal), but no crash
	require.False(t, l.Step()) // inbox now empty, nothing due
}

func TestContinuationsFireInDeadlineOrder(t *testing.T) {
	inbox := signal.NewMailbox(4)
	l := NewLoop(inbox, log.New())

	var order []uint32
	l.RegisterContinuation(timer.CodeFlushSupervision, func(arg uint32) { order = append(order, arg) })

	l.Wheel.Schedule(5, timer.CodeFlushSupervision, 2)
	l.Wheel.Schedule(1, timer.CodeFlushSupervision, 1)
	l.Wheel.Schedule(3, timer.CodeFlushSupervision, 3)

	l.tick = 10 // advance the logical clock past every scheduled deadline
	require.True(t, l.Step())
	require.Equal(t, []uint32{1, 3, 2}, order)
	require.False(t, l.Step()) // wheel drained, inbox empty
}

func TestRunStopsOnContextCancel(t *testing.T) {
	inbox := signal.NewMailbox(4)
	l := NewLoop(inbox, log.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
