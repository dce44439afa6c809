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

package gcp

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/stretchr/testify/require"
)

const dihNode = 7

func newHarness(t *testing.T) (*redolog.Writer, *Coordinator, signal.Mailbox) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	disp := signal.NewDispatcher()
	box := signal.NewMailbox(4)
	disp.Register(dihNode, box)
	c := New(wr, disp, 1, log.New())
	return wr, c, box
}

// S5: GCP save with three parts idle, one active (spec.md §8 S5). Since
// storage/log writes here are synchronous trait calls (spec.md §9), a part
// is never genuinely caught ACTIVE mid-write when GCPSaveReq runs; this
// test instead forces part 3 into PartActive by hand to exercise the
// WWGL_TRUE deferral path, then simulates "part 3's writer finishes" by
// returning it to PartIdle and firing Tick, the same way a future
// asynchronous fsio peer would drive the transition.
func TestGCPSaveThreeIdleOneActive(t *testing.T) {
	wr, c, box := newHarness(t)
	wr.Parts[3].State = redolog.PartActive

	c.GCPSaveReq(dihNode, 42, 100)

	require.True(t, wr.Parts[3].WWGLTrue)
	require.Equal(t, uint32(100), wr.Parts[3].PendingGCI)
	require.Equal(t, 0, len(box)) // part 3 still outstanding, no conf yet

	// Part 3's in-flight write completes: flushPage's own WWGL_TRUE branch
	// would fire WriteCompletedGCI directly; here we return the part to
	// IDLE and let Tick's supervision pick it up, matching what a
	// genuinely asynchronous worker's completion callback would trigger.
	wr.Parts[3].State = redolog.PartIdle
	require.NoError(t, wr.WriteCompletedGCI(3, 100))
	c.Tick()

	require.Equal(t, 1, len(box))
	sig := <-box
	require.Equal(t, "GCP_SAVECONF", sig.Name)
	conf := sig.Payload.(SaveConf)
	require.Equal(t, uint32(100), conf.Gci)
	require.Equal(t, uint32(42), conf.DihPtr)
}

// A repeated request for a gci already durable and nothing in flight
// answers immediately from the stored result (spec.md §4.5: "the master
// may have failed and a new master is asking the same question").
func TestGCPSaveRepeatedSameGci(t *testing.T) {
	_, c, box := newHarness(t)

	c.GCPSaveReq(dihNode, 1, 50)
	require.Equal(t, 1, len(box))
	<-box

	c.GCPSaveReq(dihNode, 2, 50)
	require.Equal(t, 1, len(box))
	sig := <-box
	conf := sig.Payload.(SaveConf)
	require.Equal(t, uint32(2), conf.DihPtr)
	require.Equal(t, uint32(50), conf.Gci)
}

func TestGCPSaveRefusedDuringShutdown(t *testing.T) {
	_, c, box := newHarness(t)
	c.Shutdown()

	c.GCPSaveReq(dihNode, 1, 50)
	require.Equal(t, 1, len(box))
	sig := <-box
	require.Equal(t, "GCP_SAVEREF", sig.Name)
	ref := sig.Payload.(SaveRef)
	require.Error(t, ref.Err)
}
