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

package takeover

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/opstate"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage/memstore"
	"github.com/stretchr/testify/require"
)

const (
	failedNode = 77
	dihNode    = 5
	newTcNode  = 88
)

func newHarness(t *testing.T) (*opstate.Machine, *Coordinator, signal.Mailbox) {
	ops := optab.NewTable(64)
	frags := fragment.NewRegistry(ops, 8)
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	store := memstore.New()
	acc := memstore.NewACC(store)
	tup := memstore.NewTUP(store)
	markers := marker.NewTable(16)
	disp := signal.NewDispatcher()
	newTcBox := signal.NewMailbox(16)
	disp.Register(newTcNode, newTcBox)
	dihBox := signal.NewMailbox(4)
	disp.Register(dihNode, dihBox)

	m := opstate.New(ops, frags, wr, acc, tup, markers, disp, 1, log.New())
	c := New(ops, m, markers, disp, 1, dihNode, log.New())

	f, err := frags.Create(7, 0)
	require.NoError(t, err)
	f.Status = fragment.StatusActive
	f.Logging = true

	return m, c, newTcBox
}

func prepOne(t *testing.T, m *opstate.Machine, transid1 uint32, markerReq bool) {
	conf, ref := m.Prepare(opstate.KeyReq{
		TCRef: transid1, TCNodeID: failedNode, TableID: 7, FragID: 0,
		Transid1: transid1, Transid2: 0,
		Key: []uint32{transid1}, Attr: []uint32{1, 2, 3},
		Kind: optab.KindInsert, HashValue: transid1,
		MarkerRequired: markerReq,
	})
	require.Nil(t, ref)
	require.NotNil(t, conf)
}

// S6: node failover of TC (spec.md §8 S6). Ops O4..O9 have tcBlockref on
// the failed node; a marker left by an already-committed-and-released
// transaction also references it. Expect one LQH_TRANSCONF per live op
// (Prepared), one LQH_TRANSCONF(Marker), and a terminating LastTransConf;
// markers reported after ops, before LastTransConf; a second LQH_TRANSREQ
// does not crash.
func TestNodeFailoverReportsOpsMarkersAndTerminator(t *testing.T) {
	m, c, box := newHarness(t)

	for transid1 := uint32(4); transid1 <= 9; transid1++ {
		prepOne(t, m, transid1, false)
	}

	// A transaction that already committed and released, but whose marker
	// is still pending ack (spec.md §3 "Commit-ack marker").
	prepOne(t, m, 10, true)
	require.NoError(t, m.Commit(10, 0, 10, 100))

	c.NodeFailRep(failedNode)
	require.True(t, c.IsDown(failedNode))

	c.LQHTransReq(123, newTcNode, failedNode)

	require.Equal(t, 8, len(box)) // 6 prepared ops + 1 marker + LastTransConf

	var sawMarker, sawLast bool
	preparedCount := 0
	for i := 0; i < 8; i++ {
		sig := <-box
		require.Equal(t, "LQH_TRANSCONF", sig.Name)
		conf := sig.Payload.(TransConf)
		switch {
		case conf.Phase == PhaseLastTransConf:
			require.False(t, sawLast, "LastTransConf must be the terminal record")
			require.Equal(t, 7, i, "LastTransConf must be the final record")
			sawLast = true
		case conf.Phase == PhaseMarker:
			require.NotNil(t, conf.Marker)
			require.Equal(t, uint32(10), conf.Marker.Transid1)
			sawMarker = true
		case conf.Phase == PhasePrepared:
			require.False(t, sawMarker, "ops must be reported before markers")
			preparedCount++
		}
	}
	require.Equal(t, 6, preparedCount)
	require.True(t, sawMarker)
	require.True(t, sawLast)

	// A second scan must not crash and still terminates cleanly: no live ops
	// remain, but the marker is still pending (only REMOVE_MARKER_ORD or an
	// abort removes it), so it is reported again before LastTransConf.
	c.LQHTransReq(124, newTcNode, failedNode)
	require.Equal(t, 2, len(box))
	sig := <-box
	conf := sig.Payload.(TransConf)
	require.Equal(t, PhaseMarker, conf.Phase)
	require.Equal(t, uint32(10), conf.Marker.Transid1)
	sig = <-box
	conf = sig.Payload.(TransConf)
	require.Equal(t, PhaseLastTransConf, conf.Phase)
}

func TestNodeFailRepNotifiesDIH(t *testing.T) {
	_, c, _ := newHarness(t)
	disp := c.Dispatch
	dihBox := signal.NewMailbox(4)
	disp.Register(c.DIHNode, dihBox)

	c.NodeFailRep(failedNode)
	require.Equal(t, 1, len(dihBox))
	sig := <-dihBox
	require.Equal(t, "NF_COMPLETEREP", sig.Name)
	rep := sig.Payload.(NFCompleteRep)
	require.Equal(t, uint32(failedNode), rep.FailedNode)
}
