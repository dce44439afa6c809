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

package restart

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/replay"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
	"github.com/ndbrepo/lqhd/internal/lqh/storage/memstore"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T, wr *redolog.Writer) (*Orchestrator, storage.KeyIndex, storage.RowStore) {
	ops := optab.NewTable(64)
	store := memstore.New()
	acc := memstore.NewACC(store)
	tup := memstore.NewTUP(store)
	disp := signal.NewDispatcher()
	o := New(ops, acc, tup, wr, disp, 1, log.New())
	return o, acc, tup
}

func TestInitialStartSkipsReplay(t *testing.T) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	o, _, _ := newOrchestrator(t, wr)

	require.NoError(t, o.Phase1())
	require.NoError(t, o.Phase2())
	require.NoError(t, o.Phase3(StartInitial))

	called := false
	conf, err := o.Phase4(RecReq{}, nil, func(replay.Reconstructed) error { called = true; return nil })
	require.NoError(t, err)
	require.Equal(t, uint32(1), conf.NodeID)
	require.False(t, called)
}

func TestPhasesOutOfOrderRejected(t *testing.T) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	o, _, _ := newOrchestrator(t, wr)
	require.Error(t, o.Phase2()) // phase 1 not yet run
}

// CFG_DB_DISCLESS forces the StartInitial short-circuit even on a
// requested system restart, since a diskless node has nothing durable to
// replay.
func TestDisklessSkipsReplayOnSystemRestart(t *testing.T) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	o, _, _ := newOrchestrator(t, wr)
	o.Diskless = true

	require.NoError(t, o.Phase1())
	require.NoError(t, o.Phase2())
	require.NoError(t, o.Phase3(StartSystemRestart))

	called := false
	conf, err := o.Phase4(RecReq{}, []FragWaiting{{TableID: 7, FragID: 0}}, func(replay.Reconstructed) error { called = true; return nil })
	require.NoError(t, err)
	require.Equal(t, uint32(1), conf.NodeID)
	require.False(t, called)
}

// System restart: part 0 holds a committed insert; every part has a
// COMPLETED_GCI(42) record (as a real GCP_SAVEREQ would have written into
// all four, via internal/lqh/gcp). Phase4 must replay it and reach
// START_RECCONF.
func TestSystemRestartReplaysCommittedInsert(t *testing.T) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())

	key := []uint32{1, 2, 3}
	attr := []uint32{9, 9, 9}
	prep, err := wr.WritePrepare(0, 0x99, uint32(optab.KindInsert), key, attr)
	require.NoError(t, err)
	require.NoError(t, wr.WriteCommit(0, 7, 1, 0, prep, 42))
	require.NoError(t, wr.WriteCompletedGCI(0, 42))
	for part := 1; part < redolog.NumLogParts; part++ {
		require.NoError(t, wr.WriteCompletedGCI(part, 42))
	}

	o, _, tup := newOrchestrator(t, wr)
	require.NoError(t, o.Phase1())
	require.NoError(t, o.Phase2())
	require.NoError(t, o.Phase3(StartNodeRestart))

	var delivered []replay.Reconstructed
	deliver := func(rec replay.Reconstructed) error {
		delivered = append(delivered, rec)
		slot, err := tup.Seize(rec.FragID)
		if err != nil {
			return err
		}
		reply := tup.SRReq(rec.FragID, storage.RowRequest{TableID: rec.TableID, FragID: rec.FragID, Slot: slot, Kind: rec.Kind, Key: rec.Key, Attr: rec.Attr})
		return reply.Err
	}

	frags := []FragWaiting{{TableID: 7, FragID: 0, Range: replay.FragRange{StartGci: 0, LastGci: 42}}}
	conf, err := o.Phase4(RecReq{LastCompletedGci: 42, NewestGci: 42}, frags, deliver)
	require.NoError(t, err)
	require.Equal(t, uint32(1), conf.NodeID)
	require.Len(t, delivered, 1)
	require.Equal(t, key, delivered[0].Key)
}
