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

package opstate

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage/memstore"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T) (*Machine, *redolog.Writer, *fragment.Fragment) {
	t.Helper()
	ops := optab.NewTable(64)
	frags := fragment.NewRegistry(ops, 8)
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())
	store := memstore.New()
	acc := memstore.NewACC(store)
	tup := memstore.NewTUP(store)
	markers := marker.NewTable(16)
	disp := signal.NewDispatcher()

	f, err := frags.Create(7, 0)
	require.NoError(t, err)
	f.Status = fragment.StatusActive
	f.Logging = true

	m := New(ops, frags, wr, acc, tup, markers, disp, 1, log.New())
	return m, wr, f
}

// S1: prepare+commit single-replica (spec.md §8 S1).
func TestPrepareCommitSingleReplica(t *testing.T) {
	m, wr, _ := newMachine(t)

	key := []uint32{0xA, 0xB, 0xC}
	attr := []uint32{0x57, 0x58, 0x59, 0x5A, 0x56}
	req := KeyReq{
		TCRef: 77, TableID: 7, FragID: 0,
		Transid1: 0x100, Transid2: 0x200,
		Key: key, Attr: attr, Kind: optab.KindInsert,
		HashValue: 0x1234,
	}
	require.Equal(t, 0, redolog.PartFor(req.HashValue))

	conf, ref := m.Prepare(req)
	require.Nil(t, ref)
	require.NotNil(t, conf)
	require.Equal(t, uint32(77), conf.TCRef)
	require.Equal(t, 0, conf.ReadLen)

	op := m.Ops.Get(conf.OpID)
	require.Equal(t, optab.StatePrepared, op.State)
	require.Equal(t, optab.LogWritten, op.LogWrite)

	part := wr.Parts[0]
	wantWords := uint32(logpage.HeaderWords + logpage.PrepHeadWords + len(key) + len(attr))
	require.Equal(t, wantWords, part.Pages.Get(part.CurrentPage).CurrPageIndex())

	require.NoError(t, m.Commit(req.Transid1, req.Transid2, req.TCRef, 42))
	require.Equal(t, optab.StateCommitted, op.State)
	_, found := m.Ops.Lookup(req.Transid1, req.Transid2, req.TCRef)
	require.False(t, found)
}

// S2: prepare with tail-pressure rejection (spec.md §8 S2).
func TestPrepareTailPressureRejected(t *testing.T) {
	m, wr, _ := newMachine(t)

	part := wr.Parts[0]
	// Force the next mbyte boundary to coincide with the part's own tail
	// and leave almost no room in the current page, so the very next
	// prepare must cross a mbyte boundary that would hit the tail.
	part.Tail.FileNo = 0
	part.Tail.Mbyte = 1
	pg := part.Pages.Get(part.CurrentPage)
	pg.SetCurrPageIndex(uint32(logpage.PageWords - 10))
	before := pg.CurrPageIndex()

	req := KeyReq{
		TCRef: 88, TableID: 7, FragID: 0,
		Transid1: 0x300, Transid2: 0x400,
		Key: []uint32{1, 2, 3}, Attr: []uint32{1, 2, 3, 4, 5},
		Kind: optab.KindInsert, HashValue: 0x1234,
	}

	conf, ref := m.Prepare(req)
	require.Nil(t, conf)
	require.NotNil(t, ref)
	require.True(t, errors.Is(ref.Err, lqherr.ErrTailProblem))

	require.Equal(t, redolog.PartTailProblem, part.State)
	require.Equal(t, before, pg.CurrPageIndex(), "no log words should have been appended")

	_, found := m.Ops.Lookup(req.Transid1, req.Transid2, req.TCRef)
	require.False(t, found)
}
