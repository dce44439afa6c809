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

package replay

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
	"github.com/ndbrepo/lqhd/internal/lqh/storage/memstore"
	"github.com/stretchr/testify/require"
)

// S3: replay of a committed insert (spec.md §8 S3).
func TestReplayCommittedInsert(t *testing.T) {
	wr := redolog.NewWriter(t.TempDir(), 4, 16, log.New())

	key := []uint32{0xA, 0xB, 0xC}
	attr := []uint32{0x57, 0x58, 0x59, 0x5A, 0x56}
	prep, err := wr.WritePrepare(0, 0x1234, uint32(optab.KindInsert), key, attr)
	require.NoError(t, err)
	require.NoError(t, wr.WriteCommit(0, 7, 1, 0, prep, 42))
	require.NoError(t, wr.WriteCompletedGCI(0, 42))

	store := memstore.New()
	tup := memstore.NewTUP(store)
	acc := memstore.NewACC(store)

	var delivered *Reconstructed
	deliver := func(rec Reconstructed) error {
		cp := rec
		delivered = &cp
		slot, err := tup.Seize(rec.FragID)
		if err != nil {
			return err
		}
		reply := tup.SRReq(rec.FragID, storage.RowRequest{TableID: rec.TableID, FragID: rec.FragID, Slot: slot, Kind: rec.Kind, Key: rec.Key, Attr: rec.Attr})
		if reply.Err != nil {
			return reply.Err
		}
		return nil
	}

	bounds := ComputeBounds([]FragRange{{StartGci: 0, LastGci: 42}})
	frags := NewFragSet(map[[2]uint32]FragRange{{7, 0}: {StartGci: 0, LastGci: 42}})
	require.NoError(t, Run(Source{Part: wr.Parts[0]}, bounds, frags, deliver, log.New()))

	require.NotNil(t, delivered)
	require.Equal(t, uint32(7), delivered.TableID)
	require.Equal(t, uint32(0), delivered.FragID)
	require.Equal(t, optab.KindInsert, delivered.Kind)
	require.Equal(t, key, delivered.Key)
	require.Equal(t, attr, delivered.Attr)

	got := acc.KeyReq(storage.KeyRequest{TableID: 7, FragID: 0, Key: key, Kind: optab.KindRead})
	require.True(t, got.Found)
}

func TestComputeBoundsMultiFragment(t *testing.T) {
	b := ComputeBounds([]FragRange{{StartGci: 10, LastGci: 42}, {StartGci: 5, LastGci: 30}})
	require.Equal(t, uint32(5), b.LogStartGci)
	require.Equal(t, uint32(42), b.LogLastGci)
}
