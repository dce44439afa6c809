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

package redolog

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/stretchr/testify/require"
)

// A page written by a live Writer and then reloaded by LoadFromDisk from a
// brand new process (no resident Part.History at all) must decode to the
// same content: this is cmd/lqhctl's whole premise.
func TestLoadFromDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wr := NewWriter(dir, 4, 16, log.New())

	key := []uint32{0xA, 0xB, 0xC}
	attr := []uint32{0x57, 0x58, 0x59, 0x5A, 0x56}
	prep, err := wr.WritePrepare(0, 0x1234, uint32(optab.KindInsert), key, attr)
	require.NoError(t, err)
	require.NoError(t, wr.WriteCommit(0, 7, 1, 0, prep, 42))
	require.NoError(t, wr.WriteCompletedGCI(0, 42))

	p, locs, worker, err := LoadFromDisk(dir, 0, 4, PagesPerFile*4+1, log.New())
	require.NoError(t, err)
	defer worker.Close()

	require.NotEmpty(t, p.History)
	require.Equal(t, len(p.History), len(locs))

	pg := p.Pages.Get(p.History[0])
	require.NoError(t, pg.VerifyChecksum())
	require.Equal(t, logpage.RecPrepOp, int(pg.Words[logpage.HeaderWords]))
}

func TestLoadFromDiskEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	p, locs, worker, err := LoadFromDisk(dir, 0, 2, 64, log.New())
	require.NoError(t, err)
	defer worker.Close()
	require.Empty(t, p.History)
	require.Empty(t, locs)
}
