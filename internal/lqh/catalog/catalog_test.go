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

package catalog

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Catalog {
	c, err := Open(t.TempDir(), log.New())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFragmentRoundTrip(t *testing.T) {
	c := open(t)

	rec := FragRecord{
		TableID: 7, FragNo: 2, Status: fragment.StatusActive, Logging: true,
		Lcp: fragment.LcpBookkeeping{NextLcpIndex: 1, MaxGCIInLcp: 42, MaxGCICompletedInLcp: 41},
	}
	require.NoError(t, c.PutFragment(rec, true))

	got, ok, err := c.GetFragment(7, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	_, ok, err = c.GetFragment(7, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadFragmentsIntoFreshRegistry(t *testing.T) {
	c := open(t)
	require.NoError(t, c.PutFragment(FragRecord{TableID: 7, FragNo: 0, Status: fragment.StatusActive, Logging: true}, true))
	require.NoError(t, c.PutFragment(FragRecord{TableID: 7, FragNo: 1, Status: fragment.StatusBlocked, Logging: true}, true))

	ops := optab.NewTable(16)
	frags := fragment.NewRegistry(ops, 8)
	require.NoError(t, c.LoadFragments(frags))

	f0, ok := frags.Lookup(7, 0)
	require.True(t, ok)
	require.Equal(t, fragment.StatusActive, f0.Status)

	f1, ok := frags.Lookup(7, 1)
	require.True(t, ok)
	require.Equal(t, fragment.StatusBlocked, f1.Status)
}

func TestMarkerRoundTripAndRemove(t *testing.T) {
	c := open(t)
	m := marker.Marker{Transid1: 10, Transid2: 0, APIRef: 5, APIOpRec: 6, TCNodeID: 3}
	require.NoError(t, c.PutMarker(m))

	markers := marker.NewTable(8)
	require.NoError(t, c.LoadMarkers(markers))
	got, ok := markers.Lookup(10, 0)
	require.True(t, ok)
	require.Equal(t, m, *got)

	require.NoError(t, c.RemoveMarker(10, 0))
	var count int
	require.NoError(t, c.ForEachMarker(func(MarkerRecord) error { count++; return nil }))
	require.Equal(t, 0, count)
}

func TestSnapshotFragmentMatchesPutFragment(t *testing.T) {
	c := open(t)
	ops := optab.NewTable(8)
	frags := fragment.NewRegistry(ops, 4)
	f, err := frags.Create(9, 0)
	require.NoError(t, err)
	f.Status = fragment.StatusActive
	f.Logging = true
	f.Lcp.MaxGCIInLcp = 17

	require.NoError(t, c.PutFragment(SnapshotFragment(f), true))
	got, ok, err := c.GetFragment(9, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(17), got.Lcp.MaxGCIInLcp)
}

func TestDumpJSONIncludesFragmentsAndMarkers(t *testing.T) {
	c := open(t)
	require.NoError(t, c.PutFragment(FragRecord{TableID: 1, FragNo: 0, Status: fragment.StatusActive}, true))
	require.NoError(t, c.PutMarker(marker.Marker{Transid1: 5, Transid2: 0, TCNodeID: 2}))

	b, err := c.DumpJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"TableID": 1`)
	require.Contains(t, string(b), `"Transid1": 5`)
}
