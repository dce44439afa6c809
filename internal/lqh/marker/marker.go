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

// Package marker implements the commit-ack marker table of spec.md §3
// "Commit-ack marker": records inserted when a prepare advertises a marker
// is required, removed on REMOVE_MARKER_ORD or abort, and consulted by
// internal/lqh/takeover during TC failover so a new coordinator can
// deterministically discover whether an operation committed.
package marker

// Key identifies a marker by the transaction it belongs to.
type Key struct {
	Transid1 uint32
	Transid2 uint32
}

// Marker is a {transid1, transid2, apiRef, apiOpRec, tcNodeId} record
// (spec.md §3).
type Marker struct {
	Transid1 uint32
	Transid2 uint32
	APIRef   uint32
	APIOpRec uint32
	TCNodeID uint32
}

// Table is a fixed-capacity pool of markers indexed by Key.
type Table struct {
	byKey map[Key]*Marker
	cap   int
}

// NewTable allocates a table with the given capacity (spec.md §5: fixed
// pool, exhaustion reports ErrNoFreeMarker).
func NewTable(capacity int) *Table {
	return &Table{byKey: make(map[Key]*Marker), cap: capacity}
}

// Insert installs a marker for the given transaction, once per prepare that
// requested one.
func (t *Table) Insert(m Marker) bool {
	if len(t.byKey) >= t.cap {
		return false
	}
	k := Key{m.Transid1, m.Transid2}
	if _, exists := t.byKey[k]; exists {
		return true
	}
	cp := m
	t.byKey[k] = &cp
	return true
}

// Lookup finds the marker for a transaction, if any.
func (t *Table) Lookup(transid1, transid2 uint32) (*Marker, bool) {
	m, ok := t.byKey[Key{transid1, transid2}]
	return m, ok
}

// Remove deletes the marker for a transaction (REMOVE_MARKER_ORD or abort).
func (t *Table) Remove(transid1, transid2 uint32) {
	delete(t.byKey, Key{transid1, transid2})
}

// ForEachFromNode invokes fn for every marker whose TCNodeID matches node,
// used by takeover to report LQH_TRANSCONF(Marker) for the failed TC
// (spec.md §4.7).
func (t *Table) ForEachFromNode(node uint32, fn func(*Marker)) {
	for _, m := range t.byKey {
		if m.TCNodeID == node {
			fn(m)
		}
	}
}

// Len reports the current marker count.
func (t *Table) Len() int { return len(t.byKey) }
