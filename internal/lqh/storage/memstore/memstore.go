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

// Package memstore is a minimal in-memory implementation of
// internal/lqh/storage's KeyIndex and RowStore, sufficient to drive the
// end-to-end scenarios of spec.md §8 in tests. It is explicitly a
// test/demo collaborator (SPEC_FULL.md §4.8), never a production storage
// engine — no durability, no concurrency control beyond a mutex.
//
// A single Store backs two thin adapters, ACC and TUP, because the real
// ACC and TUP contracts both declare a KeyReq/Seize/Commit/Abort surface
// with different payload types — one Go type cannot implement both
// method sets under the same method name, so the adapters exist purely
// to give each contract its own method identity over shared row data.
package memstore

import (
	"fmt"
	"sync"

	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
)

type row struct {
	key  []uint32
	attr []uint32
	live bool
}

// Store is the shared in-memory fragment-keyed row data behind both the
// ACC and TUP adapters, keyed by (fragID, key-words joined).
type Store struct {
	mu       sync.Mutex
	rows     map[uint32]map[string]uint32 // fragID -> keyString -> slot
	slots    map[uint32]map[uint32]*row    // fragID -> slot -> row
	nextSlot map[uint32]uint32
}

// New builds an empty store.
func New() *Store {
	return &Store{
		rows:     make(map[uint32]map[string]uint32),
		slots:    make(map[uint32]map[uint32]*row),
		nextSlot: make(map[uint32]uint32),
	}
}

func keyString(key []uint32) string { return fmt.Sprint(key) }

func (s *Store) ensure(fragID uint32) {
	if _, ok := s.rows[fragID]; !ok {
		s.rows[fragID] = make(map[string]uint32)
		s.slots[fragID] = make(map[uint32]*row)
	}
}

func (s *Store) seize(fragID uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(fragID)
	slot := s.nextSlot[fragID]
	s.nextSlot[fragID] = slot + 1
	s.slots[fragID][slot] = &row{}
	return slot
}

func (s *Store) commit(fragID, slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.slots[fragID][slot]
	if !ok || !r.live {
		return
	}
	s.rows[fragID][keyString(r.key)] = slot
}

func (s *Store) abort(fragID, slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots[fragID], slot)
}

func (s *Store) stage(fragID, slot uint32, key, attr []uint32, kind optab.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.slots[fragID][slot]
	if r == nil {
		r = &row{}
		s.slots[fragID][slot] = r
	}
	if kind == optab.KindDelete {
		delete(s.rows[fragID], keyString(key))
		r.live = false
		return
	}
	r.key, r.attr, r.live = key, attr, true
}

// ACC adapts Store to storage.KeyIndex.
type ACC struct{ s *Store }

// NewACC wraps store as a storage.KeyIndex.
func NewACC(store *Store) *ACC { return &ACC{s: store} }

func (a *ACC) Seize(fragID uint32) (uint32, error) { return a.s.seize(fragID), nil }

// KeyReq probes the hash index: INSERT fails on an existing key, UPDATE/
// DELETE fail if the key is missing (spec.md §7 "Storage-engine reported").
func (a *ACC) KeyReq(req storage.KeyRequest) storage.KeyReply {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.ensure(req.FragID)
	slot, found := a.s.rows[req.FragID][keyString(req.Key)]
	if !found {
		if req.Kind == optab.KindUpdate || req.Kind == optab.KindDelete {
			return storage.KeyReply{Err: lqherr.ErrNoTupleFound}
		}
		return storage.KeyReply{Found: false}
	}
	if req.Kind == optab.KindInsert {
		return storage.KeyReply{Err: lqherr.ErrTupleAlreadyExist}
	}
	return storage.KeyReply{Found: true, Slot: slot}
}

func (a *ACC) Commit(fragID, slot uint32) error { a.s.commit(fragID, slot); return nil }
func (a *ACC) Abort(fragID, slot uint32) error  { a.s.abort(fragID, slot); return nil }

// FragIDReq / LCPReq / HoldOpReq / ContOpReq / EndLCPReq are no-ops in the
// reference store: it holds nothing that needs checkpointing beyond the
// maps above, which are consistent at any instant because commit applies
// synchronously under mu.
func (a *ACC) FragIDReq(uint32) error          { return nil }
func (a *ACC) LCPReq(uint32, uint32) error     { return nil }
func (a *ACC) HoldOpReq(uint32, []uint32) error { return nil }
func (a *ACC) ContOpReq(uint32) error          { return nil }
func (a *ACC) EndLCPReq(uint32) error          { return nil }

// TUP adapts Store to storage.RowStore.
type TUP struct{ s *Store }

// NewTUP wraps store as a storage.RowStore.
func NewTUP(store *Store) *TUP { return &TUP{s: store} }

func (t *TUP) Seize(fragID uint32) (uint32, error) { return t.s.seize(fragID), nil }

// KeyReq stages the row's attribute payload; the actual key→slot mapping
// is only made visible at Commit, matching the prepare/commit split of
// spec.md §4.2.
func (t *TUP) KeyReq(req storage.RowRequest) storage.RowReply {
	t.s.stage(req.FragID, req.Slot, req.Key, req.Attr, req.Kind)
	if req.Kind == optab.KindRead {
		return storage.RowReply{ReadLen: len(req.Attr)}
	}
	return storage.RowReply{}
}

func (t *TUP) Commit(fragID, slot uint32) error { t.s.commit(fragID, slot); return nil }
func (t *TUP) Abort(fragID, slot uint32) error  { t.s.abort(fragID, slot); return nil }

func (t *TUP) PrepLCPReq(uint32) error      { return nil }
func (t *TUP) LCPReq(uint32, uint32) error  { return nil }
func (t *TUP) EndLCPReq(uint32) error       { return nil }

// SRReq applies a system-restart-replay write directly, the path replay
// uses to re-materialise a COMMIT without going through prepare/commit
// (spec.md §4.3 "reconstruct a LQHKEYREQ and forward it").
func (t *TUP) SRReq(fragID uint32, req storage.RowRequest) storage.RowReply {
	t.s.stage(fragID, req.Slot, req.Key, req.Attr, req.Kind)
	t.s.commit(fragID, req.Slot)
	return storage.RowReply{ReadLen: len(req.Attr)}
}
