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

// Package fragment is the fragment registry of spec.md §4's "Fragment
// registry" and §3 "Fragment record": the table→fragments mapping, status,
// active-op list, wait queue and blocked-by-ACC list.
package fragment

import (
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
)

// Status is the fragment's lifecycle state (spec.md §3 "States").
type Status int

const (
	StatusFree Status = iota
	StatusDefined
	StatusActive
	StatusBlocked
	StatusActiveCreation
	StatusCrashRecovering
	StatusRemoving
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusDefined:
		return "DEFINED"
	case StatusActive:
		return "ACTIVE"
	case StatusBlocked:
		return "BLOCKED"
	case StatusActiveCreation:
		return "ACTIVE_CREATION"
	case StatusCrashRecovering:
		return "CRASH_RECOVERING"
	case StatusRemoving:
		return "REMOVING"
	default:
		return "UNKNOWN"
	}
}

// FragID is the fragment handle, arena-plus-index per spec.md §9.
type FragID uint32

const NilFrag FragID = 0xffffffff

// LcpBookkeeping tracks one fragment's checkpoint progress (spec.md §3
// "checkpoint bookkeeping (nextLcp index, per-lcp id table, max-GCI-in-lcp,
// max-GCI-completed-in-lcp)").
type LcpBookkeeping struct {
	NextLcpIndex        int
	LcpIDTable          [8]uint32
	MaxGCIInLcp         uint32
	MaxGCICompletedInLcp uint32
}

// Fragment is one local fragment replica (spec.md §3 "Fragment record").
type Fragment struct {
	ID      FragID
	TableID uint32
	FragNo  uint32
	Status  Status

	Lcp LcpBookkeeping

	Logging bool // whether ops on this fragment are redo-logged
	LcpRef  uint32

	ActiveTcCounter int

	activeListHead optab.OpID
	activeListTail optab.OpID
	waitQueueHead  optab.OpID
	waitQueueTail  optab.OpID
	blockedByACC   optab.OpID

	ScanNumberMask uint64 // spec.md §5: 64-bit scan-number bitmask, 1..11 normal, 12..42 index/tup
	QueuedScans    []uint32
}

// Registry is the table→fragments mapping (spec.md §4 "Fragment registry").
type Registry struct {
	ops   *optab.Table
	frags []Fragment
	free  []FragID
	byKey map[[2]uint32]FragID // (tableID, fragNo) -> FragID
}

// NewRegistry allocates a fixed-capacity fragment pool (spec.md §6.2
// CFG_LQH_FRAG).
func NewRegistry(ops *optab.Table, capacity int) *Registry {
	r := &Registry{ops: ops, frags: make([]Fragment, capacity), byKey: make(map[[2]uint32]FragID)}
	for i := capacity - 1; i >= 0; i-- {
		r.frags[i].ID = FragID(i)
		r.frags[i].activeListHead = optab.NilOp
		r.frags[i].waitQueueHead = optab.NilOp
		r.frags[i].blockedByACC = optab.NilOp
		r.free = append(r.free, FragID(i))
	}
	return r
}

// Create allocates a fragment for (tableID, fragNo). Exhaustion is reported
// to DICT as ErrNoFreeFragmentRec (spec.md §5, §7).
func (r *Registry) Create(tableID, fragNo uint32) (*Fragment, error) {
	if len(r.free) == 0 {
		return nil, lqherr.ErrNoFreeFragmentRec
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	f := &r.frags[id]
	*f = Fragment{ID: id, TableID: tableID, FragNo: fragNo, Status: StatusDefined,
		activeListHead: optab.NilOp, waitQueueHead: optab.NilOp, blockedByACC: optab.NilOp}
	r.byKey[[2]uint32{tableID, fragNo}] = id
	return f, nil
}

// Lookup finds a fragment by (tableID, fragNo).
func (r *Registry) Lookup(tableID, fragNo uint32) (*Fragment, bool) {
	id, ok := r.byKey[[2]uint32{tableID, fragNo}]
	if !ok {
		return nil, false
	}
	return &r.frags[id], true
}

// Get dereferences a FragID.
func (r *Registry) Get(id FragID) *Fragment { return &r.frags[id] }

// Remove returns a fragment to the free pool (table-drop completion).
func (r *Registry) Remove(f *Fragment) {
	delete(r.byKey, [2]uint32{f.TableID, f.FragNo})
	f.Status = StatusFree
	r.free = append(r.free, f.ID)
}

// LinkActiveFrag appends op to the fragment's active-op list (spec.md §8
// round-trip law: "releaseActiveFrag followed by linkActiveFrag... restores
// the active-list state").
func (r *Registry) LinkActiveFrag(f *Fragment, op *optab.Op) {
	op.SetListPrev(optab.NilOp)
	op.SetListNext(optab.NilOp)
	op.Membership = optab.MemberFragmentActive
	if f.activeListHead == optab.NilOp {
		f.activeListHead = op.ID
		f.activeListTail = op.ID
		return
	}
	tail := r.ops.Get(f.activeListTail)
	tail.SetListNext(op.ID)
	op.SetListPrev(f.activeListTail)
	f.activeListTail = op.ID
}

// ReleaseActiveFrag unlinks op from the fragment's active-op list. When the
// list drains to empty while the fragment is BLOCKED, the caller (LCP
// coordinator) must then invoke its sendStartLcp step (spec.md §4.4 step 2).
func (r *Registry) ReleaseActiveFrag(f *Fragment, op *optab.Op) {
	prev, next := op.ListPrev(), op.ListNext()
	if prev != optab.NilOp {
		r.ops.Get(prev).SetListNext(next)
	} else {
		f.activeListHead = next
	}
	if next != optab.NilOp {
		r.ops.Get(next).SetListPrev(prev)
	} else {
		f.activeListTail = prev
	}
	op.SetListNext(optab.NilOp)
	op.SetListPrev(optab.NilOp)
	op.Membership = optab.MemberNone
}

// ActiveOpIDs returns a snapshot of the op IDs currently on f's active
// list, for LCP_HOLDOPREQ batching (spec.md §4.4 step 1: "request ACC to
// move active ops into a hold buffer via repeated LCP_HOLDOPREQ"). The
// returned ops are not unlinked — membership is unaffected; an already-
// active op finishes its commit/abort the normal way even while its
// fragment is BLOCKED, and ReleaseActiveFrag notices the drain to empty.
func (r *Registry) ActiveOpIDs(f *Fragment) []optab.OpID {
	var out []optab.OpID
	for id := f.activeListHead; id != optab.NilOp; {
		op := r.ops.Get(id)
		out = append(out, id)
		id = op.ListNext()
	}
	return out
}

// ActiveListEmpty reports whether the fragment currently has no active ops
// (spec.md §4.4 step 2, §8 boundary: "zero concurrent prepares at LCP
// start").
func (f *Fragment) ActiveListEmpty() bool { return f.activeListHead == optab.NilOp }

// EnqueueWait appends op to the fragment's wait queue (used while the
// fragment is BLOCKED for LCP; spec.md §4.4, §8: "newly arriving prepares
// ... are on F.waitQueue, never on F.activeList").
func (r *Registry) EnqueueWait(f *Fragment, op *optab.Op) {
	op.SetListNext(optab.NilOp)
	op.Membership = optab.MemberFragmentWait
	if f.waitQueueHead == optab.NilOp {
		f.waitQueueHead = op.ID
		f.waitQueueTail = op.ID
		return
	}
	r.ops.Get(f.waitQueueTail).SetListNext(op.ID)
	f.waitQueueTail = op.ID
}

// DequeueWait pops the head of the fragment's wait queue, if any.
func (r *Registry) DequeueWait(f *Fragment) (*optab.Op, bool) {
	if f.waitQueueHead == optab.NilOp {
		return nil, false
	}
	op := r.ops.Get(f.waitQueueHead)
	f.waitQueueHead = op.ListNext()
	if f.waitQueueHead == optab.NilOp {
		f.waitQueueTail = optab.NilOp
	}
	op.SetListNext(optab.NilOp)
	op.Membership = optab.MemberNone
	return op, true
}
