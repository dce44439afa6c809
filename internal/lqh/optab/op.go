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

// Package optab holds the per-in-flight-operation record pool and its
// transid-keyed hash (spec.md §3 "Operation record", §4.2 "Transaction
// lookup"). It owns no behaviour beyond storage and lookup; state
// transitions live in internal/lqh/opstate.
package optab

import (
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
)

// OpID is a handle into Table, the arena-plus-index realization of the
// source's op-record pointers (spec.md §9).
type OpID uint32

// NilOp is the intrusive-list terminator.
const NilOp OpID = 0xffffffff

// Kind is the operation kind (spec.md §3).
type Kind int

const (
	KindRead Kind = iota
	KindInsert
	KindUpdate
	KindWrite
	KindDelete
)

// TransState is the transaction-state dimension of the operation state
// machine (spec.md §4.2). Kept as a distinct type from the membership and
// abort dimensions per spec.md §9's disjoint-sum-type design note.
type TransState int

const (
	StateIdle TransState = iota
	StateWaitACC
	StateWaitTUP
	StateWaitTupKeyInfo
	StateWaitAttr
	StateLogQueued
	StatePrepared
	StatePreparedReceivedCommit
	StateLogCommitQueued
	StateLogCommitQueuedWaitSignal
	StateLogCommitWritten
	StateLogCommitWrittenWaitSignal
	StateCommitQueued
	StateCommitStopped
	StateCommitted
	StateLogAbortQueued
	StateAbortQueued
	StateAbortStopped
	StateWaitACCAbort
	StateWaitTupToAbort
	StateWaitAIAfterAbort
	StateStopped
)

// LogWriteState tracks whether this op's prepare has reached disk.
type LogWriteState int

const (
	LogNotWritten LogWriteState = iota
	LogQueued
	LogWritten
)

// ConnectState routes storage-engine REFs per spec.md §7 "Propagation
// policy".
type ConnectState int

const (
	ConnectIdle ConnectState = iota
	ConnectConnected
	ConnectLogConnected
	ConnectCopyConnected
)

// Membership is the exclusive list an op can be linked into at any instant
// (spec.md §3: "Memberships are exclusive").
type Membership int

const (
	MemberNone Membership = iota
	MemberTransidHash
	MemberFragmentActive
	MemberFragmentWait
	MemberLogWaiting
	MemberHashBlock
	MemberLogTC
)

// AbortState distinguishes why an op is aborting (spec.md §4.2 "Abort
// path", §4.7 "Node-failure takeover").
type AbortState int

const (
	AbortNone AbortState = iota
	AbortFromAPI
	AbortFromLocalFailure
	AbortNewFromTC // node-failure takeover reassignment
)

// KeyBuf / AttrBuf model the inline-plus-overflow storage of spec.md §3:
// primary key inline <=4 words + overflow, attribute info inline <=5 words
// + overflow.
const (
	InlineKeyWords  = 4
	InlineAttrWords = 5
)

type Buf struct {
	Inline   []uint32
	Overflow []uint32
}

// Words returns the buffer's full logical content.
func (b Buf) Words() []uint32 {
	if len(b.Overflow) == 0 {
		return b.Inline
	}
	out := make([]uint32, 0, len(b.Inline)+len(b.Overflow))
	out = append(out, b.Inline...)
	out = append(out, b.Overflow...)
	return out
}

// Op is the per-request unit of work (spec.md §3 "Operation record").
type Op struct {
	ID OpID

	TCRef      uint32 // client (TC) reference
	TCNodeID   uint32 // node hosting the TC, for packed COMMITTED/COMPLETED routing
	TableID    uint32
	SchemaVer  uint32
	FragID     uint32
	Transid1   uint32
	Transid2   uint32
	Key        Buf
	Attr       Buf
	OpKind     Kind
	LockType   int
	SeqNoReplica  int
	LastReplicaNo int
	NextReplica   uint32
	NodeAfterNext [3]uint32

	HashValue uint32
	GCI       uint32

	State         TransState
	Abort         AbortState
	LogWrite      LogWriteState
	Connect       ConnectState
	Membership    Membership

	MarkerRequired bool
	Dirty          bool // commit logged alongside prepare, no separate COMMIT wait

	// PrepPos is the log position WritePrepare returned, for the later
	// commit record to reference (spec.md §4.1 "Commit record layout").
	PrepPos redolog.PrepareRecord

	// Intrusive list links, replacing pointers per spec.md §9.
	hashNext OpID
	listNext OpID
	listPrev OpID

	inUse bool
}

// Table is the fixed-size op-record pool plus its transid hash (spec.md
// §4.2 "Transaction lookup": (transid1 ^ tcOprec) mod 1024).
type Table struct {
	ops      []Op
	free     []OpID
	buckets  [1024]OpID
}

// NewTable allocates a pool with the given fixed capacity.
func NewTable(capacity int) *Table {
	t := &Table{ops: make([]Op, capacity)}
	for i := range t.buckets {
		t.buckets[i] = NilOp
	}
	for i := capacity - 1; i >= 0; i-- {
		t.ops[i].ID = OpID(i)
		t.free = append(t.free, OpID(i))
	}
	return t
}

func bucket(transid1 uint32, tcOprec uint32) uint32 {
	return (transid1 ^ tcOprec) % 1024
}

// Seize allocates an op record and installs it into the transid hash.
// Exhaustion returns ErrNoTcConnect per spec.md §5/§7 ("no queueing").
func (t *Table) Seize(transid1, transid2, tcOprec uint32) (*Op, error) {
	if len(t.free) == 0 {
		return nil, lqherr.ErrNoTcConnect
	}
	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	op := &t.ops[id]
	*op = Op{ID: id, Transid1: transid1, Transid2: transid2, TCRef: tcOprec, inUse: true}

	b := bucket(transid1, tcOprec)
	op.hashNext = t.buckets[b]
	t.buckets[b] = id
	op.Membership = MemberTransidHash
	return op, nil
}

// Lookup finds the op matching (transid1, transid2, tcOprec). A mismatch or
// missing op is not a crash (spec.md §7 "Protocol timing": stale signals are
// discarded with a warning).
func (t *Table) Lookup(transid1, transid2, tcOprec uint32) (*Op, bool) {
	b := bucket(transid1, tcOprec)
	for id := t.buckets[b]; id != NilOp; {
		op := &t.ops[id]
		if op.inUse && op.Transid1 == transid1 && op.Transid2 == transid2 && op.TCRef == tcOprec {
			return op, true
		}
		id = op.hashNext
	}
	return nil, false
}

// Release removes op from the transid hash and returns it to the free
// list (spec.md §8 "After any abort completes, the op record is returned
// to the freelist and its transid-hash entry is removed").
func (t *Table) Release(op *Op) {
	b := bucket(op.Transid1, op.TCRef)
	if t.buckets[b] == op.ID {
		t.buckets[b] = op.hashNext
	} else {
		for id := t.buckets[b]; id != NilOp; {
			cur := &t.ops[id]
			if cur.hashNext == op.ID {
				cur.hashNext = op.hashNext
				break
			}
			id = cur.hashNext
		}
	}
	op.inUse = false
	op.Membership = MemberNone
	t.free = append(t.free, op.ID)
}

// ListNext / ListPrev / SetListNext / SetListPrev expose the op's single
// pair of intrusive list links to whichever list currently owns the op
// (fragment active-list or wait-queue; spec.md §3 "Memberships are
// exclusive" guarantees only one owner at a time).
func (o *Op) ListNext() OpID     { return o.listNext }
func (o *Op) ListPrev() OpID     { return o.listPrev }
func (o *Op) SetListNext(id OpID) { o.listNext = id }
func (o *Op) SetListPrev(id OpID) { o.listPrev = id }

// Get dereferences an OpID. Callers must check InUse before trusting the
// contents (a stale reference, e.g. after release, looks like a zero Op).
func (t *Table) Get(id OpID) *Op { return &t.ops[id] }

// InUse reports whether id currently names a live operation.
func (t *Table) InUse(id OpID) bool { return id != NilOp && t.ops[id].inUse }

// Capacity returns the fixed number of operation records the pool was
// built with.
func (t *Table) Capacity() int { return len(t.ops) }

// ForEachInUse calls fn once per currently in-use operation record, in
// pool-slot order. Used by internal/lqh/takeover to scan every op whose
// tcBlockref might reference a failed node; never mutates membership
// itself.
func (t *Table) ForEachInUse(fn func(*Op)) {
	for i := range t.ops {
		if t.ops[i].inUse {
			fn(&t.ops[i])
		}
	}
}
