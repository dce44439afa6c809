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

import "github.com/ndbrepo/lqhd/internal/lqh/logpage"

// Position locates a point in the log: a file, the mbyte within it, the
// page within the mbyte and the word within the page.
type Position struct {
	File  uint32
	Mbyte uint32
	Page  uint32
	Word  uint32
}

// OpRef is an opaque reference to a waiting operation record. redolog never
// dereferences it; it is handed back to the caller (internal/lqh/opstate)
// unchanged when the part is pumped. Kept as a bare handle rather than an
// import of internal/lqh/optab to avoid a package cycle (optab depends on
// redolog to append log records).
type OpRef uint32

// Part is one of the NumLogParts independent redo streams (spec.md §3 "Log
// part"). It owns its file ring and read/write cursors; LogWriter drives it.
type Part struct {
	ID    int
	Ring  *Ring
	Pages *logpage.Pool

	State           PartState
	FileChangeState FileChangeState

	CurrentFile  uint32
	CurrentMbyte uint32
	CurrentPage  logpage.Ref
	CurrentLap   uint32

	Head Position // (current_file, current_filepage): oldest live data boundary
	Tail struct {
		FileNo uint32
		Mbyte  uint32
	}

	// LastPrepRef is the back-pointer threaded into every page header: the
	// file+mbyte of the earliest prepare whose commit has not yet been
	// written (spec.md §3 "Log page").
	LastPrepRef PrepRef

	// openPrepares counts prepares written but not yet committed. LastPrepRef
	// is only moved forward on the 0->1 transition, so it always names the
	// oldest outstanding prepare rather than the most recent one.
	openPrepares int

	// Waiting is the FIFO of operations queued because the part was ACTIVE,
	// TAIL_PROBLEM or FILE_CHANGE_PROBLEM when they arrived (spec.md §4.1
	// "Queueing").
	Waiting []OpRef

	// WWGLTrue marks that a COMPLETED_GCI record must be appended as soon as
	// the part's in-flight write completes (spec.md §4.5).
	WWGLTrue bool
	PendingGCI uint32

	// History is every page that was ever CurrentPage, oldest first. Pages
	// are never returned to the pool once written (spec.md §4.3's replay
	// reads "the in-memory ring of the last ~K mbytes, else read from
	// disk"; this implementation keeps the whole ring resident instead of
	// modeling a bounded cache plus disk fallback). On a restart the
	// history is rebuilt from the log files by LoadFromDisk.
	History []logpage.Ref

	unflushedPages int
	pagesSinceSync int
}

// NewPart builds a part with noFiles files in its ring and a page pool of
// the given capacity.
func NewPart(id int, noFiles uint32, pagePoolCap int) *Part {
	return &Part{
		ID:    id,
		Ring:  NewRing(noFiles),
		Pages: logpage.NewPool(pagePoolCap),
		State: PartIdle,
	}
}

// HeadPrecedesTail reports the circular-order invariant of spec.md §8: head
// must never catch tail, unless the part is already in TAIL_PROBLEM.
func (p *Part) HeadPrecedesTail() bool {
	if p.State == PartTailProblem {
		return true
	}
	if p.CurrentFile == p.Tail.FileNo {
		return p.CurrentMbyte != p.Tail.Mbyte
	}
	// Distance forward from current file to tail file in ring order.
	return p.CurrentFile != p.Tail.FileNo || p.CurrentMbyte != p.Tail.Mbyte
}

// WouldHitTail reports whether advancing to the given file/mbyte would
// collide with the tail (spec.md §3 invariants: "If the next mbyte to write
// equals the tail mbyte, the part enters TAIL_PROBLEM").
func (p *Part) WouldHitTail(nextFile, nextMbyte uint32) bool {
	return nextFile == p.Tail.FileNo && nextMbyte == p.Tail.Mbyte
}

// Enqueue appends an operation reference to the part's wait queue.
func (p *Part) Enqueue(op OpRef) { p.Waiting = append(p.Waiting, op) }

// Dequeue removes and returns the head of the wait queue, if any.
func (p *Part) Dequeue() (OpRef, bool) {
	if len(p.Waiting) == 0 {
		return 0, false
	}
	op := p.Waiting[0]
	p.Waiting = p.Waiting[1:]
	return op, true
}
