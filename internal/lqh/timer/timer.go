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

// Package timer is the Go realization of the source's CONTINUEB
// self-delayed-signal primitive (spec.md §5, §9): a small priority queue
// keyed on deadline, drained by the event loop before polling for new
// external messages.
package timer

import "container/heap"

// Code discriminates which continuation a CONTINUEB entry resumes, mirroring
// the source's CONTINUEB code discriminator (e.g. restart-operations-drain,
// scan-step, one-second flush supervision).
type Code int

const (
	CodeRestartOperationsAfterStop Code = iota
	CodeFlushSupervision
	CodeLcpHoldBatch
	CodeTakeoverScanStep
)

// Entry is one scheduled continuation.
type Entry struct {
	Deadline int64 // logical tick; the dispatcher owns what a "tick" means
	Code     Code
	Arg      uint32 // e.g. a FragID or PartID the continuation operates on
	index    int
}

type queue []*Entry

func (q queue) Len() int            { return len(q) }
func (q queue) Less(i, j int) bool  { return q[i].Deadline < q[j].Deadline }
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *queue) Push(x interface{}) { e := x.(*Entry); e.index = len(*q); *q = append(*q, e) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// Wheel holds all pending CONTINUEB entries.
type Wheel struct{ q queue }

// NewWheel builds an empty wheel.
func NewWheel() *Wheel { w := &Wheel{}; heap.Init(&w.q); return w }

// Schedule posts a continuation for deadline.
func (w *Wheel) Schedule(deadline int64, code Code, arg uint32) {
	heap.Push(&w.q, &Entry{Deadline: deadline, Code: code, Arg: arg})
}

// Ready reports whether the earliest entry is due by now.
func (w *Wheel) Ready(now int64) bool {
	return len(w.q) > 0 && w.q[0].Deadline <= now
}

// Pop removes and returns the earliest due entry. Callers must check Ready
// first.
func (w *Wheel) Pop() *Entry {
	return heap.Pop(&w.q).(*Entry)
}

// Len reports the number of pending entries.
func (w *Wheel) Len() int { return len(w.q) }
