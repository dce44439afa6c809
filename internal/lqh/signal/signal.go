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

// Package signal is the minimal concrete stand-in for "signal sent to
// peer". Real cluster signal transport, block registration and
// configuration loading are explicitly out of scope (spec.md §1); this
// package exists only so the op state machine's chain replication
// (spec.md §4.2) and node-failure takeover (spec.md §4.7) are testable
// in-process, per SPEC_FULL.md §4.9.
package signal

// BlockRef names a destination: a (nodeID, blockNo) pair, mirroring the
// source's opaque block references.
type BlockRef struct {
	NodeID  uint32
	BlockNo uint32
}

// Signal is a generic message: a name and an arbitrary typed payload. Real
// signal classes (LQHKeyReq, Commit, Abort, ...) are defined by their
// owning package (opstate, lcp, gcp, ...) and carried here as Payload.
type Signal struct {
	Name    string
	From    BlockRef
	To      BlockRef
	Payload interface{}
}

// Mailbox is a single destination's inbox: a buffered channel drained by
// the dispatcher loop, preserving FIFO per destination node (spec.md §5
// "Ordering": "Packed signals preserve FIFO per destination node").
type Mailbox chan Signal

// NewMailbox creates a mailbox with the given buffer depth.
func NewMailbox(depth int) Mailbox { return make(Mailbox, depth) }

// Dispatcher routes outbound signals to per-node mailboxes. It has no
// goroutines of its own: Send is synchronous (a non-blocking channel put),
// matching spec.md §5's "no suspension inside a handler".
type Dispatcher struct {
	boxes map[uint32]Mailbox
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{boxes: make(map[uint32]Mailbox)} }

// Register installs the mailbox for a node.
func (d *Dispatcher) Register(nodeID uint32, box Mailbox) { d.boxes[nodeID] = box }

// Send enqueues sig on its destination's mailbox. If no mailbox is
// registered for the destination node, the signal is dropped — mirroring
// "every stale signal whose op record no longer exists... is discarded
// with a warning, never a crash" (spec.md §4.2), generalized to unknown
// destinations such as a node already marked DOWN.
func (d *Dispatcher) Send(sig Signal) bool {
	box, ok := d.boxes[sig.To.NodeID]
	if !ok {
		return false
	}
	select {
	case box <- sig:
		return true
	default:
		return false
	}
}
