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

// Package packed coalesces small control signals (COMMIT, COMPLETE,
// COMMITTED, COMPLETED, LQHKEYCONF, REMOVE_MARKER_ORD) addressed to the
// same destination node into a single PACKED_SIGNAL payload, per spec.md
// §4.2 "Packed signals".
package packed

// MaxWords is the PACKED_SIGNAL payload budget.
const MaxWords = 25

// EntryType is encoded in the top 4 bits of an entry's first word.
type EntryType uint8

const (
	EntryCommit EntryType = iota
	EntryComplete
	EntryCommitted
	EntryCompleted
	EntryLQHKeyConf
	EntryRemoveMarkerOrd
)

const typeShift = 28

// Entry is one coalesced control signal.
type Entry struct {
	Type  EntryType
	Words []uint32 // entry body, type-tag applied to Words[0] on Encode
}

// Encode returns the wire words for e, with the type tag packed into the
// top 4 bits of the first word (spec.md §4.2: "identified by the top 4
// bits of its first word").
func (e Entry) Encode() []uint32 {
	out := make([]uint32, len(e.Words))
	copy(out, e.Words)
	if len(out) == 0 {
		out = append(out, 0)
	}
	out[0] = (out[0] &^ (0xf << typeShift)) | (uint32(e.Type) << typeShift)
	return out
}

// Buffer accumulates entries destined for one node, dispatching when full
// or on explicit Flush (spec.md §4.2).
type Buffer struct {
	NodeID uint32
	words  []uint32
}

// NewBuffer starts an empty buffer for a destination node.
func NewBuffer(nodeID uint32) *Buffer { return &Buffer{NodeID: nodeID} }

// Add appends an entry; if it would overflow MaxWords, the buffer is
// flushed first. Returns the flushed payload if a flush occurred, else nil.
func (b *Buffer) Add(e Entry) []uint32 {
	enc := e.Encode()
	var flushed []uint32
	if len(b.words)+len(enc) > MaxWords {
		flushed = b.Flush()
	}
	b.words = append(b.words, enc...)
	return flushed
}

// Flush returns and clears the buffer's accumulated payload. Called on
// overflow (Add) or explicit SEND_PACKED.
func (b *Buffer) Flush() []uint32 {
	if len(b.words) == 0 {
		return nil
	}
	out := b.words
	b.words = nil
	return out
}

// Len reports the buffer's current word count.
func (b *Buffer) Len() int { return len(b.words) }

// Decode returns the 4-bit type tag of every word of a PACKED_SIGNAL
// payload, for diagnostics / tests. Each word yields one tag, including the
// trailing words of a multi-word entry; the words themselves are not
// returned.
func Decode(words []uint32) []EntryType {
	var types []EntryType
	for _, w := range words {
		types = append(types, EntryType((w>>typeShift)&0xf))
	}
	return types
}
