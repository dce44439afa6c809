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

package logpage

import "fmt"

// Ref is a handle into a Pool's backing arena. It replaces the source's raw
// page pointers (spec.md §9: arena + index instead of pointer graph).
type Ref uint32

// NilRef is the intrusive-list terminator, equivalent to RNIL in the source.
const NilRef Ref = 0xffffffff

// Page is one fixed-size (PageWords) redo log page. Word 0 doubles as the
// free-list "next" link when the page is unused; Words[PosNextPage] carries
// that link so a Page never needs a separate struct for its pooled state.
type Page struct {
	Words [PageWords]uint32
	Dirty bool
}

func (p *Page) next() Ref { return Ref(p.Words[PosNextPage]) }
func (p *Page) setNext(r Ref) { p.Words[PosNextPage] = uint32(r) }

// LogLap returns the page's log-lap counter (spec.md §3).
func (p *Page) LogLap() uint32 { return p.Words[PosLogLap] }

// SetLogLap sets the page's log-lap counter.
func (p *Page) SetLogLap(v uint32) { p.Words[PosLogLap] = v; p.Dirty = true }

// MaxGCICompleted / MaxGCIStarted are the per-page GCI high-water marks
// carried in the header (spec.md §3).
func (p *Page) MaxGCICompleted() uint32 { return p.Words[PosMaxGCICompleted] }
func (p *Page) MaxGCIStarted() uint32   { return p.Words[PosMaxGCIStarted] }

func (p *Page) SetMaxGCICompleted(v uint32) { p.Words[PosMaxGCICompleted] = v; p.Dirty = true }
func (p *Page) SetMaxGCIStarted(v uint32)   { p.Words[PosMaxGCIStarted] = v; p.Dirty = true }

// LastPrepRefFile / LastPrepRefMbyte are the file+mbyte of the earliest
// prepare whose commit had not yet been written when this page was last
// flushed (spec.md §3 "Log page" last_prep_ref), used by the §4.3 start-mbyte
// back-step.
func (p *Page) LastPrepRefFile() uint32  { return p.Words[PosLastLogPrepRef] }
func (p *Page) LastPrepRefMbyte() uint32 { return p.Words[PosLastPrepRefMbyte] }

// SetLastPrepRef stamps the page's last_prep_ref back-pointer.
func (p *Page) SetLastPrepRef(file, mbyte uint32) {
	p.Words[PosLastLogPrepRef] = file
	p.Words[PosLastPrepRefMbyte] = mbyte
	p.Dirty = true
}

// CurrPageIndex is the write cursor (or, during replay, the read cursor)
// within the page, in words.
func (p *Page) CurrPageIndex() uint32     { return p.Words[PosCurrPageIndex] }
func (p *Page) SetCurrPageIndex(v uint32) { p.Words[PosCurrPageIndex] = v; p.Dirty = true }

// Checksum computes the XOR of every word after the checksum slot, seeded
// with ChecksumSeed. This must never change: it is one of the two invariants
// (with log-lap) a future restart depends on to trust a page read from disk
// (spec.md §9).
func (p *Page) Checksum() uint32 {
	sum := uint32(ChecksumSeed)
	for i := PosChecksum + 1; i < PageWords; i++ {
		sum ^= p.Words[i]
	}
	return sum
}

// StampChecksum writes the current checksum into the page's checksum slot.
// Called by the writer immediately before handing a page to the file layer.
func (p *Page) StampChecksum() {
	p.Words[PosChecksum] = p.Checksum()
}

// VerifyChecksum reports whether the stored checksum matches the page
// content. Replay treats a mismatch as a structural violation (spec.md §7).
func (p *Page) VerifyChecksum() error {
	want := p.Words[PosChecksum]
	got := p.Checksum()
	if want != got {
		return fmt.Errorf("logpage: checksum mismatch: stored=%#x computed=%#x", want, got)
	}
	return nil
}

// Reset clears a page's content to logical emptiness, keeping only its
// pool-link word untouched (the caller manages that separately).
func (p *Page) Reset() {
	next := p.Words[PosNextPage]
	p.Words = [PageWords]uint32{}
	p.Words[PosNextPage] = next
	p.Dirty = false
}
