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

import "github.com/ndbrepo/lqhd/internal/lqh/lqherr"

// Pool is a fixed-capacity arena of Pages with a singly-linked free list,
// the Go realization of spec.md §9's "pointer graph → arena + index" note
// applied to the page/buffer pools of spec.md §2.
type Pool struct {
	pages []Page
	free  Ref
	inUse int
}

// NewPool allocates a pool able to hold capacity pages, all initially free.
func NewPool(capacity int) *Pool {
	p := &Pool{pages: make([]Page, capacity)}
	for i := range p.pages {
		if i == len(p.pages)-1 {
			p.pages[i].setNext(NilRef)
		} else {
			p.pages[i].setNext(Ref(i + 1))
		}
	}
	p.free = 0
	if capacity == 0 {
		p.free = NilRef
	}
	return p
}

// Cap reports the pool's fixed capacity.
func (p *Pool) Cap() int { return len(p.pages) }

// InUse reports how many pages are currently allocated out of the pool.
func (p *Pool) InUse() int { return p.inUse }

// Free reports how many pages remain on the free list.
func (p *Pool) Free() int { return len(p.pages) - p.inUse }

// Get returns the Page for ref. The caller must not retain the pointer past
// a Release of the same ref.
func (p *Pool) Get(ref Ref) *Page { return &p.pages[ref] }

// Alloc removes a page from the free list. Exhaustion is a recoverable
// resource error, never a crash (spec.md §5: "Log pages: fixed pool with
// free-list... exhaustion fails temporarily", §7: resource exhaustion kind).
func (p *Pool) Alloc() (Ref, error) {
	if p.free == NilRef {
		return NilRef, lqherr.ErrNoFreeLogPage
	}
	ref := p.free
	pg := &p.pages[ref]
	p.free = pg.next()
	pg.Reset()
	p.inUse++
	return ref, nil
}

// Release returns ref to the free list.
func (p *Pool) Release(ref Ref) {
	pg := &p.pages[ref]
	pg.setNext(p.free)
	p.free = ref
	p.inUse--
}
