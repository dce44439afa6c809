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

// Package replay is the system-restart log replay engine of spec.md §4.3:
// compute the GCI bounds a restart must cover, walk each log part's
// records forward from the head, and for every COMMIT within bounds that a
// local fragment still needs, reconstruct the LQHKEYREQ its prepare
// originally carried and forward it to the fragment's designated peer.
//
// Run's page source is a redolog.Source: the part's resident page history
// plus the on-disk location of each page and the fsio worker that read it,
// both produced by internal/lqh/redolog.LoadAndFindHead /
// redolog.TrimToBounds. internal/lqh/restart.Phase3/Phase4 drive that
// disk-backed load for a real node/system restart; a page's location is
// also what lets Run rewrite an out-of-window COMMIT in place as
// RecInvalidCommit (spec.md §4.3) rather than merely skipping it in memory.
package replay

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fatal"
	"github.com/ndbrepo/lqhd/internal/lqh/fsio"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
)

// FragRange is one fragment's desired replay range (spec.md §4.3
// "Execution bounds").
type FragRange struct {
	StartGci uint32
	LastGci  uint32
}

// Bounds is the part-wide execution window derived from every fragment
// being restored.
type Bounds struct {
	LogStartGci uint32
	LogLastGci  uint32
}

// ComputeBounds folds a set of per-fragment ranges into the part-wide
// bounds of spec.md §4.3: logStartGci = min(startGci), logLastGci =
// max(lastGci).
func ComputeBounds(ranges []FragRange) Bounds {
	if len(ranges) == 0 {
		return Bounds{}
	}
	b := Bounds{LogStartGci: ranges[0].StartGci, LogLastGci: ranges[0].LastGci}
	for _, r := range ranges[1:] {
		if r.StartGci < b.LogStartGci {
			b.LogStartGci = r.StartGci
		}
		if r.LastGci > b.LogLastGci {
			b.LogLastGci = r.LastGci
		}
	}
	return b
}

// Source bundles one part's disk-backed replay input: its resident page
// history, the on-disk location of each resident page (parallel to
// Part.History, as returned alongside it by redolog.LoadAndFindHead /
// redolog.TrimToBounds), and the fsio worker those pages were read through
// — the same worker Run uses to rewrite an out-of-window COMMIT in place.
type Source struct {
	Part   *redolog.Part
	Locs   []redolog.PageLoc
	Worker *fsio.Worker
}

// FragSet is the set of fragments a restart is restoring, keyed by
// (tableID, fragID), each with its own desired GCI range (spec.md §4.3
// "check whether any local fragment needs this commit").
type FragSet map[[2]uint32]FragRange

// NewFragSet builds a FragSet from a table/frag -> range mapping.
func NewFragSet(ranges map[[2]uint32]FragRange) FragSet { return FragSet(ranges) }

// Needs reports whether the fragment (tableID, fragID) is being restored
// and wants the given gci. A zero LastGci means unbounded (no upper-end
// GCI was supplied for this fragment), the same sentinel convention Bounds
// itself uses for LogLastGci. A nil FragSet matches every fragment — used
// by cmd/lqhctl's offline replay command, which has no local fragment
// registry of its own to filter against; internal/lqh/restart always
// builds a real, filtered FragSet before calling Run.
func (s FragSet) Needs(tableID, fragID, gci uint32) bool {
	if s == nil {
		return true
	}
	r, ok := s[[2]uint32{tableID, fragID}]
	if !ok {
		return false
	}
	if gci < r.StartGci {
		return false
	}
	if r.LastGci != 0 && gci > r.LastGci {
		return false
	}
	return true
}

// Reconstructed is the synthesized LQHKEYREQ spec.md §4.3 describes: "the
// same key+attr" the original prepare carried.
type Reconstructed struct {
	TableID uint32
	FragID  uint32
	Kind    optab.Kind
	Key     []uint32
	Attr    []uint32
	GCI     uint32
}

// Deliver forwards one reconstructed request to its designated peer and
// blocks for its CONF (spec.md §4.3: "await its completion, then
// continue"). Returning an error is treated as a structural violation.
type Deliver func(Reconstructed) error

// Run replays one part's resident page history within bounds, calling
// deliver for every COMMIT whose gci is within [bounds.LogStartGci,
// bounds.LogLastGci] and whose (tableID, fragID) frags says is still needed
// (spec.md §4.3 "Replay loop"). A COMMIT whose gci exceeds
// bounds.LogLastGci is rewritten in place as RecInvalidCommit on its source
// page and the page re-persisted through src.Worker, so a future restart
// never re-executes it. A zero bounds.LogLastGci leaves the upper end open:
// no COMMIT is invalidated and no COMPLETED_GCI record is required. Run
// crashes via internal/lqh/fatal on an
// unrecognised record tag or on exhausting the history without finding
// logLastGci's COMPLETED_GCI record.
func Run(src Source, bounds Bounds, frags FragSet, deliver Deliver, logger log.Logger) error {
	p := src.Part
	foundCompleted := bounds.LogLastGci == 0
	for i, ref := range p.History {
		pg := p.Pages.Get(ref)
		idx := uint32(logpage.HeaderWords)
		limit := pg.CurrPageIndex()
		for idx < limit {
			tagIdx := idx
			tag := pg.Words[idx]
			switch tag {
			case logpage.RecPrepOp:
				// Prepare bodies are located by the commit that references
				// them (spec.md §4.3); the forward scan just skips past.
				total := pg.Words[idx+1]
				idx += total

			case logpage.RecCommit:
				tableID := pg.Words[idx+1]
				fragID := pg.Words[idx+3]
				startPage := pg.Words[idx+5]
				startIdx := pg.Words[idx+6]
				gci := pg.Words[idx+8]
				idx += logpage.CommitLogWords
				if bounds.LogLastGci != 0 && gci > bounds.LogLastGci {
					if err := invalidateCommit(src, i, pg, tagIdx, logger); err != nil {
						return err
					}
					continue
				}
				if gci < bounds.LogStartGci {
					continue
				}
				if !frags.Needs(tableID, fragID, gci) {
					continue
				}
				rec, err := decodePrepare(p.Pages.Get(logpage.Ref(startPage)), startIdx)
				if err != nil {
					fatal.Crash(logger, "replay: malformed prepare referenced by commit", "err", err)
					return err
				}
				if err := deliver(Reconstructed{
					TableID: tableID, FragID: fragID,
					Kind: optab.Kind(rec.opKind), Key: rec.key, Attr: rec.attr, GCI: gci,
				}); err != nil {
					return err
				}

			case logpage.RecInvalidCommit:
				idx += logpage.CommitLogWords

			case logpage.RecAbort:
				idx += logpage.AbortLogWords

			case logpage.RecCompletedGCI:
				gci := pg.Words[idx+1]
				idx += logpage.CompletedGCIWords
				if gci == bounds.LogLastGci {
					foundCompleted = true
				}

			case logpage.RecNextMbyte:
				idx += logpage.NextMbyteWords

			case logpage.RecFileDescriptor:
				// Never actually resident in p.History today (LoadFromDisk
				// excludes file-descriptor pages from the pages it loads,
				// and the live writer never pushes one through the page
				// pool either), but the replay loop's record-tag switch
				// must still skip past one correctly rather than crash if a
				// future on-disk layout ever surfaces one here.
				noFD := pg.Words[idx+2]
				idx += uint32(logpage.FDHeaderWords) + noFD*uint32(logpage.FDPartWords)

			case logpage.RecNextLogRecord:
				// Marks the rest of the page as padding; nothing more to
				// read here.
				idx = limit

			default:
				err := fmt.Errorf("replay: unrecognised log record tag %d at page %d idx %d", tag, ref, idx)
				fatal.Crash(logger, err.Error())
				return err
			}
		}
	}
	if !foundCompleted {
		err := fmt.Errorf("replay: no COMPLETED_GCI record found for logLastGci=%d", bounds.LogLastGci)
		fatal.Crash(logger, err.Error())
		return err
	}
	return nil
}

// invalidateCommit rewrites the COMMIT at tagIdx on pg to RecInvalidCommit,
// marks the page dirty, and persists it back through src.Worker at its
// original on-disk location (spec.md §4.3). If src.Worker or src.Locs is
// nil (no disk-backed source — e.g. a unit test driving Run directly
// against an in-memory Part), the rewrite is applied to the resident page
// only; there is nothing on disk to persist it to.
func invalidateCommit(src Source, historyIdx int, pg *logpage.Page, tagIdx uint32, logger log.Logger) error {
	pg.Words[tagIdx] = logpage.RecInvalidCommit
	pg.Dirty = true
	if src.Worker == nil || historyIdx >= len(src.Locs) {
		return nil
	}
	loc := src.Locs[historyIdx]
	offset := int64(loc.PageIdx) * int64(logpage.PageSize)
	pg.StampChecksum()
	reply := src.Worker.Submit(&fsio.Request{
		Kind:   fsio.KindWrite,
		Path:   fmt.Sprintf("file-%d", loc.FileNo),
		Offset: offset,
		Data:   wordsToBytes(pg.Words[:]),
	})
	if reply.Err != nil {
		err := fmt.Errorf("replay: rewriting invalidated commit at file %d page %d: %w", loc.FileNo, loc.PageIdx, reply.Err)
		fatal.Crash(logger, err.Error())
		return err
	}
	pg.Dirty = false
	return nil
}

func wordsToBytes(words []uint32) []byte {
	buf := make([]byte, len(words)*logpage.WordSize)
	for i, v := range words {
		buf[i*4] = byte(v)
		buf[i*4+1] = byte(v >> 8)
		buf[i*4+2] = byte(v >> 16)
		buf[i*4+3] = byte(v >> 24)
	}
	return buf
}

type prepareBody struct {
	opKind uint32
	key    []uint32
	attr   []uint32
}

func decodePrepare(pg *logpage.Page, startIdx uint32) (prepareBody, error) {
	if pg.Words[startIdx] != logpage.RecPrepOp {
		return prepareBody{}, fmt.Errorf("replay: commit references non-prepare record (tag=%d)", pg.Words[startIdx])
	}
	opKind := pg.Words[startIdx+3]
	attrLen := pg.Words[startIdx+4]
	keyLen := pg.Words[startIdx+5]
	keyStart := startIdx + logpage.PrepHeadWords
	attrStart := keyStart + keyLen
	key := append([]uint32(nil), pg.Words[keyStart:keyStart+keyLen]...)
	attr := append([]uint32(nil), pg.Words[attrStart:attrStart+attrLen]...)
	return prepareBody{opKind: opKind, key: key, attr: attr}, nil
}
