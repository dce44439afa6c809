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

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fsio"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
)

// HeadTail is the outcome of spec.md §4.3 "Head/tail location" and
// "Execution bounds" run against a part's on-disk files.
type HeadTail struct {
	HeadFile  uint32
	HeadMbyte uint32

	StopFile  uint32
	StopMbyte uint32

	StartFile  uint32
	StartMbyte uint32
}

// LoadAndFindHead rebuilds a part's resident page history from disk
// (LoadFromDisk) and locates its head: the last mbyte actually written.
// spec.md §4.3 describes finding the head by opening file 0 page 0 for
// last_file_no and then scanning that file's mbytes for the first whose
// log_lap differs from its neighbours; this implementation instead derives
// the head from the same content-based scan LoadFromDisk already performs
// (the highest file/mbyte that has a genuine, non-FD, non-zero-lap page),
// since file 0's own "current file no" pointer is only trustworthy once the
// ring has wrapped back around to file 0 at least once (Writer.changeFile's
// comment on this). The returned Part's CurrentFile/CurrentMbyte/
// CurrentPage/CurrentLap are set to the head position, ready to resume
// appending.
func LoadAndFindHead(dir string, partID int, noFiles uint32, pageCap int, logger log.Logger) (*Part, []PageLoc, *fsio.Worker, error) {
	p, locs, worker, err := LoadFromDisk(dir, partID, noFiles, pageCap, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(locs) == 0 {
		return p, locs, worker, nil
	}

	// Corroborate the literal first step of spec.md §4.3 when file 0 page 0
	// does carry a real file-descriptor pointer (i.e. the ring has wrapped
	// at least once); a part that never wrapped has nothing there to read.
	if reply := worker.Submit(&fsio.Request{Kind: fsio.KindRead, Path: "file-0", Offset: 0, Data: make([]byte, logpage.PageSize)}); reply.Err == nil && len(reply.Data) == logpage.PageSize {
		words := bytesToWords(reply.Data)
		if words[0] == logpage.RecFileDescriptor {
			logger.Debug("redolog: file 0 page 0 file-descriptor", "part", partID, "lastFileNo", words[1])
		}
	}

	head := locs[len(locs)-1]
	pg := p.Pages.Get(p.History[len(p.History)-1])
	p.CurrentFile = head.FileNo
	p.CurrentMbyte = uint32(head.PageIdx / PagesPerMbyte)
	p.CurrentPage = p.History[len(p.History)-1]
	p.CurrentLap = pg.LogLap()
	return p, locs, worker, nil
}

type mbyteSummary struct {
	fileNo, mbyte               uint32
	maxGCICompleted, maxGCIStarted uint32
	lastPrepRef                 PrepRef
}

// TrimToBounds narrows a disk-loaded part's resident history down to the
// replay window of spec.md §4.3 "Execution bounds": scanning backward from
// the head, the stop mbyte is the first whose max_gci_completed <
// logLastGci; the start mbyte continues backward to the first whose
// max_gci_started < logStartGci and then steps back further to the mbyte
// its own last_prep_ref names. Per-mbyte summaries are read directly off
// each mbyte's own resident page header rather than a file-descriptor
// page's copy of them: that copy is only refreshed when the writer changes
// files (Writer.buildFileDescriptorPage) and so lags behind for whichever
// file is still open, while a page's own header is updated on every commit
// (Writer.WriteCommit).
func TrimToBounds(p *Part, locs []PageLoc, logStartGci, logLastGci uint32) (*Part, []PageLoc, HeadTail) {
	if len(locs) == 0 {
		return p, locs, HeadTail{}
	}
	summaries := make([]mbyteSummary, len(locs))
	for i, loc := range locs {
		pg := p.Pages.Get(p.History[i])
		summaries[i] = mbyteSummary{
			fileNo: loc.FileNo, mbyte: uint32(loc.PageIdx / PagesPerMbyte),
			maxGCICompleted: pg.MaxGCICompleted(), maxGCIStarted: pg.MaxGCIStarted(),
			lastPrepRef: PrepRef{File: pg.LastPrepRefFile(), Mbyte: pg.LastPrepRefMbyte()},
		}
	}
	head := summaries[len(summaries)-1]
	ht := HeadTail{HeadFile: head.fileNo, HeadMbyte: head.mbyte}

	stopIdx := 0
	for i := len(summaries) - 1; i >= 0; i-- {
		stopIdx = i
		if summaries[i].maxGCICompleted < logLastGci {
			break
		}
	}
	ht.StopFile, ht.StopMbyte = summaries[stopIdx].fileNo, summaries[stopIdx].mbyte

	startIdx := stopIdx
	for i := stopIdx; i >= 0; i-- {
		startIdx = i
		if summaries[i].maxGCIStarted < logStartGci {
			break
		}
	}
	if ref := summaries[startIdx].lastPrepRef; ref.File != 0 || ref.Mbyte != 0 {
		for i := startIdx; i >= 0; i-- {
			if summaries[i].fileNo == ref.File && summaries[i].mbyte == ref.Mbyte {
				startIdx = i
				break
			}
		}
	}
	ht.StartFile, ht.StartMbyte = summaries[startIdx].fileNo, summaries[startIdx].mbyte

	p.History = append([]logpage.Ref(nil), p.History[startIdx:]...)
	return p, locs[startIdx:], ht
}

// InvalidateTail rewrites every log page strictly after (headFile,
// headMbyte) whose log-lap still equals currentLap back to log-lap=0
// (spec.md §4.3 "Tail invalidation", §8: log-lap is one of the two
// invariants a restart's head-finding depends on). It walks forward mbyte
// by mbyte from the head, wrapping file to file in ring order, and stops
// only on completing one full circuit of the ring. Pages that are missing
// or short, file-descriptor pages, and pages whose log-lap is zero or
// differs from currentLap are left as they are and the walk goes on.
func InvalidateTail(worker *fsio.Worker, ring *Ring, headFile, headMbyte, currentLap uint32) error {
	fileNo, mbyte := headFile, headMbyte
	for step := uint32(0); step < ring.NoLogFiles*MbytesPerFile; step++ {
		mbyte++
		if mbyte >= MbytesPerFile {
			mbyte = 0
			fileNo = ring.NextFileNo(fileNo)
		}
		if fileNo == headFile && mbyte == headMbyte {
			break
		}
		offset := int64(mbyte) * int64(PagesPerMbyte) * int64(logpage.PageSize)
		path := fmt.Sprintf("file-%d", fileNo)
		reply := worker.Submit(&fsio.Request{Kind: fsio.KindRead, Path: path, Offset: offset, Data: make([]byte, logpage.PageSize)})
		if reply.Err != nil {
			if errors.Is(reply.Err, io.EOF) {
				continue
			}
			return fmt.Errorf("redolog: tail invalidation reading file %d mbyte %d: %w", fileNo, mbyte, reply.Err)
		}
		if len(reply.Data) < logpage.PageSize {
			continue
		}
		words := bytesToWords(reply.Data)
		if words[logpage.PosLogLap] == 0 || words[0] == logpage.RecFileDescriptor {
			continue
		}
		if words[logpage.PosLogLap] != currentLap {
			continue
		}
		words[logpage.PosLogLap] = 0
		if reply := worker.Submit(&fsio.Request{Kind: fsio.KindWrite, Path: path, Offset: offset, Data: wordsToBytes(words[:])}); reply.Err != nil {
			return fmt.Errorf("redolog: tail invalidation writing file %d mbyte %d: %w", fileNo, mbyte, reply.Err)
		}
	}
	return nil
}
