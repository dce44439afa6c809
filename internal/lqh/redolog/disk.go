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

// PageLoc is the on-disk coordinate of a loaded page, parallel to the
// returned Part's History (Locs[i] is where History[i] was read from).
type PageLoc struct {
	FileNo  uint32
	PageIdx int
}

// LoadFromDisk rebuilds a Part's resident page history by reading a part's
// files straight off disk through fsio, for a process that did not run the
// in-memory Writer that produced them: cmd/lqhctl's offline replay/dump-page
// commands, and a node restart, which reaches it through LoadAndFindHead
// (internal/lqh/restart's Phase3).
//
// Files are walked in ring order starting at file 0, pages within a file in
// ascending order. A page is skipped, rather than loaded as log content, if
// either: its log-lap is still zero (logpage.Pool.Alloc never produces a
// zero lap — initPart seeds CurrentLap at 1 — so a zero lap means the page
// slot was never written, the on-disk equivalent of a file preallocated but
// not yet reached by the writer), or its very first word is
// logpage.RecFileDescriptor (Writer.changeFile's file-descriptor page,
// which is written with its own header shape rather than through
// Page.SetLogLap, at the same file offset an mbyte's sole content page
// would otherwise occupy).
func LoadFromDisk(dir string, partID int, noFiles uint32, pageCap int, logger log.Logger) (*Part, []PageLoc, *fsio.Worker, error) {
	p := NewPart(partID, noFiles, pageCap)
	var locs []PageLoc
	worker := fsio.NewWorker(fmt.Sprintf("%s/part-%d", dir, partID), logger)

	for fileNo := uint32(0); fileNo < noFiles; fileNo++ {
		for pageIdx := 0; pageIdx < PagesPerFile; pageIdx++ {
			offset := int64(pageIdx) * int64(logpage.PageSize)
			reply := worker.Submit(&fsio.Request{
				Kind:   fsio.KindRead,
				Path:   fmt.Sprintf("file-%d", fileNo),
				Offset: offset,
				Data:   make([]byte, logpage.PageSize),
			})
			if reply.Err != nil {
				if errors.Is(reply.Err, io.EOF) {
					// Reading fully past the written tail of a sparse file: the
					// rest of this file was never reached by the writer.
					break
				}
				return nil, nil, nil, fmt.Errorf("redolog: reading part %d file %d page %d: %w", partID, fileNo, pageIdx, reply.Err)
			}
			if len(reply.Data) < logpage.PageSize {
				// Short read past the real end of a sparse/truncated file: the
				// rest of this file was never written.
				break
			}
			words := bytesToWords(reply.Data)
			if words[logpage.PosLogLap] == 0 || words[0] == logpage.RecFileDescriptor {
				continue
			}
			ref, err := p.Pages.Alloc()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("redolog: page pool exhausted loading part %d from disk (capacity %d)", partID, pageCap)
			}
			pg := p.Pages.Get(ref)
			pg.Words = words
			pg.Dirty = false
			p.History = append(p.History, ref)
			locs = append(locs, PageLoc{FileNo: fileNo, PageIdx: pageIdx})
			p.CurrentFile = fileNo
		}
	}
	return p, locs, worker, nil
}

func bytesToWords(b []byte) [logpage.PageWords]uint32 {
	var words [logpage.PageWords]uint32
	for i := range words {
		words[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return words
}
