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
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ndbrepo/lqhd/internal/lqh/fatal"
	"github.com/ndbrepo/lqhd/internal/lqh/fsio"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
)

// PrepareRecord is the result of a successful WritePrepare: the position a
// later commit must reference (spec.md §4.1 "Commit record layout").
type PrepareRecord struct {
	File      uint32
	StartPage uint32
	StartIdx  uint32
	StopPage  uint32
}

// Writer appends prepare/commit/abort/completed-GCI records across the
// fixed NumLogParts independent streams (spec.md §4.1). One Writer serves
// the whole process; each Part is logically independent (spec.md §5
// "Across parts, order is independent").
type Writer struct {
	Parts   [NumLogParts]*Part
	workers [NumLogParts]*fsio.Worker
	log     log.Logger

	// DataDir/NoFiles/PagePoolCap are the construction parameters a restart
	// must reuse to rebuild a part's resident state straight off disk
	// (internal/lqh/redolog.LoadAndFindHead), rather than from the fresh,
	// empty Parts NewWriter itself allocates below.
	DataDir     string
	NoFiles     uint32
	PagePoolCap int

	bytesWritten    [NumLogParts]metrics.Meter
	flushCounter    [NumLogParts]metrics.Counter
	queueDepthGauge [NumLogParts]metrics.Gauge
}

// NewWriter builds a writer with noFiles files and pagePoolCap pages per
// part, rooted at dataDir/part-N for each part's files.
func NewWriter(dataDir string, noFiles uint32, pagePoolCap int, logger log.Logger) *Writer {
	w := &Writer{log: logger, DataDir: dataDir, NoFiles: noFiles, PagePoolCap: pagePoolCap}
	for i := 0; i < NumLogParts; i++ {
		w.Parts[i] = NewPart(i, noFiles, pagePoolCap)
		w.workers[i] = fsio.NewWorker(fmt.Sprintf("%s/part-%d", dataDir, i), logger)
		w.bytesWritten[i] = metrics.NewRegisteredMeter(fmt.Sprintf("lqh/redolog/part%d/bytes", i), nil)
		w.flushCounter[i] = metrics.NewRegisteredCounter(fmt.Sprintf("lqh/redolog/part%d/flushes", i), nil)
		w.queueDepthGauge[i] = metrics.NewRegisteredGauge(fmt.Sprintf("lqh/redolog/part%d/queue", i), nil)
		if err := w.initPart(w.Parts[i]); err != nil {
			fatal.Crash(logger, "redolog: failed to allocate initial page", "part", i, "err", err)
		}
	}
	return w
}

// initPart allocates a part's first working page so WritePrepare has
// somewhere to write immediately after construction. A freshly initialised
// node always starts at file 0, mbyte 0, lap 1 (lap 0 is reserved so an
// uninitialised page's zero lap never looks current, matching spec.md §4.3's
// reliance on log-lap to disambiguate generations).
func (w *Writer) initPart(p *Part) error {
	p.CurrentLap = 1
	ref, err := p.Pages.Alloc()
	if err != nil {
		return err
	}
	p.CurrentPage = ref
	pg := p.Pages.Get(ref)
	pg.SetLogLap(p.CurrentLap)
	pg.SetCurrPageIndex(logpage.HeaderWords)
	p.Tail.FileNo = 0
	p.Tail.Mbyte = 0
	p.State = PartIdle
	p.History = append(p.History, ref)
	return nil
}

// PartFor picks the log part for a given distribution hash value (spec.md
// §3 "Log part": part = hash_value mod #parts).
func PartFor(hashValue uint32) int { return int(hashValue % NumLogParts) }

// ensureRoom implements spec.md §4.1 "Mbyte boundary protocol": before
// writing any record, check remainingWordsInMbyte >= size+NextLogSize; if
// not, emit NEXT_MBYTE and advance (possibly triggering a file change).
func (w *Writer) ensureRoom(p *Part, size uint32) error {
	pg := p.Pages.Get(p.CurrentPage)
	if logpage.PageWords-int(pg.CurrPageIndex()) >= int(size)+int(NextLogSize) {
		return nil
	}
	// Not enough room in the current page for this record plus the
	// NEXT_MBYTE reservation: emit NEXT_MBYTE here and advance.
	return w.advanceMbyte(p)
}

// advanceMbyte writes a NEXT_MBYTE marker in the current page, flushes it,
// and moves the part onto the following mbyte, opening the next file if
// this was the file's last mbyte (spec.md §4.1 "File-change protocol").
func (w *Writer) advanceMbyte(p *Part) error {
	nextMbyte := p.CurrentMbyte + 1
	nextFile := p.CurrentFile
	crossingFile := nextMbyte >= MbytesPerFile
	if crossingFile {
		nextMbyte = 0
		nextFile = p.Ring.NextFileNo(p.CurrentFile)
	}
	// Check before committing anything to the page: a part that would hit
	// its own tail never emits NEXT_MBYTE, it just fails the operation that
	// triggered the check (spec.md §8: "no log bytes written").
	if p.WouldHitTail(nextFile, nextMbyte) {
		p.State = PartTailProblem
		return lqherr.ErrTailProblem
	}

	pg := p.Pages.Get(p.CurrentPage)
	pg.Words[pg.CurrPageIndex()] = logpage.RecNextMbyte
	pg.SetCurrPageIndex(pg.CurrPageIndex() + 1)
	if err := w.flushPage(p, true); err != nil {
		return err
	}

	// Fold the mbyte being left behind into its file's resident summary
	// vectors, the same fields buildFileDescriptorPage copies out when the
	// ring later reaches this file again (spec.md §3 "Log file").
	meta := &p.Ring.File(p.CurrentFile).Meta
	meta.FileNo = p.CurrentFile
	meta.MaxGCICompleted[p.CurrentMbyte] = pg.MaxGCICompleted()
	meta.MaxGCIStarted[p.CurrentMbyte] = pg.MaxGCIStarted()
	meta.LastPrepRef[p.CurrentMbyte] = PrepRef{File: pg.LastPrepRefFile(), Mbyte: pg.LastPrepRefMbyte()}

	if crossingFile {
		if err := w.changeFile(p, nextFile); err != nil {
			return err
		}
		if nextFile == 0 {
			p.CurrentLap++
		}
	}
	p.CurrentMbyte = nextMbyte
	p.CurrentFile = nextFile
	ref, err := p.Pages.Alloc()
	if err != nil {
		return err
	}
	p.CurrentPage = ref
	np := p.Pages.Get(ref)
	np.SetLogLap(p.CurrentLap)
	np.SetCurrPageIndex(logpage.HeaderWords)
	p.History = append(p.History, ref)
	return nil
}

// changeFile drives the FileChangeState machine of spec.md §4.1: trailing
// pages of the old file, fresh page-0 descriptor of the new file, and
// file-0 page-0's "current file no" pointer are conceptually written in
// parallel; here they are issued back to back against the part's single
// fsio worker (which serialises per-part I/O, preserving the "return to
// NOT_ONGOING only when all three are acknowledged" contract).
func (w *Writer) changeFile(p *Part, newFile uint32) error {
	p.FileChangeState = FileChangeBothWritesOngoing
	defer func() { p.FileChangeState = FileChangeNotOngoing }()

	worker := w.workers[p.ID]

	// (a) trailing pages of the old file: flush whatever is dirty.
	if err := w.flushPage(p, true); err != nil {
		return err
	}

	// (b) new file's page 0: fresh file-descriptor entries.
	fdPage := buildFileDescriptorPage(p.Ring, newFile)
	if reply := worker.Submit(&fsio.Request{
		Kind:   fsio.KindWrite,
		Path:   fmt.Sprintf("file-%d", newFile),
		Offset: 0,
		Data:   wordsToBytes(fdPage.Words[:]),
	}); reply.Err != nil {
		fatal.Crash(w.log, "redolog: failed writing new file descriptor", "part", p.ID, "file", newFile, "err", reply.Err)
		return reply.Err
	}

	// (c) file 0 page 0 "current file no" pointer, so restart can locate
	// the head from file 0 page 0 alone (spec.md §6.1).
	cur := logpage.Page{}
	cur.Words[logpage.HeaderWords] = newFile
	if reply := worker.Submit(&fsio.Request{
		Kind:   fsio.KindWrite,
		Path:   "file-0",
		Offset: logpage.HeaderWords * logpage.WordSize,
		Data:   wordsToBytes(cur.Words[logpage.HeaderWords : logpage.HeaderWords+1]),
	}); reply.Err != nil {
		fatal.Crash(w.log, "redolog: failed stamping file 0 current-file pointer", "err", reply.Err)
		return reply.Err
	}
	return nil
}

func buildFileDescriptorPage(r *Ring, newFile uint32) *logpage.Page {
	pg := &logpage.Page{}
	pg.Words[0] = logpage.RecFileDescriptor
	noFD := r.NoLogFiles
	if noFD > logpage.MaxLogFilesInPage0 {
		noFD = logpage.MaxLogFilesInPage0
	}
	pg.Words[1] = newFile
	pg.Words[2] = noFD
	off := logpage.FDHeaderWords
	for i := uint32(0); i < noFD; i++ {
		f := r.File((newFile + r.NoLogFiles - i) % r.NoLogFiles)
		copy(pg.Words[off:off+MbytesPerFile], f.Meta.MaxGCICompleted[:])
		off += MbytesPerFile
		copy(pg.Words[off:off+MbytesPerFile], f.Meta.MaxGCIStarted[:])
		off += MbytesPerFile
		// last_prep_ref[mbyte] (spec.md §6.1, §4.3 start-mbyte back-step):
		// file+mbyte pair, so two words per mbyte entry.
		for m := 0; m < MbytesPerFile; m++ {
			pg.Words[off] = f.Meta.LastPrepRef[m].File
			pg.Words[off+1] = f.Meta.LastPrepRef[m].Mbyte
			off += 2
		}
	}
	pg.Words[off] = logpage.RecNextLogRecord
	return pg
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

// flushPage writes the current page to disk if it is dirty, per the
// conditions of spec.md §4.1 "Flushing": here invoked explicitly on page
// full / mbyte change / enforce-write; the accumulated-full-pages and
// one-second-supervision triggers are driven by Writer.Tick and
// Writer.MaybeFlush below.
func (w *Writer) flushPage(p *Part, enforce bool) error {
	pg := p.Pages.Get(p.CurrentPage)
	if !pg.Dirty && !enforce {
		return nil
	}
	pg.SetLastPrepRef(p.LastPrepRef.File, p.LastPrepRef.Mbyte)
	pg.StampChecksum()
	worker := w.workers[p.ID]
	offset := int64(p.CurrentMbyte)*int64(PagesPerMbyte)*int64(logpage.PageSize) +
		int64(pg.CurrPageIndex()/logpage.PageWords)*int64(logpage.PageSize)
	p.pagesSinceSync++
	doSync := p.pagesSinceSync >= MaxRedoPagesWithoutSynch
	if doSync {
		p.pagesSinceSync = 0
	}
	reply := worker.Submit(&fsio.Request{
		Kind:   fsio.KindWrite,
		Path:   fmt.Sprintf("file-%d", p.CurrentFile),
		Offset: offset,
		Data:   wordsToBytes(pg.Words[:]),
		Sync:   doSync,
	})
	if reply.Err != nil {
		fatal.Crash(w.log, "redolog: log write failed", "part", p.ID, "file", p.CurrentFile, "err", reply.Err)
		return reply.Err
	}
	pg.Dirty = false
	p.unflushedPages = 0
	w.bytesWritten[p.ID].Mark(int64(logpage.PageSize))
	w.flushCounter[p.ID].Inc(1)

	if p.WWGLTrue {
		p.WWGLTrue = false
		return w.WriteCompletedGCI(p.ID, p.PendingGCI)
	}
	return nil
}

// MaybeFlush upgrades an in-progress page write when ZMAX_PAGES_WRITTEN
// record writes have accumulated since the last flush (unflushedPages is
// bumped once per record written, not once per filled page; spec.md §4.1
// "Flushing" condition (b)).
func (w *Writer) MaybeFlush(partID int) error {
	p := w.Parts[partID]
	if p.unflushedPages >= MaxPagesWritten {
		return w.flushPage(p, true)
	}
	return nil
}

// Tick is the one-second supervision signal (spec.md §4.1 "Flushing"
// condition (c)): flush any part with outstanding unflushed data.
func (w *Writer) Tick() {
	for _, p := range w.Parts {
		if p.unflushedPages > 0 {
			if err := w.flushPage(p, true); err != nil {
				w.log.Error("redolog: tick flush failed", "part", p.ID, "err", err)
			}
		}
	}
}

// writeWords appends a record's words into the current page, growing the
// page and marking it dirty; the caller must have already called
// ensureRoom for the record's total size.
func (w *Writer) writeWords(p *Part, words []uint32) {
	pg := p.Pages.Get(p.CurrentPage)
	idx := pg.CurrPageIndex()
	copy(pg.Words[idx:], words)
	pg.SetCurrPageIndex(idx + uint32(len(words)))
	pg.Dirty = true
	p.unflushedPages++
	if pg.CurrPageIndex() >= logpage.PageWords {
		w.flushPage(p, true)
	}
}

// WritePrepare appends a prepare record (spec.md §4.1 "Prepare record
// layout") and returns the position a later commit must reference.
// If the part is busy (ACTIVE) the caller should have already queued the
// op; WritePrepare assumes it owns the part for this call.
func (w *Writer) WritePrepare(partID int, hashValue uint32, opKind uint32, key, attr []uint32) (PrepareRecord, error) {
	p := w.Parts[partID]
	if p.State == PartTailProblem {
		return PrepareRecord{}, lqherr.ErrTailProblem
	}
	if p.State == PartFileChangeProblem {
		return PrepareRecord{}, lqherr.ErrFileChangeProblem
	}
	if p.Pages.Free() < MinLogPagesOperation {
		return PrepareRecord{}, lqherr.ErrTemporaryRedoLogFailure
	}
	total := logpage.PrepHeadWords + len(key) + len(attr)
	if err := w.ensureRoom(p, uint32(total)); err != nil {
		return PrepareRecord{}, err
	}
	// Captured after ensureRoom: a mbyte/file boundary crossing may have
	// moved the part onto a fresh page, and the record must be located by
	// where it actually lands (spec.md §8: a replay must reconstruct the
	// exact original record).
	startPage := uint32(p.CurrentPage)
	startIdx := w.currentPageWord(p)
	words := make([]uint32, 0, total)
	words = append(words, logpage.RecPrepOp, uint32(total), hashValue, opKind, uint32(len(attr)), uint32(len(key)))
	words = append(words, key...)
	words = append(words, attr...)
	if p.openPrepares == 0 {
		p.LastPrepRef = PrepRef{File: p.CurrentFile, Mbyte: p.CurrentMbyte}
	}
	p.openPrepares++
	w.writeWords(p, words)
	stopPage := uint32(p.CurrentPage)
	return PrepareRecord{File: p.CurrentFile, StartPage: startPage, StartIdx: startIdx, StopPage: stopPage}, nil
}

func (w *Writer) currentPageWord(p *Part) uint32 {
	return p.Pages.Get(p.CurrentPage).CurrPageIndex()
}

// WriteCommit appends a fixed-size commit record (spec.md §4.1 "Commit
// record layout") referencing a previously written prepare.
func (w *Writer) WriteCommit(partID int, tableID, schemaVersion, fragID uint32, prep PrepareRecord, gci uint32) error {
	p := w.Parts[partID]
	if err := w.ensureRoom(p, logpage.CommitLogWords); err != nil {
		return err
	}
	words := []uint32{
		logpage.RecCommit, tableID, schemaVersion, fragID,
		prep.File, prep.StartPage, prep.StartIdx, prep.StopPage, gci,
	}
	w.writeWords(p, words)
	pg := p.Pages.Get(p.CurrentPage)
	if gci > pg.MaxGCICompleted() {
		pg.SetMaxGCICompleted(gci)
	}
	if gci > pg.MaxGCIStarted() {
		pg.SetMaxGCIStarted(gci)
	}
	if p.openPrepares > 0 {
		p.openPrepares--
	}
	if p.openPrepares == 0 {
		// No prepare left outstanding: the back-pointer collapses to "here",
		// so a restart stepping back from this mbyte has nothing earlier to
		// chase for this part (spec.md §3 last_prep_ref).
		p.LastPrepRef = PrepRef{File: p.CurrentFile, Mbyte: p.CurrentMbyte}
	}
	return nil
}

// WriteAbort appends a 3-word abort record (spec.md §4.1 "Abort").
func (w *Writer) WriteAbort(partID int, transid1, transid2 uint32) error {
	p := w.Parts[partID]
	if err := w.ensureRoom(p, logpage.AbortLogWords); err != nil {
		return err
	}
	w.writeWords(p, []uint32{logpage.RecAbort, transid1, transid2})
	return nil
}

// WriteCompletedGCI appends a 2-word completed-GCI record (spec.md §4.1
// "Completed-GCI"), or defers it via WWGLTrue if the part is mid-write
// (spec.md §4.5).
func (w *Writer) WriteCompletedGCI(partID int, gci uint32) error {
	p := w.Parts[partID]
	if p.State == PartActive {
		p.WWGLTrue = true
		p.PendingGCI = gci
		return nil
	}
	if err := w.ensureRoom(p, logpage.CompletedGCIWords); err != nil {
		return err
	}
	w.writeWords(p, []uint32{logpage.RecCompletedGCI, gci})
	return w.flushPage(p, true)
}

// SyncPart issues an explicit FSSYNCREQ against a part's current file
// (spec.md §4.5 GCP_SAVEREQ's final fan-out step). WriteCompletedGCI's own
// flushPage call only conditionally syncs once MaxRedoPagesWithoutSynch
// pages have accumulated, so a GCP save still needs its own unconditional
// sync to guarantee the completed-GCI record it just appended is durable
// before replying GCP_SAVECONF.
func (w *Writer) SyncPart(partID int) error {
	p := w.Parts[partID]
	worker := w.workers[p.ID]
	reply := worker.Submit(&fsio.Request{
		Kind: fsio.KindSync,
		Path: fmt.Sprintf("file-%d", p.CurrentFile),
	})
	if reply.Err != nil {
		w.log.Error("redolog: explicit sync failed", "part", p.ID, "file", p.CurrentFile, "err", reply.Err)
	}
	return reply.Err
}
