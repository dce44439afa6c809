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

// Package restart drives the four STTOR/NDB_STTOR phases of spec.md §4.6:
// block/own-node allocation, per-operation ACC/TUP context seizing, log
// file initialisation, and — for a node or system restart — the
// START_RECREQ/replay/START_RECCONF dance built on internal/lqh/replay.
package restart

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ndbrepo/lqhd/internal/lqh/fsio"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/replay"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
	"golang.org/x/sync/errgroup"
)

// StartType mirrors cstartType (spec.md §4.6).
type StartType int

const (
	StartInitial StartType = iota
	StartNodeRestart
	StartSystemRestart
)

// FragWaiting is one fragment replay must restore, carrying the desired
// execution range spec.md §4.3 "Execution bounds" folds into the part-wide
// bounds.
type FragWaiting struct {
	TableID uint32
	FragID  uint32
	Range   replay.FragRange
}

// RecReq mirrors START_RECREQ(keepGci, lastCompletedGci, newestGci).
type RecReq struct {
	KeepGci          uint32
	LastCompletedGci uint32
	NewestGci        uint32
}

// RecConf mirrors START_RECCONF.
type RecConf struct {
	NodeID uint32
}

// Orchestrator carries a node through the four phases. One Orchestrator
// per process restart; phases must be driven in order.
type Orchestrator struct {
	Ops      *optab.Table
	ACC      storage.KeyIndex
	TUP      storage.RowStore
	Writer   *redolog.Writer
	Dispatch *signal.Dispatcher
	OwnNode  uint32

	logger log.Logger

	// Diskless mirrors CFG_DB_DISCLESS (spec.md §6.2): skip log-page
	// content validation on restart and synthesise log-lap=1. A diskless
	// node has nothing durable to replay, so Phase4 treats it exactly
	// like StartInitial regardless of the requested startType.
	Diskless bool

	startType StartType
	phase     int

	// diskParts/diskLocs/diskWorkers hold each part's disk-backed state
	// between Phase3 (head-finding) and Phase4 (bounded replay + tail
	// invalidation) for a node or system restart. Unused, and left nil, for
	// an initial start or a diskless node.
	diskParts   [redolog.NumLogParts]*redolog.Part
	diskLocs    [redolog.NumLogParts][]redolog.PageLoc
	diskWorkers [redolog.NumLogParts]*fsio.Worker
}

// New builds an orchestrator. The storage/log/dispatch collaborators are
// the same instances the rest of the process will use once restart
// completes — restart does not own a private copy of them.
func New(ops *optab.Table, acc storage.KeyIndex, tup storage.RowStore, writer *redolog.Writer, disp *signal.Dispatcher, ownNode uint32, logger log.Logger) *Orchestrator {
	return &Orchestrator{Ops: ops, ACC: acc, TUP: tup, Writer: writer, Dispatch: disp, OwnNode: ownNode, logger: logger}
}

// Phase1 allocates blocks and discovers the node's own identity. Block
// registration is explicitly out of scope (spec.md §1, SPEC_FULL.md §4.9);
// this records OwnNode and advances the phase counter, the only part of
// phase 1 this process actually needs to act on.
func (o *Orchestrator) Phase1() error {
	if o.phase != 0 {
		return fmt.Errorf("restart: phase 1 out of order (at phase %d)", o.phase)
	}
	o.logger.Info("restart: phase 1 (block/own-node discovery)", "node", o.OwnNode)
	o.phase = 1
	return nil
}

// Phase2 seizes one ACC and one TUP context per operation record (spec.md
// §4.6 "one-to-one seize... one ACCSEIZEREQ + TUPSEIZEREQ per
// op-record"). storage.KeyIndex.Seize/RowStore.Seize are fragment-scoped
// (they hand back a row slot for a live key operation); the source's
// startup seize instead pre-allocates generic per-operation *contexts* in
// ACC/TUP with no fragment or key attached yet, a shape this simplified
// storage contract has no equivalent for. Rather than call Seize with a
// placeholder fragID — which would leave synthetic rows behind in a real
// engine — phase 2 here only verifies the op-record pool's capacity is
// what ACC/TUP are expected to size their own context pools to match.
func (o *Orchestrator) Phase2() error {
	if o.phase != 1 {
		return fmt.Errorf("restart: phase 2 out of order (at phase %d)", o.phase)
	}
	n := o.Ops.Capacity()
	o.logger.Info("restart: phase 2 (ACC/TUP context capacity)", "opRecords", n)
	o.phase = 2
	return nil
}

// Phase3 initialises the log files. For an initial start, redolog.NewWriter
// has already performed the create-all-files-and-write-descriptors dance
// (see Writer.initPart). For a node or system restart on a non-diskless
// node, this is where spec.md §4.3 "Head/tail location" begins: every
// part's files are read back off disk (redolog.LoadAndFindHead) to find
// where writing must resume, ahead of Phase4's bounded replay over that
// same disk-backed state.
func (o *Orchestrator) Phase3(startType StartType) error {
	if o.phase != 2 {
		return fmt.Errorf("restart: phase 3 out of order (at phase %d)", o.phase)
	}
	o.startType = startType
	o.logger.Info("restart: phase 3 (log file init)", "startType", startType)

	if startType != StartInitial && !o.Diskless {
		for i := 0; i < redolog.NumLogParts; i++ {
			p, locs, worker, err := redolog.LoadAndFindHead(o.Writer.DataDir, i, o.Writer.NoFiles, o.Writer.PagePoolCap, o.logger)
			if err != nil {
				return fmt.Errorf("restart: phase 3 head-finding part %d: %w", i, err)
			}
			o.diskParts[i] = p
			o.diskLocs[i] = locs
			o.diskWorkers[i] = worker
		}
	}

	o.phase = 3
	return nil
}

// Phase4 awaits START_RECREQ and, for a node or system restart, runs
// replay over every waiting fragment before replying START_RECCONF. An
// initial start has no log to replay and returns immediately.
func (o *Orchestrator) Phase4(req RecReq, frags []FragWaiting, deliver replay.Deliver) (RecConf, error) {
	if o.phase != 3 {
		return RecConf{}, fmt.Errorf("restart: phase 4 out of order (at phase %d)", o.phase)
	}
	defer func() { o.phase = 4 }()

	if o.startType == StartInitial || o.Diskless {
		return RecConf{NodeID: o.OwnNode}, nil
	}

	ranges := make([]replay.FragRange, len(frags))
	fragRanges := make(map[[2]uint32]replay.FragRange, len(frags))
	for i, f := range frags {
		ranges[i] = f.Range
		fragRanges[[2]uint32{f.TableID, f.FragID}] = f.Range
	}
	bounds := replay.ComputeBounds(ranges)
	fragSet := replay.NewFragSet(fragRanges)
	_ = req // keepGci/lastCompletedGci/newestGci inform bounds upstream of this call (DIH's job); req is carried for future use recording logPartNewestCompletedGCI

	// Narrow each part's disk-loaded history to the replay window spec.md
	// §4.3 "Execution bounds" describes before fanning out: TrimToBounds
	// only touches its own part's data, so doing this ahead of the
	// goroutines below is race-free.
	var headTails [redolog.NumLogParts]redolog.HeadTail
	for i := 0; i < redolog.NumLogParts; i++ {
		p, locs, ht := redolog.TrimToBounds(o.diskParts[i], o.diskLocs[i], bounds.LogStartGci, bounds.LogLastGci)
		o.diskParts[i], o.diskLocs[i], headTails[i] = p, locs, ht
	}

	// Parts replay independently (spec.md §5 "Across parts, order is
	// independent"); run all NumLogParts concurrently via errgroup, the
	// same per-part fan-out shape cmd/geth's own lag_between_tx_inclusion
	// test uses errgroup.WithContext for. deliver is shared across parts,
	// so callers whose deliver touches shared state (storage.KeyIndex/
	// RowStore) must make it safe for concurrent calls, as
	// storage/memstore's Store does with its own mutex.
	var deliverMu sync.Mutex
	g := new(errgroup.Group)
	for i := 0; i < redolog.NumLogParts; i++ {
		i := i
		src := replay.Source{Part: o.diskParts[i], Locs: o.diskLocs[i], Worker: o.diskWorkers[i]}
		g.Go(func() error {
			guarded := func(r replay.Reconstructed) error {
				deliverMu.Lock()
				defer deliverMu.Unlock()
				return deliver(r)
			}
			return replay.Run(src, bounds, fragSet, guarded, o.logger)
		})
	}
	if err := g.Wait(); err != nil {
		return RecConf{}, err
	}

	// Find each part's fresh head, open current/next files and invalidate
	// the tail (spec.md §4.3 "Tail invalidation"): every page strictly past
	// the head whose log-lap still matches the part's current lap is
	// rewritten to log-lap=0, so a future restart's head-finding scan is
	// unambiguous. The live writer then resumes appending from the
	// disk-derived head rather than the empty part NewWriter allocated.
	for i := 0; i < redolog.NumLogParts; i++ {
		p := o.diskParts[i]
		ht := headTails[i]
		if len(o.diskLocs[i]) > 0 {
			if err := redolog.InvalidateTail(o.diskWorkers[i], p.Ring, ht.HeadFile, ht.HeadMbyte, p.CurrentLap); err != nil {
				return RecConf{}, fmt.Errorf("restart: phase 4 tail invalidation part %d: %w", i, err)
			}
			// Only adopt the disk-derived part when it actually holds a
			// resumable head: an empty disk load has no allocated
			// CurrentPage, and swapping it in would leave the live writer
			// appending through an unallocated pool slot.
			o.Writer.Parts[i] = p
		}
		o.diskWorkers[i].Close()
	}

	return RecConf{NodeID: o.OwnNode}, nil
}
