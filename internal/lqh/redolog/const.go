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

// Package redolog implements the per-part circular redo log: the file
// ring, the log writer (spec.md §4.1) and the page-flush/file-change
// protocols. Replay lives in the sibling package internal/lqh/replay.
package redolog

import "github.com/ndbrepo/lqhd/internal/lqh/logpage"

// NumLogParts is hard-coded at 4. spec.md §9 open questions: the source
// hard-codes this and its configurability is ambiguous — keep it fixed.
const NumLogParts = 4

// File/part geometry (spec.md §6.1): 16 MiB files, 128 pages per mbyte.
const (
	PagesPerMbyte  = 128
	MbytesPerFile  = logpage.NoMbytesInFile
	PagesPerFile   = PagesPerMbyte * MbytesPerFile
	FileBytes      = PagesPerFile * logpage.PageSize
)

// Flush/sync policy (spec.md §4.1 "Flushing").
const (
	MaxPagesWritten          = 8  // ZMAX_PAGES_WRITTEN: flush threshold on accumulated full pages
	MaxRedoPagesWithoutSynch = 64 // MAX_REDO_PAGES_WITHOUT_SYNCH: upgrade flush to write+sync
	MinLogPagesOperation     = 4  // ZMIN_LOG_PAGES_OPERATION: below this, prepares fail temporarily
)

// ZNEXT_LOG_SIZE: reserved tail budget that must remain in an mbyte for a
// NEXT_MBYTE marker, checked before every record write (spec.md §4.1).
const NextLogSize = logpage.NextMbyteWords

// PartState is the log part's coarse operating mode (spec.md §3 "Log part").
type PartState int

const (
	PartIdle PartState = iota
	PartActive
	PartTailProblem
	PartFileChangeProblem
	PartRestartingHeadFind
	PartRestartingReplay
)

func (s PartState) String() string {
	switch s {
	case PartIdle:
		return "IDLE"
	case PartActive:
		return "ACTIVE"
	case PartTailProblem:
		return "TAIL_PROBLEM"
	case PartFileChangeProblem:
		return "FILE_CHANGE_PROBLEM"
	case PartRestartingHeadFind:
		return "SR_HEAD_FIND"
	case PartRestartingReplay:
		return "SR_REPLAY"
	default:
		return "UNKNOWN"
	}
}

// FileChangeState serialises the three parallel writes of the file-change
// protocol (spec.md §4.1 "File-change protocol").
type FileChangeState int

const (
	FileChangeNotOngoing FileChangeState = iota
	FileChangeFirstWriteOngoing
	FileChangeLastWriteOngoing
	FileChangeBothWritesOngoing
	FileChangeWritePageZeroOngoing
)
