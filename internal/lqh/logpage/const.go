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

// Package logpage defines the fixed-size redo log page: its on-disk word
// layout, checksum rule and the free-list pool that hands pages out to the
// log writer and replay engine.
package logpage

// Page geometry. The source uses an 8 KiB / 2048-word page; kept verbatim
// per spec.md §6.1.
const (
	WordSize    = 4
	PageWords   = 2048
	PageSize    = PageWords * WordSize
	ChecksumSeed = 37
)

// Header word offsets, in words from the start of the page. Mirrors the
// source's ZPOS_* constants (spec.md §3, §6.1).
const (
	PosNextPage         = 0
	PosChecksum         = 1
	PosLogLap           = 2
	PosMaxGCICompleted  = 3
	PosMaxGCIStarted    = 4
	PosVersion          = 5
	PosNoLogFiles       = 6
	PosCurrPageIndex    = 7
	PosLastLogPrepRef   = 8
	PosLastPrepRefMbyte = 9
	HeaderWords         = 16 // room for header growth without breaking offsets
)

// File descriptor geometry (page 0 of every log file). Mirrors spec.md §6.1.
const (
	FDHeaderWords      = 3 // {FD_TYPE, file_no, no_fd}
	MaxLogFilesInPage0 = 16
	NoMbytesInFile     = 16
	// FDPartWords is one file entry's worth of per-mbyte summary vectors:
	// max_gci_completed, max_gci_started (one word/mbyte each) and
	// last_prep_ref (file+mbyte, two words/mbyte).
	FDPartWords = 4 * NoMbytesInFile
)

// Record type tags, word 0 of every log record (spec.md §6.1).
const (
	RecPrepOp       = 1
	RecCommit       = 2
	RecInvalidCommit = 3
	RecAbort        = 4
	RecCompletedGCI = 5
	RecFileDescriptor = 6
	RecNextLogRecord = 7
	RecNextMbyte    = 8
)

// Fixed record sizes (spec.md §4.1).
const (
	CommitLogWords = 9 // {COMMIT_TYPE, tableId, schemaVersion, fragId, file, startPage, startIndex, stopPage, gci}
	AbortLogWords  = 3 // {ABORT_TYPE, transid1, transid2}
	CompletedGCIWords = 2 // {COMPLETED_GCI_TYPE, gci}
	NextMbyteWords = 1
	PrepHeadWords  = 6 // {PREP_OP_TYPE, total-length, hash-value, operation-kind, attr-length, key-length}
)
