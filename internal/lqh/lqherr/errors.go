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

// Package lqherr is the error-kind taxonomy of spec.md §7: resource
// exhaustion, temporary log pressure, semantic, storage-engine-reported,
// protocol-timing and structural-violation errors. Temporary and semantic
// errors are sentinel values a caller inspects with errors.Is; structural
// violations are not errors at all — they go through internal/lqh/fatal.
package lqherr

import "errors"

// Resource exhaustion (spec.md §7 "Resource exhaustion").
var (
	ErrNoFreeLogPage       = errors.New("lqh: no free log page")
	ErrNoTcConnect         = errors.New("lqh: no free operation record (NO_TC_CONNECT_ERROR)")
	ErrNoFreeMarker        = errors.New("lqh: no free commit-ack marker")
	ErrGetAttrinbuf        = errors.New("lqh: no free attribute buffer (ZGET_ATTRINBUF_ERROR)")
	ErrNoFreeFragmentRec   = errors.New("lqh: no free fragment record (ZNO_FREE_FRAGMENTREC)")
	ErrNoFreeScanRec       = errors.New("lqh: no free scan record")
	ErrScanBookOverflow    = errors.New("lqh: scan ACC-op booking budget exceeded")
	ErrLcpQueueFull        = errors.New("lqh: LCP coordinator already has a queued fragment")
)

// Temporary log pressure (spec.md §7 "Temporary log pressure").
var (
	ErrTemporaryRedoLogFailure  = errors.New("lqh: temporary redo log failure (TEMPORARY_REDO_LOG_FAILURE)")
	ErrTailProblem              = errors.New("lqh: log tail problem (TAIL_PROBLEM_IN_LOG_ERROR)")
	ErrFileChangeProblem        = errors.New("lqh: log file change in progress (FILE_CHANGE_PROBLEM_IN_LOG_ERROR)")
)

// Semantic errors (spec.md §7 "Semantic").
var (
	ErrTableNotDefined     = errors.New("lqh: table not defined")
	ErrDropInProgress      = errors.New("lqh: table drop in progress")
	ErrWrongSchemaVersion  = errors.New("lqh: wrong schema version")
	ErrWrongFragment       = errors.New("lqh: wrong fragment")
	ErrWrongDistributionKey = errors.New("lqh: wrong distribution key")
	ErrKeyLengthEncoding   = errors.New("lqh: key length encoding error")
)

// Process lifecycle (spec.md §4.5 GCP_SAVEREF reasons).
var (
	ErrNodeShuttingDown      = errors.New("lqh: node shutting down (GCP_SAVEREF)")
	ErrNodeRestartInProgress = errors.New("lqh: node restart in progress (GCP_SAVEREF)")
)

// Storage-engine-reported (spec.md §7 "Storage-engine reported"). Whether
// these are errors at all depends on fragment.Status (ACTIVE_CREATION
// tolerates them); see opstate for the routing.
var (
	ErrTupleAlreadyExist    = errors.New("lqh: tuple already exists")
	ErrNoTupleFound         = errors.New("lqh: no tuple found")
	ErrSearchConditionFalse = errors.New("lqh: search condition false")
)

// IsTemporary reports whether err is one of the "retry later" kinds that a
// TC is expected to retry rather than surface to the end client.
func IsTemporary(err error) bool {
	switch {
	case errorsIs(err, ErrTemporaryRedoLogFailure),
		errorsIs(err, ErrTailProblem),
		errorsIs(err, ErrFileChangeProblem):
		return true
	default:
		return false
	}
}

func errorsIs(err, target error) bool { return errors.Is(err, target) }
