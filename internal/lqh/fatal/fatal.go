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

// Package fatal is the idiomatic-Go reading of the source's
// ndbrequire(false): a structural/invariant violation (spec.md §7) is not
// a recoverable error, it is a reason for the whole node to stop. We keep
// that behaviour rather than softening it into a returned error (spec.md §9
// open questions: "do not soften these").
package fatal

import "github.com/ethereum/go-ethereum/log"

// Crash logs the diagnostic context at Crit level and terminates the
// process. log.Crit exits the process after logging, mirroring the
// source's behaviour of halting the node rather than limping on with
// corrupted state.
func Crash(logger log.Logger, msg string, ctx ...interface{}) {
	logger.Crit(msg, ctx...)
}
