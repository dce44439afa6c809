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

// Package storage defines the downstream storage-engine interfaces of
// spec.md §6.4 (ACC, TUP, TUX), modeled per spec.md §9 as synchronous
// trait calls ("the source uses EXECUTE_DIRECT... Model as a trait whose
// methods return Reply synchronously"). These engines are out of scope
// per spec.md §1; only the request/response contract is specified here,
// plus one in-memory reference implementation (storage/memstore) so the
// in-scope subsystems are actually testable end to end.
package storage

import "github.com/ndbrepo/lqhd/internal/lqh/optab"

// KeyRequest mirrors ACCKEYREQ: a prepared key lookup against the hash
// index.
type KeyRequest struct {
	TableID uint32
	FragID  uint32
	Key     []uint32
	Kind    optab.Kind
}

// KeyReply mirrors ACCKEYCONF/ACCKEYREF.
type KeyReply struct {
	Found bool
	Slot  uint32
	Err   error
}

// KeyIndex is the ACC contract consumed by the op state machine (spec.md
// §6.4: ACCSEIZEREQ, ACCKEYREQ, ACC_COMMITREQ, ACC_ABORTREQ, plus the LCP
// hold/continue operations consumed by internal/lqh/lcp).
type KeyIndex interface {
	Seize(fragID uint32) (slot uint32, err error)
	KeyReq(req KeyRequest) KeyReply
	Commit(fragID, slot uint32) error
	Abort(fragID, slot uint32) error

	// LCP coordination (spec.md §4.4).
	FragIDReq(fragID uint32) error
	LCPReq(fragID uint32, lcpID uint32) error
	HoldOpReq(fragID uint32, slots []uint32) error
	ContOpReq(fragID uint32) error
	EndLCPReq(fragID uint32) error
}

// RowRequest mirrors TUPKEYREQ: the row-store half of an operation once
// ACC has resolved a slot.
type RowRequest struct {
	TableID uint32
	FragID  uint32
	Slot    uint32
	Kind    optab.Kind
	Key     []uint32
	Attr    []uint32
}

// RowReply mirrors TUPKEYCONF/TUPKEYREF.
type RowReply struct {
	ReadLen int
	Err     error
}

// RowStore is the TUP contract (spec.md §6.4: TUPSEIZEREQ, TUPKEYREQ,
// TUP_COMMITREQ, TUP_ABORTREQ, TUP_PREPLCPREQ, TUP_LCPREQ, TUP_SRREQ).
type RowStore interface {
	Seize(fragID uint32) (slot uint32, err error)
	KeyReq(req RowRequest) RowReply
	Commit(fragID, slot uint32) error
	Abort(fragID, slot uint32) error

	PrepLCPReq(fragID uint32) error
	LCPReq(fragID uint32, lcpID uint32) error
	EndLCPReq(fragID uint32) error
	SRReq(fragID uint32, req RowRequest) RowReply // system-restart replay write
}

// OrderedIndex is the TUX contract (spec.md §6.4: TUXFRAGREQ, TUX_ADD_ATTRREQ),
// carried for ordered-index fragments parallel to ACC.
type OrderedIndex interface {
	FragReq(tableID, fragID uint32) error
	AddAttrReq(tableID, fragID, attrID uint32) error
}
