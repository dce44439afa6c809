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

// Package opstate implements the operation state machine of spec.md §4.2:
// prepare/commit/complete/abort transitions, chain-replication forwarding
// and the routing of storage-engine replies per spec.md §7's connectState
// policy. Storage engines are modeled as synchronous trait calls (spec.md
// §9), so a handler here runs a whole LQHKEYREQ/COMMIT/ABORT to completion
// in one call, matching the run-to-completion discipline of spec.md §5.
package opstate

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/packed"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
)

// KeyReq mirrors LQHKEYREQ (spec.md §6.3).
type KeyReq struct {
	TCRef         uint32
	TCNodeID      uint32
	TableID       uint32
	SchemaVer     uint32
	FragID        uint32
	Transid1      uint32
	Transid2      uint32
	Key           []uint32
	Attr          []uint32
	Kind          optab.Kind
	HashValue     uint32
	SeqNoReplica  int
	LastReplicaNo int
	NextReplica   uint32
	MarkerRequired bool
	Dirty         bool // "dirty write": logs commit alongside prepare, no separate COMMIT wait
}

// KeyConf mirrors LQHKEYCONF.
type KeyConf struct {
	TCRef   uint32
	OpID    optab.OpID
	ReadLen int
}

// KeyRef mirrors LQHKEYREF: a failed prepare.
type KeyRef struct {
	TCRef uint32
	Err   error
}

// Machine is the operation state machine plus everything it touches
// synchronously: the op table, fragment registry, redo log writer, ACC/TUP
// collaborators, marker table, packed-signal buffers and outbound
// dispatcher (spec.md §4.2, §9: one struct of subsystems, no singletons).
type Machine struct {
	Ops      *optab.Table
	Frags    *fragment.Registry
	Log      *redolog.Writer
	ACC      storage.KeyIndex
	TUP      storage.RowStore
	Markers  *marker.Table
	Dispatch *signal.Dispatcher
	OwnNode  uint32

	logger log.Logger
	packedBuffers map[uint32]*packed.Buffer

	// FragDrained, if set, is invoked whenever ReleaseActiveFrag drains a
	// BLOCKED fragment's active list to empty (spec.md §4.4 step 2:
	// "releaseActiveFrag will drive step 3 when the last active op
	// drains"). The LCP coordinator (internal/lqh/lcp) wires this rather
	// than opstate depending on lcp directly.
	FragDrained func(f *fragment.Fragment)

	mPrepares metrics.Counter
	mCommits  metrics.Counter
	mAborts   metrics.Counter
}

// New builds a Machine. logger should already carry node-identifying
// context (go-ethereum log.Logger convention).
func New(ops *optab.Table, frags *fragment.Registry, wr *redolog.Writer, acc storage.KeyIndex, tup storage.RowStore, markers *marker.Table, disp *signal.Dispatcher, ownNode uint32, logger log.Logger) *Machine {
	return &Machine{
		Ops: ops, Frags: frags, Log: wr, ACC: acc, TUP: tup, Markers: markers,
		Dispatch: disp, OwnNode: ownNode, logger: logger,
		packedBuffers: make(map[uint32]*packed.Buffer),
		mPrepares:     metrics.NewRegisteredCounter("lqh/opstate/prepares", nil),
		mCommits:      metrics.NewRegisteredCounter("lqh/opstate/commits", nil),
		mAborts:       metrics.NewRegisteredCounter("lqh/opstate/aborts", nil),
	}
}

func (m *Machine) packedFor(node uint32) *packed.Buffer {
	b, ok := m.packedBuffers[node]
	if !ok {
		b = packed.NewBuffer(node)
		m.packedBuffers[node] = b
	}
	return b
}

// sendPacked coalesces e into node's packed buffer and dispatches
// immediately if that filled or overflowed it (spec.md §4.2 "Packed
// signals"). The op-state machine flushes eagerly rather than waiting for
// an explicit SEND_PACKED tick, since it has no end-of-job-buffer signal of
// its own to hook that into.
func (m *Machine) sendPacked(node uint32, e packed.Entry) {
	buf := m.packedFor(node)
	if flushed := buf.Add(e); flushed != nil {
		m.Dispatch.Send(signal.Signal{Name: "PACKED_SIGNAL", To: signal.BlockRef{NodeID: node}, Payload: flushed})
	}
	if flushed := buf.Flush(); flushed != nil {
		m.Dispatch.Send(signal.Signal{Name: "PACKED_SIGNAL", To: signal.BlockRef{NodeID: node}, Payload: flushed})
	}
}

// Prepare runs the full prepare path of spec.md §4.2: seize, validate,
// forward key/attr to ACC then TUP, log the prepare, and either reply
// LQHKEYCONF (last replica) or forward LQHKEYREQ to the next replica in
// the chain.
func (m *Machine) Prepare(req KeyReq) (*KeyConf, *KeyRef) {
	m.mPrepares.Inc(1)

	f, ok := m.Frags.Lookup(req.TableID, req.FragID)
	if !ok {
		return nil, &KeyRef{TCRef: req.TCRef, Err: lqherr.ErrWrongFragment}
	}
	if f.Status == fragment.StatusBlocked {
		op, err := m.Ops.Seize(req.Transid1, req.Transid2, req.TCRef)
		if err != nil {
			return nil, &KeyRef{TCRef: req.TCRef, Err: err}
		}
		m.installOp(op, req)
		op.State = optab.StateStopped
		m.Frags.EnqueueWait(f, op)
		return nil, nil // queued; caller observes no immediate reply
	}

	op, err := m.Ops.Seize(req.Transid1, req.Transid2, req.TCRef)
	if err != nil {
		return nil, &KeyRef{TCRef: req.TCRef, Err: err}
	}
	m.installOp(op, req)
	return m.driveToPrepared(op, f)
}

func (m *Machine) installOp(op *optab.Op, req KeyReq) {
	op.TCRef = req.TCRef
	op.TCNodeID = req.TCNodeID
	op.TableID = req.TableID
	op.SchemaVer = req.SchemaVer
	op.FragID = req.FragID
	op.OpKind = req.Kind
	op.HashValue = req.HashValue
	op.SeqNoReplica = req.SeqNoReplica
	op.LastReplicaNo = req.LastReplicaNo
	op.NextReplica = req.NextReplica
	op.MarkerRequired = req.MarkerRequired
	op.Dirty = req.Dirty
	op.Connect = optab.ConnectConnected

	op.Key = splitBuf(req.Key, optab.InlineKeyWords)
	op.Attr = splitBuf(req.Attr, optab.InlineAttrWords)
}

func splitBuf(words []uint32, inlineCap int) optab.Buf {
	if len(words) <= inlineCap {
		return optab.Buf{Inline: words}
	}
	return optab.Buf{Inline: words[:inlineCap], Overflow: words[inlineCap:]}
}

// driveToPrepared runs WAIT_ACC -> WAIT_TUP -> log prepare -> PREPARED,
// continuing the fragment's queued chain afterwards if this was a queued
// dequeue.
func (m *Machine) driveToPrepared(op *optab.Op, f *fragment.Fragment) (*KeyConf, *KeyRef) {
	op.State = optab.StateWaitACC
	key := op.Key.Words()
	attr := op.Attr.Words()

	slot, err := m.ACC.Seize(op.FragID)
	if err != nil {
		return m.failPrepare(op, err)
	}
	accReply := m.ACC.KeyReq(storage.KeyRequest{TableID: op.TableID, FragID: op.FragID, Key: key, Kind: op.OpKind})
	if accReply.Err != nil {
		if !m.tolerateStorageErr(f, accReply.Err) {
			m.ACC.Abort(op.FragID, slot)
			return m.failPrepare(op, accReply.Err)
		}
	}

	op.State = optab.StateWaitTUP
	tupSlot, err := m.TUP.Seize(op.FragID)
	if err != nil {
		m.ACC.Abort(op.FragID, slot)
		return m.failPrepare(op, err)
	}
	tupReply := m.TUP.KeyReq(storage.RowRequest{TableID: op.TableID, FragID: op.FragID, Slot: tupSlot, Kind: op.OpKind, Key: key, Attr: attr})
	if tupReply.Err != nil {
		if !m.tolerateStorageErr(f, tupReply.Err) {
			m.ACC.Abort(op.FragID, slot)
			m.TUP.Abort(op.FragID, tupSlot)
			return m.failPrepare(op, tupReply.Err)
		}
	}

	// Log the prepare (spec.md §4.1 "Prepare record layout"). Fragments
	// with Logging disabled (e.g. some ACTIVE_CREATION phases) skip this.
	if f.Logging {
		op.State = optab.StateLogQueued
		part := redolog.PartFor(op.HashValue)
		prep, err := m.Log.WritePrepare(part, op.HashValue, uint32(op.OpKind), key, attr)
		if err != nil {
			m.ACC.Abort(op.FragID, slot)
			m.TUP.Abort(op.FragID, tupSlot)
			return m.failPrepare(op, err)
		}
		op.LogWrite = optab.LogWritten
		op.PrepPos = prep

		if req, ok := m.markerFor(op); ok {
			m.Markers.Insert(req)
		}

		if op.Dirty {
			// Dirty write: commit record logged immediately alongside the
			// prepare, no separate COMMIT wait (spec.md §4.2 "Commit path").
			if err := m.Log.WriteCommit(part, op.TableID, op.SchemaVer, op.FragID, op.PrepPos, op.GCI); err != nil {
				return m.failPrepare(op, err)
			}
			m.ACC.Commit(op.FragID, slot)
			m.TUP.Commit(op.FragID, tupSlot)
			m.Ops.Release(op)
			m.mCommits.Inc(1)
			return &KeyConf{TCRef: op.TCRef, OpID: op.ID, ReadLen: tupReply.ReadLen}, nil
		}
	} else {
		op.LogWrite = optab.LogNotWritten
	}

	op.State = optab.StatePrepared
	m.Frags.LinkActiveFrag(f, op)

	if op.SeqNoReplica >= op.LastReplicaNo {
		return &KeyConf{TCRef: op.TCRef, OpID: op.ID, ReadLen: tupReply.ReadLen}, nil
	}
	m.forwardPrepare(op)
	return nil, nil
}

// forwardPrepare sends the op's LQHKEYREQ on to the next node in the
// replica chain (spec.md §4.2 "Chain replication"). The forwarded op
// carries seqNoReplica+1 so the receiving node's own chain check advances.
func (m *Machine) forwardPrepare(op *optab.Op) {
	fwd := KeyReq{
		TCRef: op.TCRef, TableID: op.TableID, SchemaVer: op.SchemaVer, FragID: op.FragID,
		Transid1: op.Transid1, Transid2: op.Transid2,
		Key: op.Key.Words(), Attr: op.Attr.Words(), Kind: op.OpKind, HashValue: op.HashValue,
		SeqNoReplica: op.SeqNoReplica + 1, LastReplicaNo: op.LastReplicaNo,
		NextReplica: op.NodeAfterNext[0], MarkerRequired: op.MarkerRequired,
	}
	m.Dispatch.Send(signal.Signal{
		Name: "LQHKEYREQ",
		From: signal.BlockRef{NodeID: m.OwnNode},
		To:   signal.BlockRef{NodeID: op.NextReplica},
		Payload: fwd,
	})
}

func (m *Machine) markerFor(op *optab.Op) (marker.Marker, bool) {
	if !op.MarkerRequired {
		return marker.Marker{}, false
	}
	return marker.Marker{Transid1: op.Transid1, Transid2: op.Transid2, APIRef: op.TCRef, TCNodeID: op.TCNodeID}, true
}

func (m *Machine) failPrepare(op *optab.Op, err error) (*KeyConf, *KeyRef) {
	m.Ops.Release(op)
	return nil, &KeyRef{TCRef: op.TCRef, Err: err}
}

// tolerateStorageErr implements spec.md §7's ACTIVE_CREATION tolerance:
// "TUPLE_ALREADY_EXIST"/"NO_TUPLE_FOUND" are non-errors while a fragment is
// being filled by copy from another node.
func (m *Machine) tolerateStorageErr(f *fragment.Fragment, err error) bool {
	if f.Status != fragment.StatusActiveCreation {
		return false
	}
	return errors.Is(err, lqherr.ErrNoTupleFound) || errors.Is(err, lqherr.ErrTupleAlreadyExist) || errors.Is(err, lqherr.ErrSearchConditionFalse)
}

// Commit runs spec.md §4.2 "Commit path" for the op matching
// (transid1, transid2, tcOprec): append a commit log record if the op was
// logged, then commit in ACC/TUP, then reply/forward.
func (m *Machine) Commit(transid1, transid2, tcOprec, gci uint32) error {
	op, ok := m.Ops.Lookup(transid1, transid2, tcOprec)
	if !ok {
		m.logger.Warn("opstate: COMMIT for unknown op", "transid1", transid1, "transid2", transid2)
		return nil // protocol-timing warning, not an error (spec.md §7)
	}
	if op.State != optab.StatePrepared {
		m.logger.Warn("opstate: COMMIT in unexpected state", "state", op.State)
		return nil
	}
	op.GCI = gci

	if op.LogWrite == optab.LogWritten {
		part := redolog.PartFor(op.HashValue)
		op.State = optab.StateLogCommitQueued
		if err := m.Log.WriteCommit(part, op.TableID, op.SchemaVer, op.FragID, op.PrepPos, gci); err != nil {
			return err
		}
		op.State = optab.StateLogCommitWritten
	}

	m.ACC.Commit(op.FragID, 0)
	m.TUP.Commit(op.FragID, 0)
	op.State = optab.StateCommitted
	m.mCommits.Inc(1)
	m.sendPacked(op.TCNodeID, packed.Entry{Type: packed.EntryCommitted, Words: []uint32{op.TCRef}})

	frag, ok := m.Frags.Lookup(op.TableID, op.FragID)
	if ok {
		m.Frags.ReleaseActiveFrag(frag, op)
		m.notifyDrain(frag)
	}
	m.Ops.Release(op)
	return nil
}

// notifyDrain fires FragDrained when a BLOCKED fragment's active list has
// just emptied (spec.md §4.4 step 2).
func (m *Machine) notifyDrain(f *fragment.Fragment) {
	if f.Status == fragment.StatusBlocked && f.ActiveListEmpty() && m.FragDrained != nil {
		m.FragDrained(f)
	}
}

// Resume drives a previously-queued op — one dequeued from a fragment's
// wait queue once it leaves BLOCKED — through the prepare path (spec.md
// §4.4 step 4: "drain fragment wait queue via
// CONTINUEB[RESTART_OPERATIONS_AFTER_STOP]"). Callers such as
// internal/lqh/lcp own the rate-limiting; Resume just runs one op.
func (m *Machine) Resume(op *optab.Op) (*KeyConf, *KeyRef) {
	f, ok := m.Frags.Lookup(op.TableID, op.FragID)
	if !ok {
		return m.failPrepare(op, lqherr.ErrWrongFragment)
	}
	return m.driveToPrepared(op, f)
}

// ReplyKeyConf sends a packed LQHKEYCONF to tcNode. Exposed for callers
// that complete an op outside the original Prepare call (e.g.
// internal/lqh/lcp resuming an op dequeued from a fragment's wait queue),
// which otherwise have no way to deliver the reply a direct Prepare would
// have returned inline.
func (m *Machine) ReplyKeyConf(tcNode uint32, conf *KeyConf) {
	m.sendPacked(tcNode, packed.Entry{Type: packed.EntryLQHKeyConf, Words: []uint32{conf.TCRef, uint32(conf.ReadLen)}})
}

// ReplyKeyRef sends an LQHKEYREF to tcNode. LQHKEYREF has no packed entry
// type in the source (refs are rare enough to go unpacked), so this is a
// direct signal.
func (m *Machine) ReplyKeyRef(tcNode uint32, ref *KeyRef) {
	m.Dispatch.Send(signal.Signal{Name: "LQHKEYREF", From: signal.BlockRef{NodeID: m.OwnNode}, To: signal.BlockRef{NodeID: tcNode}, Payload: *ref})
}

// Abort runs spec.md §4.2 "Abort path" for the op matching
// (transid1, transid2, tcOprec).
func (m *Machine) Abort(transid1, transid2, tcOprec uint32, reason optab.AbortState) error {
	op, ok := m.Ops.Lookup(transid1, transid2, tcOprec)
	if !ok {
		m.logger.Warn("opstate: ABORT for unknown op", "transid1", transid1, "transid2", transid2)
		return nil
	}
	op.Abort = reason
	m.mAborts.Inc(1)

	switch op.State {
	case optab.StateWaitTUP:
		op.State = optab.StateWaitTupToAbort
	case optab.StatePrepared:
		if op.LogWrite == optab.LogWritten {
			part := redolog.PartFor(op.HashValue)
			if err := m.Log.WriteAbort(part, transid1, transid2); err != nil {
				return err
			}
		}
		m.ACC.Abort(op.FragID, 0)
		m.TUP.Abort(op.FragID, 0)
		if f, ok := m.Frags.Lookup(op.TableID, op.FragID); ok {
			m.Frags.ReleaseActiveFrag(f, op)
			m.notifyDrain(f)
		}
	default:
		// WAIT_ACC and not-yet-ACC'd: release from blocked list (no log
		// write was ever issued).
	}

	m.Markers.Remove(transid1, transid2)
	op.State = optab.StateStopped
	m.Ops.Release(op)
	return nil
}
