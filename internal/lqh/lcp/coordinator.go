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

// Package lcp implements the local checkpoint coordinator of spec.md
// §4.4: one fragment checkpointed at a time (plus a single queued
// fragment), the hold/block/restart dance around each fragment's active
// op list, and the EMPTY_LCP_REQ / LCP_COMPLETE_REP bookkeeping owed to
// DIH. ACC and TUP are modeled as synchronous trait calls (spec.md §9),
// so everything the real source waits on a *_LCPCONF signal for here
// completes inline; the one genuine suspension point — "wait for the
// active-op list to drain" — is wired through opstate.Machine's
// FragDrained hook rather than a signal wait.
package lcp

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/lqherr"
	"github.com/ndbrepo/lqhd/internal/lqh/opstate"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage"
)

// maxHoldBatch is the LCP_HOLDOPREQ batch size (spec.md §4.4 step 1:
// "batches of ≤23 handles").
const maxHoldBatch = 23

// resumeBreak is the per-break rate limit draining a fragment's wait
// queue once it leaves BLOCKED (spec.md §4.4 step 4: "16-op-per-break
// rate limit").
const resumeBreak = 16

// FragRep mirrors LCP_FRAG_REP, sent to every live DIH when a fragment's
// checkpoint completes (spec.md §4.4 step 5).
type FragRep struct {
	TableID              uint32
	FragID               uint32
	LcpID                uint32
	MaxGciInLcp          uint32
	MaxGciCompletedInLcp uint32
}

// CompleteRep mirrors LCP_COMPLETE_REP (spec.md §4.4 step 6).
type CompleteRep struct {
	LcpID uint32
}

// EmptyLCPConf mirrors EMPTY_LCP_CONF: either the just-finished fragment
// identity, or Idle=true if the coordinator was already idle.
type EmptyLCPConf struct {
	TableID uint32
	FragID  uint32
	Idle    bool
}

type inFlight struct {
	frag    *fragment.Fragment
	lcpID   uint32
	last    bool
	holding bool // true while waiting for the active list to drain (step 2)

	accConf, tupConf bool

	maxGciInLcp          uint32
	maxGciCompletedInLcp uint32
}

type queuedFrag struct {
	frag *fragment.Fragment
	last bool
}

// Coordinator drives spec.md §4.4 end to end. Construct with New, then
// wire Coordinator.onFragDrained to the owning opstate.Machine's
// FragDrained field.
type Coordinator struct {
	ACC      storage.KeyIndex
	TUP      storage.RowStore
	Frags    *fragment.Registry
	Machine  *opstate.Machine
	Dispatch *signal.Dispatcher
	OwnNode  uint32
	DIHNodes []uint32

	logger log.Logger

	lcpID   uint32
	current *inFlight
	queued  *queuedFrag

	emptyWaiters map[uint32]bool

	mFragsDone metrics.Counter
}

// New builds a coordinator and wires its drain callback into machine so
// that ReleaseActiveFrag (in opstate) can advance a BLOCKED fragment to
// step 3 the moment its active list empties.
func New(acc storage.KeyIndex, tup storage.RowStore, frags *fragment.Registry, machine *opstate.Machine, disp *signal.Dispatcher, ownNode uint32, dihNodes []uint32, logger log.Logger) *Coordinator {
	c := &Coordinator{
		ACC: acc, TUP: tup, Frags: frags, Machine: machine, Dispatch: disp,
		OwnNode: ownNode, DIHNodes: dihNodes, logger: logger,
		emptyWaiters: make(map[uint32]bool),
		mFragsDone:   metrics.NewRegisteredCounter("lqh/lcp/fragments", nil),
	}
	machine.FragDrained = c.onFragDrained
	return c
}

// StartLCP begins a new LCP round, per spec.md §4.4 ("accepts LCP_FRAG_ORD
// signals... plus a final last-fragment flag"); the id is assigned by DIH
// out of band and simply recorded here.
func (c *Coordinator) StartLCP(lcpID uint32) {
	c.lcpID = lcpID
}

// FragOrd handles one LCP_FRAG_ORD. A fragment currently being dropped is
// consumed and reported immediately, never entering the pipeline (spec.md
// §4.4: "extra orders against a table currently being dropped are
// consumed and reported immediately").
func (c *Coordinator) FragOrd(f *fragment.Fragment, last bool) error {
	if f.Status == fragment.StatusRemoving {
		c.reportFragDone(f.TableID, f.FragNo, 0, 0)
		if last {
			c.completeLCP(f.FragNo)
		}
		return nil
	}
	if c.current == nil {
		c.start(f, last)
		return nil
	}
	if c.queued != nil {
		return lqherr.ErrLcpQueueFull
	}
	c.queued = &queuedFrag{frag: f, last: last}
	return nil
}

// start runs step 1: FRAGIDREQ, the TUP/ACC prep calls, and the
// LCP_HOLDOPREQ batching of the fragment's active ops.
func (c *Coordinator) start(f *fragment.Fragment, last bool) {
	fid := f.FragNo
	if err := c.ACC.FragIDReq(fid); err != nil {
		c.logger.Warn("lcp: FRAGIDREQ failed", "frag", fid, "err", err)
	}
	if err := c.TUP.PrepLCPReq(fid); err != nil {
		c.logger.Warn("lcp: TUP_PREPLCPREQ failed", "frag", fid, "err", err)
	}
	if err := c.ACC.LCPReq(fid, c.lcpID); err != nil {
		c.logger.Warn("lcp: ACC_LCPREQ (prep) failed", "frag", fid, "err", err)
	}

	for _, batch := range batches(c.Frags.ActiveOpIDs(f), maxHoldBatch) {
		words := make([]uint32, len(batch))
		for i, id := range batch {
			words[i] = uint32(id)
		}
		if err := c.ACC.HoldOpReq(fid, words); err != nil {
			c.logger.Warn("lcp: LCP_HOLDOPREQ failed", "frag", fid, "err", err)
		}
	}

	f.Status = fragment.StatusBlocked
	c.current = &inFlight{frag: f, lcpID: c.lcpID, last: last, holding: true}

	// Step 2: if nothing is in flight, proceed straight to step 3;
	// otherwise onFragDrained (via Machine.FragDrained) will do it when
	// the last active op releases.
	if f.ActiveListEmpty() {
		c.sendStartLcp()
	}
}

// onFragDrained is Machine.FragDrained: advance step 2 -> step 3 once the
// fragment currently being held has no more in-flight ops.
func (c *Coordinator) onFragDrained(f *fragment.Fragment) {
	if c.current == nil || c.current.frag != f || !c.current.holding {
		return
	}
	c.sendStartLcp()
}

// sendStartLcp runs step 3 (start the checkpoint proper) then, since ACC
// and TUP reply synchronously here, step 4 immediately.
func (c *Coordinator) sendStartLcp() {
	cf := c.current
	cf.holding = false
	fid := cf.frag.FragNo

	if err := c.ACC.LCPReq(fid, cf.lcpID); err != nil {
		c.logger.Warn("lcp: ACC_LCPREQ (start) failed", "frag", fid, "err", err)
	} else {
		cf.accConf = true
	}
	if err := c.TUP.LCPReq(fid, cf.lcpID); err != nil {
		c.logger.Warn("lcp: TUP_LCPREQ failed", "frag", fid, "err", err)
	} else {
		cf.tupConf = true
	}

	cf.maxGciInLcp = cf.frag.Lcp.MaxGCIInLcp
	cf.maxGciCompletedInLcp = cf.frag.Lcp.MaxGCICompletedInLcp

	c.restartOps(cf)

	if cf.accConf && cf.tupConf {
		c.finishFragment(cf)
	}
}

// restartOps runs step 4's restart half: ACC_CONTOPREQ, then drains the
// fragment wait queue in resumeBreak-sized bursts.
func (c *Coordinator) restartOps(cf *inFlight) {
	fid := cf.frag.FragNo
	if err := c.ACC.ContOpReq(fid); err != nil {
		c.logger.Warn("lcp: ACC_CONTOPREQ failed", "frag", fid, "err", err)
	}
	cf.frag.Status = fragment.StatusActive

	for n := 0; n < resumeBreak; n++ {
		op, ok := c.Frags.DequeueWait(cf.frag)
		if !ok {
			break
		}
		tcNode := op.TCNodeID
		if conf, ref := c.Machine.Resume(op); conf != nil {
			c.Machine.ReplyKeyConf(tcNode, conf)
		} else if ref != nil {
			c.Machine.ReplyKeyRef(tcNode, ref)
		}
		// A resumed op that is not the last replica forwards itself via
		// opstate's own chain-replication path inside driveToPrepared and
		// returns (nil, nil) here, same as a fresh Prepare would.
	}
	// A real CONTINUEB[RESTART_OPERATIONS_AFTER_STOP] would repost itself
	// here if the wait queue still had entries past resumeBreak; there is
	// no dispatch loop yet to repost onto (internal/lqh/dispatch, not
	// built), so the remaining ops simply drain on the next op or commit
	// event that happens to touch this fragment. Tracked as an open item.
}

// finishFragment runs step 5: LCP_FRAG_REP to every DIH, then advance to
// the queued fragment or go idle.
func (c *Coordinator) finishFragment(cf *inFlight) {
	c.mFragsDone.Inc(1)
	c.reportFragDone(cf.frag.TableID, cf.frag.FragNo, cf.maxGciInLcp, cf.maxGciCompletedInLcp)
	c.flushEmptyWaiters(cf.frag.TableID, cf.frag.FragNo)

	if cf.last {
		c.completeLCP(cf.frag.FragNo)
	}

	c.current = nil
	if c.queued != nil {
		q := c.queued
		c.queued = nil
		c.start(q.frag, q.last)
	}
}

func (c *Coordinator) reportFragDone(tableID, fragID, maxGciInLcp, maxGciCompletedInLcp uint32) {
	rep := FragRep{TableID: tableID, FragID: fragID, LcpID: c.lcpID, MaxGciInLcp: maxGciInLcp, MaxGciCompletedInLcp: maxGciCompletedInLcp}
	for _, node := range c.DIHNodes {
		c.Dispatch.Send(signal.Signal{Name: "LCP_FRAG_REP", From: signal.BlockRef{NodeID: c.OwnNode}, To: signal.BlockRef{NodeID: node}, Payload: rep})
	}
}

// completeLCP runs step 6: END_LCPREQ to ACC/TUP, then LCP_COMPLETE_REP
// to every DIH. fragNo identifies the last fragment of the round, carried
// along even though END_LCPREQ is logically table/LCP-scoped rather than
// per-fragment, since the reference ACC/TUP contract here takes a fragID.
func (c *Coordinator) completeLCP(fragNo uint32) {
	if err := c.ACC.EndLCPReq(fragNo); err != nil {
		c.logger.Warn("lcp: ACC END_LCPREQ failed", "err", err)
	}
	if err := c.TUP.EndLCPReq(fragNo); err != nil {
		c.logger.Warn("lcp: TUP END_LCPREQ failed", "err", err)
	}
	rep := CompleteRep{LcpID: c.lcpID}
	for _, node := range c.DIHNodes {
		c.Dispatch.Send(signal.Signal{Name: "LCP_COMPLETE_REP", From: signal.BlockRef{NodeID: c.OwnNode}, To: signal.BlockRef{NodeID: node}, Payload: rep})
	}
}

// EmptyLCPReq handles EMPTY_LCP_REQ: record the requester and reply
// immediately if idle, else wait for the current fragment to finish
// (spec.md §4.4 "EMPTY_LCP_REQ").
func (c *Coordinator) EmptyLCPReq(fromNode uint32) {
	if c.current == nil {
		c.Dispatch.Send(signal.Signal{Name: "EMPTY_LCP_CONF", From: signal.BlockRef{NodeID: c.OwnNode}, To: signal.BlockRef{NodeID: fromNode}, Payload: EmptyLCPConf{Idle: true}})
		return
	}
	c.emptyWaiters[fromNode] = true
}

func (c *Coordinator) flushEmptyWaiters(tableID, fragID uint32) {
	for node := range c.emptyWaiters {
		c.Dispatch.Send(signal.Signal{Name: "EMPTY_LCP_CONF", From: signal.BlockRef{NodeID: c.OwnNode}, To: signal.BlockRef{NodeID: node}, Payload: EmptyLCPConf{TableID: tableID, FragID: fragID}})
	}
	c.emptyWaiters = make(map[uint32]bool)
}

func batches(ids []optab.OpID, size int) [][]optab.OpID {
	if len(ids) == 0 {
		return nil
	}
	var out [][]optab.OpID
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
