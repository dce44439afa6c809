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

// lqhd is the Local Query Handler node daemon: it loads a node's
// configuration, builds the op table / fragment registry / redo log /
// catalog / op state machine / LCP, GCP and takeover coordinators, drives
// the four restart phases (spec.md §4.6), and then hands off to the
// single-threaded dispatch loop (internal/lqh/dispatch) for the rest of
// the process's life. Mirrors cmd/geth's own split between flag/config
// parsing in main and the actual node assembly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/ndbrepo/lqhd/internal/lqh/catalog"
	"github.com/ndbrepo/lqhd/internal/lqh/config"
	"github.com/ndbrepo/lqhd/internal/lqh/dispatch"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/gcp"
	"github.com/ndbrepo/lqhd/internal/lqh/lcp"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
	lqhmetrics "github.com/ndbrepo/lqhd/internal/lqh/metrics"
	"github.com/ndbrepo/lqhd/internal/lqh/optab"
	"github.com/ndbrepo/lqhd/internal/lqh/opstate"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/replay"
	"github.com/ndbrepo/lqhd/internal/lqh/restart"
	lqhsignal "github.com/ndbrepo/lqhd/internal/lqh/signal"
	"github.com/ndbrepo/lqhd/internal/lqh/storage/memstore"
	"github.com/ndbrepo/lqhd/internal/lqh/takeover"
	"github.com/ndbrepo/lqhd/internal/lqh/timer"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the node's TOML configuration file",
	}
	dihNodeFlag = &cli.UintFlag{
		Name:  "dih-node",
		Usage: "node ID this process reports checkpoint/takeover progress to",
		Value: 1,
	}
	idleFlag = &cli.DurationFlag{
		Name:  "idle",
		Usage: "sleep duration when the dispatch loop finds no work",
		Value: 10 * time.Millisecond,
	}
)

func main() {
	app := &cli.App{
		Name:  "lqhd",
		Usage: "local query handler node daemon",
		Flags: []cli.Flag{configFlag, dihNodeFlag, idleFlag},
		Action: func(ctx *cli.Context) error {
			return run(ctx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lqhd:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := config.Default()
	if p := ctx.String(configFlag.Name); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	logger := log.New("node", cfg.Node.OwnNodeID)
	logger.Info("lqhd starting", "dataDir", cfg.Node.DataDir, "ownNode", cfg.Node.OwnNodeID)

	lock := flock.New(filepath.Join(cfg.Node.DataDir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lqhd: acquiring data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("lqhd: data dir %s is already in use by another process", cfg.Node.DataDir)
	}
	defer lock.Unlock()

	cat, err := catalog.Open(filepath.Join(cfg.Node.DataDir, "catalog"), logger)
	if err != nil {
		return fmt.Errorf("lqhd: opening catalog: %w", err)
	}
	defer cat.Close()

	ops := optab.NewTable(cfg.LQH.OpPoolSize)
	frags := fragment.NewRegistry(ops, cfg.LQH.FragPoolSize)
	markers := marker.NewTable(cfg.LQH.MarkerPoolSize)
	writer := redolog.NewWriter(cfg.Node.DataDir, cfg.DB.NoRedologFiles, cfg.DB.PagePoolCapacity, logger)
	store := memstore.New()
	acc := memstore.NewACC(store)
	tup := memstore.NewTUP(store)

	wasRestart := false
	var waiting []restart.FragWaiting
	if err := cat.ForEachFragment(func(rec catalog.FragRecord) error {
		wasRestart = true
		if rec.Logging {
			// A logged fragment's replay window starts at its last local
			// checkpoint's completed GCI (spec.md §4.4 "checkpoint
			// bookkeeping"): everything before that is already durable in
			// the LCP image. The upper end stays zero, which replay
			// treats as unbounded; Phase4 below does not read the
			// RecReq it is given, so no newestGci narrows it.
			waiting = append(waiting, restart.FragWaiting{
				TableID: rec.TableID, FragID: rec.FragNo,
				Range: replay.FragRange{StartGci: rec.Lcp.MaxGCICompletedInLcp},
			})
		}
		return nil
	}); err != nil {
		return fmt.Errorf("lqhd: scanning catalog: %w", err)
	}
	if err := cat.LoadFragments(frags); err != nil {
		return fmt.Errorf("lqhd: restoring fragments: %w", err)
	}
	if err := cat.LoadMarkers(markers); err != nil {
		return fmt.Errorf("lqhd: restoring markers: %w", err)
	}

	disp := lqhsignal.NewDispatcher()
	ownBox := lqhsignal.NewMailbox(256)
	disp.Register(cfg.Node.OwnNodeID, ownBox)

	machine := opstate.New(ops, frags, writer, acc, tup, markers, disp, cfg.Node.OwnNodeID, logger)
	dihNode := uint32(ctx.Uint(dihNodeFlag.Name))
	lcpCoord := lcp.New(acc, tup, frags, machine, disp, cfg.Node.OwnNodeID, []uint32{dihNode}, logger)
	gcpCoord := gcp.New(writer, disp, cfg.Node.OwnNodeID, logger)
	takeoverCoord := takeover.New(ops, machine, markers, disp, cfg.Node.OwnNodeID, dihNode, logger)

	orch := restart.New(ops, acc, tup, writer, disp, cfg.Node.OwnNodeID, logger)
	orch.Diskless = cfg.DB.Diskless
	if err := driveRestart(orch, wasRestart, waiting, logger); err != nil {
		return fmt.Errorf("lqhd: restart sequence: %w", err)
	}

	loop := dispatch.NewLoop(ownBox, logger)
	registerHandlers(loop, logger)
	loop.RegisterContinuation(timer.CodeFlushSupervision, func(arg uint32) { gcpCoord.Tick() })
	loop.Wheel.Schedule(loop.Tick()+1, timer.CodeFlushSupervision, 0)

	var httpServer *http.Server
	if cfg.Node.MetricsAddr != "" {
		httpServer = &http.Server{Addr: cfg.Node.MetricsAddr, Handler: lqhmetrics.NewHandler(cat.DumpJSON)}
		go func() {
			logger.Info("lqhd: metrics listening", "addr", cfg.Node.MetricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("lqhd: metrics server failed", "err", err)
			}
		}()
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("lqhd: entering dispatch loop")
	loop.Run(runCtx, ctx.Duration(idleFlag.Name))

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}

	_ = takeoverCoord
	_ = lcpCoord
	logger.Info("lqhd: shut down")
	return nil
}

// driveRestart runs the four STTOR/NDB_STTOR phases (spec.md §4.6). A
// freshly created data directory (no fragments in the catalog yet) is an
// initial start; anything else is a system restart, since this
// single-process realization has no peer node to distinguish a node
// restart from a full system restart (internal/lqh/signal's doc comment:
// cluster transport is out of scope).
func driveRestart(o *restart.Orchestrator, wasRestart bool, waiting []restart.FragWaiting, logger log.Logger) error {
	if err := o.Phase1(); err != nil {
		return err
	}
	if err := o.Phase2(); err != nil {
		return err
	}
	startType := restart.StartInitial
	if wasRestart {
		startType = restart.StartSystemRestart
	}
	if err := o.Phase3(startType); err != nil {
		return err
	}
	conf, err := o.Phase4(restart.RecReq{}, waiting, func(r replay.Reconstructed) error {
		logger.Debug("lqhd: replay delivered", "table", r.TableID, "frag", r.FragID, "gci", r.GCI)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("lqhd: restart complete", "nodeId", conf.NodeID, "startType", startType)
	return nil
}

// registerHandlers binds every signal name this node's own collaborators
// can emit (internal/lqh/opstate, gcp, lcp, takeover) back onto its own
// inbox. A real cluster forwards PACKED_SIGNAL/LQHKEYREQ to the next
// replica and GCP_SAVECONF/NF_COMPLETEREP to a DIH node living in another
// process; since peer transport is explicitly out of scope here
// (internal/lqh/signal's package doc), a signal addressed to this same
// node is logged at debug level rather than silently dropped, so the
// dispatch loop's unhandled-signal counter stays meaningful for signals
// that are genuinely unexpected.
func registerHandlers(loop *dispatch.Loop, logger log.Logger) {
	names := []string{
		"PACKED_SIGNAL", "LQHKEYREQ", "LQHKEYREF",
		"GCP_SAVECONF", "GCP_SAVEREF",
		"NF_COMPLETEREP", "LQH_TRANSCONF",
		"LCP_FRAG_REP", "LCP_COMPLETE_REP", "EMPTY_LCP_CONF",
	}
	for _, name := range names {
		name := name
		loop.RegisterHandler(name, func(sig lqhsignal.Signal) error {
			logger.Debug("lqhd: loopback signal", "name", name, "from", sig.From, "to", sig.To)
			return nil
		})
	}
}
