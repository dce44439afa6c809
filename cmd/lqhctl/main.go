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

// lqhctl is an offline companion to lqhd: it inspects a stopped node's data
// directory without starting the dispatch loop. "dump-page" decodes one raw
// redo log page; "replay" drives internal/lqh/replay directly against pages
// read straight off disk (internal/lqh/redolog.LoadFromDisk); "lcp-status"
// reports the last-known fragment/LCP bookkeeping out of the catalog.
// Mirrors cmd/geth's split between the node daemon and its own inspection
// subcommands (e.g. "geth db inspect").
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ndbrepo/lqhd/internal/lqh/catalog"
	"github.com/ndbrepo/lqhd/internal/lqh/logpage"
	"github.com/ndbrepo/lqhd/internal/lqh/redolog"
	"github.com/ndbrepo/lqhd/internal/lqh/replay"
)

func main() {
	app := &cli.App{
		Name:  "lqhctl",
		Usage: "offline inspection of an lqhd data directory",
		Commands: []*cli.Command{
			dumpPageCommand,
			replayCommand,
			lcpStatusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lqhctl:", err)
		os.Exit(1)
	}
}

var (
	datadirFlag = &cli.StringFlag{Name: "datadir", Required: true, Usage: "node data directory"}
	partFlag    = &cli.IntFlag{Name: "part", Value: 0, Usage: "log part number (0..3)"}
	filesFlag   = &cli.UintFlag{Name: "files", Value: 4, Usage: "files per log part (CFG_DB_NO_REDOLOG_FILES)"}
)

var dumpPageCommand = &cli.Command{
	Name:      "dump-page",
	Usage:     "decode one raw redo log page",
	ArgsUsage: "<file-no> <page-no>",
	Flags:     []cli.Flag{datadirFlag, partFlag, filesFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 2 {
			return fmt.Errorf("dump-page: expected <file-no> <page-no>")
		}
		fileNo, pageNo, err := parseTwoUints(ctx.Args().Get(0), ctx.Args().Get(1))
		if err != nil {
			return err
		}
		logger := log.New()
		files := uint32(ctx.Uint(filesFlag.Name))
		p, locs, worker, err := redolog.LoadFromDisk(ctx.String(datadirFlag.Name), ctx.Int(partFlag.Name), files, redolog.PagesPerFile*int(files)+1, logger)
		if err != nil {
			return err
		}
		defer worker.Close()
		found := false
		for i, loc := range locs {
			if uint64(loc.FileNo) != fileNo || uint64(loc.PageIdx) != pageNo {
				continue
			}
			found = true
			printPage(p.Pages.Get(p.History[i]))
		}
		if !found {
			return fmt.Errorf("dump-page: no written page at file=%d page=%d (part %d never reached it, or it is still logLap=0)", fileNo, pageNo, ctx.Int(partFlag.Name))
		}
		return nil
	},
}

// printPage prints a page's header fields and the tag of its first record.
func printPage(pg *logpage.Page) {
	fmt.Printf("logLap=%d maxGciCompleted=%d maxGciStarted=%d currPageIndex=%d checksumOK=%v firstTag=%d\n",
		pg.LogLap(), pg.MaxGCICompleted(), pg.MaxGCIStarted(), pg.CurrPageIndex(), pg.VerifyChecksum() == nil, pg.Words[logpage.HeaderWords])
}

func parseTwoUints(a, b string) (uint64, uint64, error) {
	var x, y uint64
	if _, err := fmt.Sscanf(a, "%d", &x); err != nil {
		return 0, 0, fmt.Errorf("parsing %q: %w", a, err)
	}
	if _, err := fmt.Sscanf(b, "%d", &y); err != nil {
		return 0, 0, fmt.Errorf("parsing %q: %w", b, err)
	}
	return x, y, nil
}

var (
	startGciFlag = &cli.Uint64Flag{Name: "start-gci", Value: 0, Usage: "logStartGci (spec.md §4.3 execution bounds)"}
	lastGciFlag  = &cli.Uint64Flag{Name: "last-gci", Value: 0, Usage: "logLastGci (spec.md §4.3 execution bounds)"}
	allPartsFlag = &cli.BoolFlag{Name: "all-parts", Usage: "replay all NumLogParts parts instead of just --part"}
)

var replayCommand = &cli.Command{
	Name:  "replay",
	Usage: "drive internal/lqh/replay against an on-disk log directory",
	Flags: []cli.Flag{datadirFlag, partFlag, filesFlag, startGciFlag, lastGciFlag, allPartsFlag},
	Action: func(ctx *cli.Context) error {
		logger := log.New()
		bounds := replay.Bounds{
			LogStartGci: uint32(ctx.Uint64(startGciFlag.Name)),
			LogLastGci:  uint32(ctx.Uint64(lastGciFlag.Name)),
		}

		parts := []int{ctx.Int(partFlag.Name)}
		if ctx.Bool(allPartsFlag.Name) {
			parts = make([]int, redolog.NumLogParts)
			for i := range parts {
				parts[i] = i
			}
		}

		noFiles := uint32(ctx.Uint(filesFlag.Name))
		count := 0
		for _, partID := range parts {
			p, locs, worker, err := redolog.LoadFromDisk(ctx.String(datadirFlag.Name), partID, noFiles, redolog.PagesPerFile*int(noFiles)+1, logger)
			if err != nil {
				return fmt.Errorf("replay: loading part %d: %w", partID, err)
			}
			src := replay.Source{Part: p, Locs: locs, Worker: worker}
			// A nil FragSet matches every fragment: lqhctl is a diagnostic
			// tool with no fragment registry of its own to filter replay
			// against, unlike internal/lqh/restart's real restart path.
			err = replay.Run(src, bounds, nil, func(r replay.Reconstructed) error {
				count++
				fmt.Printf("part=%d table=%d frag=%d kind=%d gci=%d key=%v attr=%v\n",
					partID, r.TableID, r.FragID, r.Kind, r.GCI, r.Key, r.Attr)
				return nil
			}, logger)
			worker.Close()
			if err != nil {
				return fmt.Errorf("replay: part %d: %w", partID, err)
			}
		}
		fmt.Printf("replay: reconstructed %d record(s)\n", count)
		return nil
	},
}

var lcpStatusCommand = &cli.Command{
	Name:  "lcp-status",
	Usage: "report the last-known fragment/LCP bookkeeping from the catalog",
	Flags: []cli.Flag{datadirFlag},
	Action: func(ctx *cli.Context) error {
		logger := log.New()
		cat, err := catalog.Open(ctx.String(datadirFlag.Name)+"/catalog", logger)
		if err != nil {
			return fmt.Errorf("lcp-status: opening catalog: %w", err)
		}
		defer cat.Close()

		n := 0
		err = cat.ForEachFragment(func(f catalog.FragRecord) error {
			n++
			fmt.Printf("table=%d frag=%d status=%s logging=%v nextLcpIndex=%d maxGciInLcp=%d maxGciCompletedInLcp=%d\n",
				f.TableID, f.FragNo, f.Status, f.Logging, f.Lcp.NextLcpIndex, f.Lcp.MaxGCIInLcp, f.Lcp.MaxGCICompletedInLcp)
			return nil
		})
		if err != nil {
			return fmt.Errorf("lcp-status: scanning catalog: %w", err)
		}
		if n == 0 {
			fmt.Println("lcp-status: catalog holds no fragments")
		}
		return nil
	},
}
