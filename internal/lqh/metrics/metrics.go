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

// Package metrics is the node's observability HTTP surface
// (SPEC_FULL.md §6.5): /metrics in Prometheus text format, fed by
// whatever counters/meters/gauges the rest of internal/lqh registers
// against go-ethereum's default metrics registry (internal/lqh/opstate,
// internal/lqh/gcp, internal/lqh/dispatch, ... each register their own —
// this package does not own any domain counters itself), plus
// /debug/catalog for an on-demand JSON dump of internal/lqh/catalog.
// Mirrors go-ethereum's own node.go /debug/metrics wiring.
package metrics

import (
	"net/http"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
)

// CatalogDump produces a JSON snapshot of catalog state on demand. Wired
// by cmd/lqhd from internal/lqh/catalog so this package stays free of a
// dependency on pebble.
type CatalogDump func() ([]byte, error)

// NewHandler builds the node's observability mux. dump may be nil, in
// which case /debug/catalog answers 503 rather than panicking.
func NewHandler(dump CatalogDump) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prometheus.Handler(gethmetrics.DefaultRegistry))
	mux.HandleFunc("/debug/catalog", func(w http.ResponseWriter, r *http.Request) {
		if dump == nil {
			http.Error(w, "catalog dump unavailable", http.StatusServiceUnavailable)
			return
		}
		b, err := dump()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	return mux
}
