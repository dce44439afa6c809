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

// Package catalog is a crash-consistent cache of fragment metadata and
// commit-ack markers (SPEC_FULL.md §3.1), backed by a *pebble.DB. The
// source keeps both purely in memory and rebuilds them on restart via
// takeover/replay; here they are additionally persisted so a process
// restart can answer "what fragments do I own, at what LCP watermark"
// before the redo log is even reopened. The catalog never becomes the
// authority on a conflict: the redo log and a real replay always win,
// so a torn or stale catalog entry is a missed optimization, not a
// correctness bug.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ndbrepo/lqhd/internal/lqh/fragment"
	"github.com/ndbrepo/lqhd/internal/lqh/marker"
)

const readCacheSize = 1024

// FragRecord is the durable slice of a fragment.Fragment worth surviving
// a restart: identity, lifecycle status, logging flag and checkpoint
// bookkeeping (spec.md §3 "Fragment record" / "checkpoint bookkeeping").
type FragRecord struct {
	TableID uint32
	FragNo  uint32
	Status  fragment.Status
	Logging bool
	Lcp     fragment.LcpBookkeeping
}

// MarkerRecord mirrors marker.Marker for durable storage.
type MarkerRecord struct {
	Transid1 uint32
	Transid2 uint32
	APIRef   uint32
	APIOpRec uint32
	TCNodeID uint32
}

// Catalog wraps a pebble.DB plus a bounded read-through cache (SPEC_FULL.md
// §3.1's golang-lru note) so a hot GetFragment doesn't round-trip
// through pebble on every call once a fragment has been read or written
// once in this process.
type Catalog struct {
	db     *pebble.DB
	logger log.Logger

	fragCache *lru.Cache[[2]uint32, FragRecord]
}

// Open opens (creating if absent) a pebble-backed catalog rooted at dir.
func Open(dir string, logger log.Logger) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dir, err)
	}
	cache, err := lru.New[[2]uint32, FragRecord](readCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{db: db, logger: logger, fragCache: cache}, nil
}

// Close releases the underlying pebble handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func fragKey(tableID, fragNo uint32) []byte {
	return []byte(fmt.Sprintf("frag/%010d/%010d", tableID, fragNo))
}

func markerKey(transid1, transid2 uint32) []byte {
	return []byte(fmt.Sprintf("marker/%010d/%010d", transid1, transid2))
}

// prefixUpperBound builds pebble's exclusive scan upper bound for a flat
// byte prefix (every key under "frag/" sorts below "frag/" with its last
// byte incremented, since '/' has no successor collision within ASCII
// paths used here).
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	up[len(up)-1]++
	return up
}

// PutFragment persists a fragment's durable state and refreshes the read
// cache. Callers own fsync policy via sync; true (pebble.Sync) is the safe
// choice for anything that must survive a crash before the next redo-log
// sync.
func (c *Catalog) PutFragment(rec FragRecord, sync bool) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	if err := c.db.Set(fragKey(rec.TableID, rec.FragNo), b, opts); err != nil {
		return fmt.Errorf("catalog: put fragment %d/%d: %w", rec.TableID, rec.FragNo, err)
	}
	c.fragCache.Add([2]uint32{rec.TableID, rec.FragNo}, rec)
	return nil
}

// GetFragment looks up a fragment's durable record, consulting the read
// cache before pebble.
func (c *Catalog) GetFragment(tableID, fragNo uint32) (FragRecord, bool, error) {
	if rec, ok := c.fragCache.Get([2]uint32{tableID, fragNo}); ok {
		return rec, true, nil
	}
	v, closer, err := c.db.Get(fragKey(tableID, fragNo))
	if err == pebble.ErrNotFound {
		return FragRecord{}, false, nil
	}
	if err != nil {
		return FragRecord{}, false, err
	}
	defer closer.Close()
	var rec FragRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return FragRecord{}, false, err
	}
	c.fragCache.Add([2]uint32{tableID, fragNo}, rec)
	return rec, true, nil
}

// ForEachFragment walks every durable fragment record in key order.
func (c *Catalog) ForEachFragment(fn func(FragRecord) error) error {
	prefix := []byte("frag/")
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec FragRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// SnapshotFragment copies f's durable fields out of the live registry
// entry so callers of PutFragment don't need to know FragRecord's layout.
func SnapshotFragment(f *fragment.Fragment) FragRecord {
	return FragRecord{
		TableID: f.TableID, FragNo: f.FragNo,
		Status: f.Status, Logging: f.Logging, Lcp: f.Lcp,
	}
}

// LoadFragments replays every durable fragment record into a freshly
// built fragment.Registry (spec.md §4.6 Phase1's "what fragments do I
// own" question, answered before the redo log is reopened). A fragment
// the registry fails to create (capacity exhausted) is reported via err
// rather than silently dropped.
func (c *Catalog) LoadFragments(frags *fragment.Registry) error {
	return c.ForEachFragment(func(rec FragRecord) error {
		f, err := frags.Create(rec.TableID, rec.FragNo)
		if err != nil {
			return fmt.Errorf("catalog: restoring fragment %d/%d: %w", rec.TableID, rec.FragNo, err)
		}
		f.Status = rec.Status
		f.Logging = rec.Logging
		f.Lcp = rec.Lcp
		return nil
	})
}

// PutMarker persists a commit-ack marker.
func (c *Catalog) PutMarker(m marker.Marker) error {
	rec := MarkerRecord{Transid1: m.Transid1, Transid2: m.Transid2, APIRef: m.APIRef, APIOpRec: m.APIOpRec, TCNodeID: m.TCNodeID}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.db.Set(markerKey(m.Transid1, m.Transid2), b, pebble.Sync); err != nil {
		return fmt.Errorf("catalog: put marker %d/%d: %w", m.Transid1, m.Transid2, err)
	}
	return nil
}

// RemoveMarker deletes a commit-ack marker (mirrors marker.Table.Remove,
// called on REMOVE_MARKER_ORD or abort).
func (c *Catalog) RemoveMarker(transid1, transid2 uint32) error {
	if err := c.db.Delete(markerKey(transid1, transid2), pebble.Sync); err != nil {
		return fmt.Errorf("catalog: remove marker %d/%d: %w", transid1, transid2, err)
	}
	return nil
}

// DumpJSON renders every durable fragment and marker record as a single
// JSON document, for the /debug/catalog HTTP endpoint (SPEC_FULL.md
// §6.5).
func (c *Catalog) DumpJSON() ([]byte, error) {
	dump := struct {
		Fragments []FragRecord   `json:"fragments"`
		Markers   []MarkerRecord `json:"markers"`
	}{}
	if err := c.ForEachFragment(func(rec FragRecord) error {
		dump.Fragments = append(dump.Fragments, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := c.ForEachMarker(func(rec MarkerRecord) error {
		dump.Markers = append(dump.Markers, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	return json.MarshalIndent(dump, "", "  ")
}

// ForEachMarker walks every durable marker record.
func (c *Catalog) ForEachMarker(fn func(MarkerRecord) error) error {
	prefix := []byte("marker/")
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec MarkerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LoadMarkers replays every durable marker into a freshly built
// marker.Table, for the same restart-time reason as LoadFragments.
// ErrNoFreeMarker style exhaustion is reported rather than dropped.
func (c *Catalog) LoadMarkers(markers *marker.Table) error {
	return c.ForEachMarker(func(rec MarkerRecord) error {
		m := marker.Marker{Transid1: rec.Transid1, Transid2: rec.Transid2, APIRef: rec.APIRef, APIOpRec: rec.APIOpRec, TCNodeID: rec.TCNodeID}
		if !markers.Insert(m) {
			return fmt.Errorf("catalog: restoring marker %d/%d: marker table full", rec.Transid1, rec.Transid2)
		}
		return nil
	})
}
