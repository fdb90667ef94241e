// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"fmt"
	"sort"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/segment"
	"github.com/coldmount/store/slotstore"
)

// FieldSet is a 256-bit set of schema.FieldID: the field bitmap
// Read takes and mutates as it empties across sources.
type FieldSet struct {
	bits [4]uint64
}

// NewFieldSet builds a FieldSet from the given field IDs.
func NewFieldSet(ids ...schema.FieldID) FieldSet {
	var fs FieldSet
	for _, id := range ids {
		fs.Set(id)
	}
	return fs
}

func (fs *FieldSet) Set(id schema.FieldID)   { fs.bits[id/64] |= 1 << (id % 64) }
func (fs *FieldSet) Clear(id schema.FieldID) { fs.bits[id/64] &^= 1 << (id % 64) }
func (fs FieldSet) Has(id schema.FieldID) bool {
	return fs.bits[id/64]&(1<<(id%64)) != 0
}
func (fs FieldSet) Empty() bool { return fs.bits == [4]uint64{} }

// probeOne looks up (h, sortKey) in a single slot store, without
// regard for newer/older layering.
func (c *MemoryCache) probeOne(store *slotstore.Store, h uint64, sortKey []byte) (schema.VType, []byte, bool) {
	entry, ok := store.Partition(h)
	if !ok {
		return 0, nil, false
	}
	slot, ok := store.FindSlot(entry, sortKey)
	if !ok {
		return 0, nil, false
	}
	return slot.VType, slot.Bytes(), true
}

// forEachSource walks live, then snapshots (newest first), then
// segments (newest first), invoking fn once per source that holds
// an entry for (h, sortKey), stopping as soon as fn reports it is
// done or returns an error.
func (c *MemoryCache) forEachSource(h uint64, sortKey []byte, fn func(kind schema.VType, data []byte) (stop bool, err error)) error {
	c.mu.Lock()
	live := c.live
	snaps := append([]*snapshotEntry(nil), c.snapshots...)
	segs := append([]*segmentHandle(nil), c.segments...)
	c.mu.Unlock()

	if kind, data, ok := c.probeOne(live, h, sortKey); ok {
		stop, err := fn(kind, data)
		if err != nil || stop {
			return err
		}
	}
	for _, snap := range snaps {
		if kind, data, ok := c.probeOne(snap.store, h, sortKey); ok {
			stop, err := fn(kind, data)
			if err != nil || stop {
				return err
			}
		}
	}
	for i := len(segs) - 1; i >= 0; i-- {
		hdl := segs[i]
		if !hdl.isUnlocked() {
			continue
		}
		seg, err := c.acquireSegment(hdl)
		if err != nil {
			return err
		}
		if !seg.TestPartition(h) {
			continue
		}
		vtype, data, found, err := seg.Lookup(h, sortKey)
		if err != nil {
			return fmt.Errorf("cache: segment lookup: %w", err)
		}
		if found {
			stop, err := fn(vtype, data)
			if err != nil || stop {
				return err
			}
		}
	}
	return nil
}

// Read finds the newest value for each field named in want across
// live, snapshots and segments, invoking cb(fieldID, bytes) for
// each match found and clearing the corresponding bit as it goes.
// It returns true iff at least one match was delivered (or, for
// an empty want, iff a non-tombstone value was found at all). A
// tombstone encountered at ANY layer aborts the whole call with
// "not found", even if fields were already delivered from newer
// layers; a first-write-after-remove should use WriteInstance or
// Reset before patching individual fields if that matters.
func (c *MemoryCache) Read(h uint64, sortKey []byte, want FieldSet, cb func(fieldID schema.FieldID, data []byte)) (bool, error) {
	matched := false
	tomb := false
	err := c.forEachSource(h, sortKey, func(kind schema.VType, data []byte) (bool, error) {
		if kind == schema.Tombstone {
			tomb = true
			return true, nil
		}
		if want.Empty() {
			matched = true
			return true, nil
		}
		for id := 0; id < 256; id++ {
			fid := schema.FieldID(id)
			if !want.Has(fid) {
				continue
			}
			start, end, ok, ferr := c.schema.FieldRange(kind, data, fid)
			if ferr != nil {
				return false, fmt.Errorf("cache: field range: %w", ferr)
			}
			if ok {
				if cb != nil {
					cb(fid, append([]byte(nil), data[start:end]...))
				}
				want.Clear(fid)
				matched = true
			}
		}
		if kind == schema.SchemaInstance {
			return true, nil
		}
		return want.Empty(), nil
	})
	if err != nil {
		c.stats.miss()
		return false, err
	}
	if tomb {
		c.stats.miss()
		return false, nil
	}
	if matched {
		c.stats.hit()
	} else {
		c.stats.miss()
	}
	return matched, nil
}

// Exists reports whether (h, sortKey) currently has a non-tombstone
// value.
func (c *MemoryCache) Exists(h uint64, sortKey []byte) (bool, error) {
	return c.Read(h, sortKey, FieldSet{}, nil)
}

func (c *MemoryCache) lookupAcrossSources(h uint64, sortKey []byte) (schema.VType, []byte, bool, error) {
	var rk schema.VType
	var rd []byte
	var found bool
	err := c.forEachSource(h, sortKey, func(kind schema.VType, data []byte) (bool, error) {
		rk, rd, found = kind, data, true
		return true, nil
	})
	return rk, rd, found, err
}

// PageEntry is one record returned by Page/PageFrom.
type PageEntry struct {
	SortKey []byte
	VType   schema.VType
	Data    []byte
}

// Page returns up to count records from partition h in ascending
// sort-key order, merging live, snapshots and segments with
// newest-wins semantics.
func (c *MemoryCache) Page(h uint64, count int) ([]PageEntry, error) {
	return c.PageFrom(h, nil, count)
}

// PageFrom is like Page but starts at the first sort key >= from.
func (c *MemoryCache) PageFrom(h uint64, from []byte, count int) ([]PageEntry, error) {
	keys, err := c.collectKeys(h, from)
	if err != nil {
		return nil, err
	}
	var out []PageEntry
	for _, k := range keys {
		if count > 0 && len(out) >= count {
			break
		}
		kind, data, found, err := c.lookupAcrossSources(h, k)
		if err != nil {
			return nil, err
		}
		if !found || kind == schema.Tombstone {
			continue
		}
		out = append(out, PageEntry{SortKey: k, VType: kind, Data: data})
	}
	return out, nil
}

// collectKeys gathers the union of distinct sort keys present for
// partition h across every source, ascending, as a candidate list
// for PageFrom's per-key newest-wins resolution.
func (c *MemoryCache) collectKeys(h uint64, from []byte) ([][]byte, error) {
	c.mu.Lock()
	live := c.live
	snaps := append([]*snapshotEntry(nil), c.snapshots...)
	segs := append([]*segmentHandle(nil), c.segments...)
	c.mu.Unlock()

	seen := make(map[string]bool)
	var keys [][]byte
	add := func(k []byte) {
		ks := string(k)
		if !seen[ks] {
			seen[ks] = true
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	ascend := func(entry *slotstore.PartitionEntry) {
		if from != nil {
			entry.AscendFrom(from, func(k []byte, _ *slotstore.Slot) bool { add(k); return true })
		} else {
			entry.Ascend(func(k []byte, _ *slotstore.Slot) bool { add(k); return true })
		}
	}
	if entry, ok := live.Partition(h); ok && entry.Wide() {
		ascend(entry)
	}
	for _, snap := range snaps {
		if entry, ok := snap.store.Partition(h); ok && entry.Wide() {
			ascend(entry)
		}
	}
	for i := len(segs) - 1; i >= 0; i-- {
		hdl := segs[i]
		if !hdl.isUnlocked() {
			continue
		}
		seg, err := c.acquireSegment(hdl)
		if err != nil {
			return nil, err
		}
		if err := seg.AscendPartition(h, from, func(k []byte, _ schema.VType, _ []byte) bool {
			add(k)
			return true
		}); err != nil {
			return nil, fmt.Errorf("cache: ascend partition: %w", err)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return c.schema.CompareSortKeys(keys[i], keys[j]) < 0 })
	return keys, nil
}

// acquireSegment opens hdl's segment.Segment on first use and
// registers it with the handle LRU.
func (c *MemoryCache) acquireSegment(hdl *segmentHandle) (*segment.Segment, error) {
	hdl.mu.Lock()
	seg := hdl.seg
	hdl.mu.Unlock()
	if seg != nil {
		c.touchHandle(hdl)
		return seg, nil
	}
	opened, err := segment.Open(hdl.dir, c.schema)
	if err != nil {
		return nil, fmt.Errorf("cache: opening segment %s: %w", hdl.dir, err)
	}
	hdl.mu.Lock()
	if hdl.seg != nil {
		opened.Close()
		seg = hdl.seg
	} else {
		hdl.seg = opened
		seg = opened
	}
	hdl.mu.Unlock()

	c.mu.Lock()
	c.registerHandleOpenLocked(hdl)
	c.mu.Unlock()
	return seg, nil
}

func (c *MemoryCache) touchHandle(hdl *segmentHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hdl.elt != nil {
		c.handles.MoveToFront(hdl.elt)
	}
}

// registerHandleOpenLocked adds hdl to the front of the handle LRU
// and evicts (closes) the least-recently-used mapping once the
// cache is over capacity. c.mu must already be held.
func (c *MemoryCache) registerHandleOpenLocked(hdl *segmentHandle) {
	if hdl.elt != nil {
		c.handles.MoveToFront(hdl.elt)
		return
	}
	hdl.elt = c.handles.PushFront(hdl)
	max := c.cfg.MaxMappings
	if max <= 0 {
		max = c.cfg.MaxDescriptors
	}
	if max <= 0 {
		return
	}
	for c.handles.Len() > max {
		back := c.handles.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*segmentHandle)
		if victim == hdl {
			break
		}
		c.handles.Remove(back)
		victim.elt = nil
		victim.mu.Lock()
		if victim.seg != nil {
			victim.seg.Close()
			victim.seg = nil
		}
		victim.mu.Unlock()
	}
}
