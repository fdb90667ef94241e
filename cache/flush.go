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
	"sync/atomic"

	"github.com/coldmount/store/segment"
	"github.com/coldmount/store/slotstore"
	"github.com/coldmount/store/wal"
)

// Flush snapshots the live store and WAL shard, starts a fresh live
// store, and enqueues the background work that serializes the
// snapshot into an immutable segment. It
// returns once the snapshot is durable, not once the segment write
// completes; Close waits for any such in-flight work.
func (c *MemoryCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// maybeFlushLocked triggers a flush if live's pressure has crossed
// cache.flush_pressure. c.mu
// must already be held.
func (c *MemoryCache) maybeFlushLocked() {
	if c.cfg.FlushPressure > 0 && c.live.Pressure() >= c.cfg.FlushPressure {
		if err := c.flushLocked(); err != nil {
			c.logf("cache: auto-flush failed: %v", err)
		}
	}
}

func (c *MemoryCache) flushLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.live.Len() == 0 {
		return nil
	}
	segID := c.nextSegID
	c.nextSegID++
	if err := c.wal.Snapshot(segID); err != nil {
		c.nextSegID--
		return fmt.Errorf("cache: wal snapshot: %w", err)
	}

	store := c.live
	c.live = slotstore.New(c.schema)

	snap := &snapshotEntry{segID: segID, store: store}
	c.snapshots = append([]*snapshotEntry{snap}, c.snapshots...)

	hdl := &segmentHandle{id: segID, dir: segDir(c.dir, segID)}
	c.segments = append(c.segments, hdl)

	atomic.AddInt32(&c.flushRunning, 1)
	c.flushWG.Add(1)
	go c.runFlush(segID, store, snap, hdl)
	return nil
}

// runFlush serializes store into hdl.dir as an immutable segment,
// then retires the snapshot and the now-redundant WAL shards.
// It runs without c.mu
// held except for the brief critical sections that retire snap.
func (c *MemoryCache) runFlush(segID int, store *slotstore.Store, snap *snapshotEntry, hdl *segmentHandle) {
	defer c.flushWG.Done()
	defer atomic.AddInt32(&c.flushRunning, -1)

	parts := buildPartitions(store)
	segCfg := c.cfg.segmentConfig(c.cfg.Compressor)
	if err := segment.WriteSegment(hdl.dir, parts, segCfg, c.schema); err != nil {
		c.logf("cache: flush %d failed: %v", segID, err)
		// The segment directory is left incomplete (its lock file
		// still present, or the directory missing outright); the
		// WAL snapshot shards remain on disk under logs/snapshotN,
		// and the next Open's recovery replays them into a fresh
		// live store exactly as it would any other root shard.
		return
	}
	hdl.setUnlocked()
	c.stats.flush()

	if err := wal.DeleteSnapshot(logsDir(c.dir), segID); err != nil {
		c.logf("cache: deleting wal snapshot %d: %v", segID, err)
	}

	c.mu.Lock()
	for i, s := range c.snapshots {
		if s == snap {
			c.snapshots = append(c.snapshots[:i], c.snapshots[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// buildPartitions serializes every partition in store into the
// segment.Partition shape WriteSegment consumes, in the ascending
// hash order SortedHashes already guarantees.
func buildPartitions(store *slotstore.Store) []segment.Partition {
	hashes := store.SortedHashes()
	parts := make([]segment.Partition, 0, len(hashes))
	for _, h := range hashes {
		entry, ok := store.Partition(h)
		if !ok {
			continue
		}
		p := segment.Partition{Hash: h, PKey: entry.PKey}
		if entry.Wide() {
			if entry.Len() == 0 {
				continue // created (e.g. via a lazily-logged CreatePartition) but never written
			}
			entry.Ascend(func(key []byte, slot *slotstore.Slot) bool {
				p.Records = append(p.Records, segment.Record{
					SortKey: append([]byte(nil), key...),
					VType:   slot.VType,
					Data:    append([]byte(nil), slot.Bytes()...),
				})
				return true
			})
		} else {
			slot := entry.Single()
			p.Records = append(p.Records, segment.Record{
				VType: slot.VType,
				Data:  append([]byte(nil), slot.Bytes()...),
			})
		}
		parts = append(parts, p)
	}
	return parts
}

// Clear drops the live store and its pressure counter without
// flushing, an administrative escape hatch: it does not touch the WAL, so a crash before the next flush would
// replay the cleared writes again; acceptable for the debug/admin
// use this operation is intended for).
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = slotstore.New(c.schema)
}
