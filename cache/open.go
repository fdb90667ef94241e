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
	"container/list"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/segment"
	"github.com/coldmount/store/slotstore"
	"github.com/coldmount/store/wal"
	"github.com/coldmount/store/xhash"
)

// Open opens (or creates) the MemoryCache rooted at dir for schema
// v, performing crash recovery: removing any
// incomplete flushed segment, opening the complete ones, replaying
// the WAL into a fresh live store, and reconciling a pending
// snapshot manifest left by a flush that crashed mid-write.
func Open(dir string, v schema.VTable, cfg Config, logger Logger) (*MemoryCache, error) {
	fdir := flushDir(dir)
	if err := os.MkdirAll(fdir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating flush dir: %w", err)
	}
	ldir := logsDir(dir)
	if err := os.MkdirAll(ldir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating logs dir: %w", err)
	}

	ids, err := listSegmentIDs(fdir)
	if err != nil {
		return nil, err
	}

	c := &MemoryCache{
		dir:     dir,
		schema:  v,
		cfg:     cfg,
		logger:  logger,
		locks:   make(map[lockKey]string),
		handles: list.New(),
	}

	nextSegID := 0
	for _, id := range ids {
		segd := segDir(dir, id)
		if segment.Incomplete(segd) {
			c.logf("cache: removing incomplete segment %s", segd)
			if err := segment.Remove(segd); err != nil {
				return nil, fmt.Errorf("cache: removing incomplete segment %s: %w", segd, err)
			}
			continue
		}
		hdl := &segmentHandle{id: id, dir: segd}
		hdl.setUnlocked()
		c.segments = append(c.segments, hdl)
		if id+1 > nextSegID {
			nextSegID = id + 1
		}
	}
	c.nextSegID = nextSegID

	c.live = slotstore.New(v)
	if err := wal.Replay(ldir, v, c.applyRecordLocked); err != nil {
		return nil, fmt.Errorf("cache: replaying wal: %w", err)
	}

	if pending, ok, perr := wal.PendingSnapshot(ldir); perr != nil {
		return nil, fmt.Errorf("cache: reading wal manifest: %w", perr)
	} else if ok {
		segd := segDir(dir, pending)
		if _, statErr := os.Stat(segd); statErr == nil && !segment.Incomplete(segd) {
			// The segment finished after the crash took the WAL
			// snapshot but before the manifest was cleared. Its
			// records are already fully represented on disk, and
			// wal.Replay just replayed the same snapshot shards as
			// ordinary history above, so only the stale manifest
			// needs clearing.
			if err := wal.DeleteSnapshot(ldir, pending); err != nil {
				return nil, fmt.Errorf("cache: clearing stale wal snapshot: %w", err)
			}
		}
		// Otherwise the segment never completed; its snapshot
		// shards were already replayed above by wal.Replay's normal
		// snapshot-then-root-shards ordering, and Consolidate below
		// folds them back into the root sequence so they stay
		// durable until the next successful flush.
	}

	// Any snapshot directory still on disk holds the only durable
	// copy of its records (its segment never completed); fold its
	// shards back into the root sequence so the next Snapshot call
	// cannot clobber them.
	if err := wal.Consolidate(ldir); err != nil {
		return nil, fmt.Errorf("cache: consolidating wal snapshots: %w", err)
	}

	l, err := wal.Open(ldir, v, cfg.LogShardSize, cfg.LogFlushPressure)
	if err != nil {
		return nil, fmt.Errorf("cache: opening wal: %w", err)
	}
	c.wal = l

	return c, nil
}

func listSegmentIDs(fdir string) ([]int, error) {
	ents, err := os.ReadDir(fdir)
	if err != nil {
		return nil, fmt.Errorf("cache: listing flush dir: %w", err)
	}
	var ids []int
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "f") {
			continue
		}
		if n, convErr := strconv.Atoi(e.Name()[1:]); convErr == nil {
			ids = append(ids, n)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// applyRecordLocked replays a single WAL record into c.live during
// Open's recovery. It mirrors Write/WProc/Reset/Remove/WriteInstance's
// slot store mutation exactly, without re-appending to the WAL (the
// record is already durable) and without lock-table or pressure
// checks (recovery runs before the cache accepts traffic).
//
// CreatePartition records only carry PKey bytes on the wire (see
// wal.Record's doc comment): the partition hash is recomputed here
// via xhash.PartitionHash rather than read off the record, the same
// function MemoryCache.ensurePartitionLocked's callers used to
// produce h in the first place.
func (c *MemoryCache) applyRecordLocked(rec wal.Record) error {
	if rec.Type == wal.CreatePartition {
		h := xhash.PartitionHash(rec.PKey)
		c.live.GetOrCreatePartition(h, rec.PKey)
		return nil
	}
	entry, ok := c.live.Partition(rec.PartitionHash)
	if !ok {
		c.logf("cache: replay: %s record for unknown partition %d, skipping", rec.Type, rec.PartitionHash)
		return nil
	}
	switch rec.Type {
	case wal.Field:
		fieldID, payload := decodeFieldPayload(rec.Payload)
		existing, _ := c.live.FindSlot(entry, rec.SortKey)
		kind, cur := currentKindAndBytes(existing)
		next, err := c.schema.ApplyFieldWrite(kind, cur, fieldID, payload)
		if err != nil {
			return fmt.Errorf("cache: replay field write: %w", err)
		}
		c.live.CreateSlot(entry, rec.SortKey, kind, next)
	case wal.Table:
		c.live.CreateSlot(entry, rec.SortKey, schema.SchemaInstance, rec.Payload)
	case wal.WProc:
		fieldID, opcode, payload := decodeWProcPayload(rec.Payload)
		existing, _ := c.live.FindSlot(entry, rec.SortKey)
		kind, cur := currentKindAndBytes(existing)
		next, err := c.schema.ApplyWriteProcedure(kind, cur, fieldID, opcode, payload)
		if err != nil {
			return fmt.Errorf("cache: replay write procedure: %w", err)
		}
		c.live.CreateSlot(entry, rec.SortKey, kind, next)
	case wal.Reset:
		c.live.CreateSlot(entry, rec.SortKey, schema.SchemaInstance, c.schema.Construct())
	case wal.Remov:
		c.live.Tombstone(entry, rec.SortKey)
	default:
		return fmt.Errorf("cache: replay: unknown record type %v", rec.Type)
	}
	return nil
}
