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

// Package cache implements MemoryCache: the per-core,
// per-schema combination of a slotstore.Store ("live"),
// a wal.Log, a handle cache of opened segments, and a background
// flush pipeline that periodically drains live into an immutable
// segment on disk.
package cache

import (
	"container/list"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/segment"
	"github.com/coldmount/store/slotstore"
	"github.com/coldmount/store/wal"
)

// Logger is the injectable logging surface long-lived structures
// hold a field of, so callers can plug in *log.Logger,
// testing.T, or leave it nil.
type Logger interface {
	Printf(format string, args ...any)
}

func (c *MemoryCache) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Config carries the cache.* and logs.* tunables for one
// MemoryCache instance.
type Config struct {
	BlockSize                 int64
	BlockSparseIndexRatio     float64
	PartitionSparseIndexRatio float64
	CompressionRatio          float64
	PartitionBloomFPRate      float64
	IntraPartitionBloomFPRate float64
	Compressor                string

	FlushPressure int64 // cache.flush_pressure: live pressure threshold that enqueues a flush

	LogShardSize     int64 // logs.log_shard_size
	LogFlushPressure int64 // logs.flush_pressure: wal.Log's own rotation-adjacent pressure signal

	MaxDescriptors int // cache.max_descriptors
	MaxMappings    int // cache.max_mappings: handle cache LRU capacity
	MaxLocks       int // cache.max_locks
}

func (cfg Config) segmentConfig(compressor string) segment.Config {
	return segment.Config{
		BlockSize:                 cfg.BlockSize,
		BlockSparseIndexRatio:     cfg.BlockSparseIndexRatio,
		PartitionSparseIndexRatio: cfg.PartitionSparseIndexRatio,
		CompressionRatio:          cfg.CompressionRatio,
		PartitionBloomFPRate:      cfg.PartitionBloomFPRate,
		IntraPartitionBloomFPRate: cfg.IntraPartitionBloomFPRate,
		Compressor:                compressor,
	}
}

// Stats is a read-only telemetry surface: atomic counters, no
// behavior.
type Stats struct {
	Hits    int64
	Misses  int64
	Flushes int64
}

func (s *Stats) hit()   { atomic.AddInt64(&s.Hits, 1) }
func (s *Stats) miss()  { atomic.AddInt64(&s.Misses, 1) }
func (s *Stats) flush() { atomic.AddInt64(&s.Flushes, 1) }

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Hits:    atomic.LoadInt64(&s.Hits),
		Misses:  atomic.LoadInt64(&s.Misses),
		Flushes: atomic.LoadInt64(&s.Flushes),
	}
}

// NewOriginToken returns a fresh advisory-lock originator token;
// cmd/coldmountd calls this once per connection (one query per
// connection) and passes the result to Mount.Dispatch, which threads
// it through every Write/WProc/Reset/Remove call it issues on that
// query's behalf.
func NewOriginToken() string { return uuid.New().String() }

type snapshotEntry struct {
	segID int
	store *slotstore.Store
}

// segmentHandle is one flush/fN entry in the handle cache: it knows
// its directory unconditionally, but the opened segment.Segment
// itself is acquired lazily and may be evicted by the handle LRU.
// unlocked is the per-segment release-on-write/acquire-on-read
// readiness flag: false while flush.go is still writing fN, true
// once it is durable and safe to read.
type segmentHandle struct {
	id       int
	dir      string
	unlocked int32 // atomic bool

	mu  sync.Mutex
	seg *segment.Segment
	elt *list.Element // handle LRU position, nil if not currently open
}

func (h *segmentHandle) isUnlocked() bool { return atomic.LoadInt32(&h.unlocked) != 0 }
func (h *segmentHandle) setUnlocked()     { atomic.StoreInt32(&h.unlocked, 1) }

// MemoryCache is one schema's in-memory mutation buffer and flush
// pipeline for one core. It is not safe for concurrent use by
// multiple goroutines except for the background flush worker it
// starts itself; Mount's worker pool is expected to serialize all
// other calls through the single goroutine that owns this
// instance.
type MemoryCache struct {
	dir    string // root/vcpuK/[schemaID]
	schema schema.VTable
	cfg    Config
	logger Logger

	live *slotstore.Store
	wal  *wal.Log

	// mu guards every field below: the background flush goroutine
	// mutates snapshots/segments/nextSegID concurrently with the
	// owning worker's reads, and the handle LRU and lock table are
	// touched by both reads and writes. A weak-reference scheme
	// with a release/acquire flag per segment would also work; one
	// mutex is simpler.
	mu           sync.Mutex
	snapshots    []*snapshotEntry
	segments     []*segmentHandle
	nextSegID    int
	locks        map[lockKey]string
	lockOrder    []lockKey  // insertion order, for max_locks eviction
	handles      *list.List // of *segmentHandle, front = most recently used
	closed       bool
	flushRunning int32

	flushWG sync.WaitGroup
	stats   Stats
}

type lockKey struct {
	hash    uint64
	sortKey string
}

// flushDir, logsDir are the two fixed subdirectories of dir.
func flushDir(dir string) string { return filepath.Join(dir, "flush") }
func logsDir(dir string) string  { return filepath.Join(dir, "logs") }

func segDir(dir string, id int) string {
	return filepath.Join(flushDir(dir), fmt.Sprintf("f%d", id))
}

// Close waits for any in-flight flush to finish, then closes the
// WAL shard and every open segment handle.
func (c *MemoryCache) Close() error {
	c.flushWG.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var firstErr error
	for _, h := range c.segments {
		h.mu.Lock()
		if h.seg != nil {
			if err := h.seg.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.seg = nil
		}
		h.mu.Unlock()
	}
	if err := c.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stats returns a snapshot of the cache's hit/miss/flush counters.
func (c *MemoryCache) Stats() Stats { return c.stats.Snapshot() }

// Pressure returns the live store's current estimated pressure.
func (c *MemoryCache) Pressure() int64 { return c.live.Pressure() }
