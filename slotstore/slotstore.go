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

// Package slotstore implements the in-memory mutation buffer:
// one partition-hash-keyed map per schema per core, where each partition holds either a single slot (unary
// partitions, schema has no sort fields) or an ordered byte map
// from sort key to slot (wide partitions).
package slotstore

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/coldmount/store/schema"
)

// removePressure is the small constant estimated-pressure cost of
// a remove (tombstone) mutation, which carries no payload of its
// own.
const removePressure = 16

// Slot is one stored value: a VType tag and a byte buffer whose
// capacity may exceed its logical length, so in-place growth can
// reuse the backing array when the new value still fits.
type Slot struct {
	VType schema.VType
	data  []byte
}

// Bytes returns the slot's logical contents.
func (s *Slot) Bytes() []byte { return s.data }

// Capacity returns the slot's backing buffer capacity.
func (s *Slot) Capacity() int { return cap(s.data) }

type slotEntry struct {
	key  []byte
	slot *Slot
}

// PartitionEntry is the per-(H) state: the partition key bytes and
// either a single slot (unary) or an ordered byte map of sort key
// to slot (wide).
type PartitionEntry struct {
	PKey []byte

	single *Slot
	tree   *btree.BTreeG[slotEntry]
}

// Wide reports whether this partition holds an ordered byte map
// (true) or a single slot (false).
func (e *PartitionEntry) Wide() bool { return e.tree != nil }

// Single returns the partition's single slot, or nil if the
// partition is wide or has never been written.
func (e *PartitionEntry) Single() *Slot { return e.single }

// Len returns the number of slots held in a wide partition's
// ordered byte map. It panics if called on a unary partition.
func (e *PartitionEntry) Len() int { return e.tree.Len() }

// Ascend visits a wide partition's (sort key, slot) pairs in
// ascending byte-wise order, stopping early if fn returns false.
// It is used by MemoryCache's page/page_from and by the flush
// pipeline's partition serialization.
func (e *PartitionEntry) Ascend(fn func(key []byte, slot *Slot) bool) {
	e.tree.Ascend(func(se slotEntry) bool {
		return fn(se.key, se.slot)
	})
}

// AscendFrom is like Ascend but starts at the first key >= from.
func (e *PartitionEntry) AscendFrom(from []byte, fn func(key []byte, slot *Slot) bool) {
	e.tree.AscendGreaterOrEqual(slotEntry{key: from}, func(se slotEntry) bool {
		return fn(se.key, se.slot)
	})
}

// Store is one schema's slot store for one core. It is not
// safe for concurrent use; callers (MemoryCache) serialize access
// through their owning worker.
type Store struct {
	schema     schema.VTable
	partitions map[uint64]*PartitionEntry
	pressure   int64

	less func(a, b slotEntry) bool
}

// New returns an empty Store for schema v.
func New(v schema.VTable) *Store {
	s := &Store{schema: v, partitions: make(map[uint64]*PartitionEntry)}
	s.less = func(a, b slotEntry) bool { return v.CompareSortKeys(a.key, b.key) < 0 }
	return s
}

// Pressure returns the store's estimated buffered-byte pressure.
func (s *Store) Pressure() int64 { return s.pressure }

// ResetPressure zeroes the pressure estimate; called when the
// store is reset post-flush.
func (s *Store) ResetPressure() { s.pressure = 0 }

// Len returns the number of partitions currently buffered.
func (s *Store) Len() int { return len(s.partitions) }

// SortedHashes returns every buffered partition hash in ascending
// order, the order the flush pipeline streams partitions in.
func (s *Store) SortedHashes() []uint64 {
	out := make([]uint64, 0, len(s.partitions))
	for h := range s.partitions {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Partition returns the entry for h, or (nil, false) if absent.
func (s *Store) Partition(h uint64) (*PartitionEntry, bool) {
	e, ok := s.partitions[h]
	return e, ok
}

// GetOrCreatePartition returns the entry for partition hash h,
// creating it (with partition key pkey, and a variant chosen by
// whether the schema has any sort fields) if it did not already
// exist. created reports whether a new entry was inserted, so the
// caller can decide whether to log a CreatePartition WAL record;
// the logging decision itself belongs to the caller, which owns
// the WAL.
func (s *Store) GetOrCreatePartition(h uint64, pkey []byte) (entry *PartitionEntry, created bool) {
	if e, ok := s.partitions[h]; ok {
		return e, false
	}
	e := &PartitionEntry{PKey: append([]byte(nil), pkey...)}
	if s.schema.NumSortFields() == 0 {
		e.single = &Slot{VType: schema.Tombstone, data: nil}
	} else {
		e.tree = btree.NewG[slotEntry](32, s.less)
	}
	s.partitions[h] = e
	return e, true
}

// FindSlot returns the slot at sort key key within entry, or
// (nil, false) if no such slot has been written. For unary
// partitions key is ignored.
func (s *Store) FindSlot(entry *PartitionEntry, key []byte) (*Slot, bool) {
	if !entry.Wide() {
		if entry.single == nil {
			return nil, false
		}
		return entry.single, true
	}
	se, ok := entry.tree.Get(slotEntry{key: key})
	if !ok {
		return nil, false
	}
	return se.slot, true
}

// CreateSlot writes data as a vtype-tagged slot at sort key key
// within entry, overwriting in place (reusing the backing array)
// if an existing slot there has capacity >= len(data), and
// allocating a fresh buffer otherwise. It updates the store's pressure estimate.
func (s *Store) CreateSlot(entry *PartitionEntry, key []byte, vtype schema.VType, data []byte) *Slot {
	slot := s.writeSlot(entry, key, vtype, data)
	s.pressure += int64(len(data) + len(key) + 8)
	return slot
}

// Tombstone writes a Tombstone-typed slot at (entry, key),
// implementing MemoryCache's Remove. It charges
// the smaller, fixed removePressure cost instead of CreateSlot's
// payload-proportional one.
func (s *Store) Tombstone(entry *PartitionEntry, key []byte) *Slot {
	slot := s.writeSlot(entry, key, schema.Tombstone, nil)
	s.pressure += removePressure
	return slot
}

func (s *Store) writeSlot(entry *PartitionEntry, key []byte, vtype schema.VType, data []byte) *Slot {
	if !entry.Wide() {
		if entry.single != nil && cap(entry.single.data) >= len(data) {
			entry.single.data = entry.single.data[:len(data)]
			copy(entry.single.data, data)
			entry.single.VType = vtype
			return entry.single
		}
		entry.single = &Slot{VType: vtype, data: append([]byte(nil), data...)}
		return entry.single
	}
	if existing, ok := entry.tree.Get(slotEntry{key: key}); ok && cap(existing.slot.data) >= len(data) {
		existing.slot.data = existing.slot.data[:len(data)]
		copy(existing.slot.data, data)
		existing.slot.VType = vtype
		return existing.slot
	}
	slot := &Slot{VType: vtype, data: append([]byte(nil), data...)}
	entry.tree.ReplaceOrInsert(slotEntry{key: append([]byte(nil), key...), slot: slot})
	return slot
}

// ResizeSlot grows (or shrinks) the slot at (entry, key) to
// newSize bytes, allocating new backing with capacity >= newSize,
// preserving the existing payload prefix and zero-filling any
// newly added tail bytes.
func (s *Store) ResizeSlot(entry *PartitionEntry, key []byte, newSize int) (*Slot, error) {
	old, ok := s.FindSlot(entry, key)
	if !ok {
		return nil, fmt.Errorf("slotstore: resize of missing slot")
	}
	next := make([]byte, newSize)
	copy(next, old.data)
	delta := newSize - len(old.data)
	old.data = next
	if delta > 0 {
		s.pressure += int64(delta)
	}
	return old, nil
}
