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

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/slotstore"
	"github.com/coldmount/store/wal"
)

// currentKindAndBytes returns the (kind, bytes) ApplyFieldWrite and
// ApplyWriteProcedure should see for an existing slot: an absent
// slot or a Tombstone is presented as an empty FieldSequence, so a
// write after a remove starts a fresh record rather than resurrecting
// the deleted one.
func currentKindAndBytes(slot *slotstore.Slot) (schema.VType, []byte) {
	if slot == nil || slot.VType == schema.Tombstone {
		return schema.FieldSequence, nil
	}
	return slot.VType, slot.Bytes()
}

func encodeFieldPayload(fieldID schema.FieldID, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = fieldID
	copy(out[1:], payload)
	return out
}

func decodeFieldPayload(b []byte) (schema.FieldID, []byte) {
	if len(b) == 0 {
		return 0, nil
	}
	return b[0], b[1:]
}

func encodeWProcPayload(fieldID schema.FieldID, opcode uint8, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	out[0] = fieldID
	out[1] = opcode
	copy(out[2:], payload)
	return out
}

func decodeWProcPayload(b []byte) (fieldID schema.FieldID, opcode uint8, payload []byte) {
	if len(b) < 2 {
		return 0, 0, nil
	}
	return b[0], b[1], b[2:]
}

// ensurePartitionLocked ensures the partition exists, logging
// CreatePartition lazily: the WAL record is only appended the first time a given H is seen by this
// cache instance.
func (c *MemoryCache) ensurePartitionLocked(h uint64, pkey []byte) (*slotstore.PartitionEntry, error) {
	entry, created := c.live.GetOrCreatePartition(h, pkey)
	if created {
		if err := c.appendWAL(wal.Record{Type: wal.CreatePartition, PKey: pkey}); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// appendWAL appends rec and, once the log's own pressure counter
// crosses logs.flush_pressure, syncs the dirty prefix of the
// shard.
func (c *MemoryCache) appendWAL(rec wal.Record) error {
	if _, err := c.wal.Append(rec); err != nil {
		return fmt.Errorf("cache: wal append: %w", err)
	}
	if c.wal.ShouldFlush() {
		if err := c.wal.Sync(); err != nil {
			return fmt.Errorf("cache: wal sync: %w", err)
		}
	}
	return nil
}

// Write applies a Field-type mutation at (h, sortKey): a single
// field patch dispatched through the schema's ApplyFieldWrite.
// pkey is only consulted
// the first time h is seen by this cache, to seed a lazily-logged
// CreatePartition record.
func (c *MemoryCache) Write(h uint64, pkey, sortKey []byte, fieldID schema.FieldID, payload []byte, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.isLockedByOtherLocked(h, sortKey, origin) {
		return nil
	}
	entry, err := c.ensurePartitionLocked(h, pkey)
	if err != nil {
		return err
	}
	existing, _ := c.live.FindSlot(entry, sortKey)
	kind, cur := currentKindAndBytes(existing)
	next, err := c.schema.ApplyFieldWrite(kind, cur, fieldID, payload)
	if err != nil {
		return fmt.Errorf("cache: apply field write: %w", err)
	}
	if err := c.appendWAL(wal.Record{
		Type:          wal.Field,
		PartitionHash: h,
		SortKey:       sortKey,
		Payload:       encodeFieldPayload(fieldID, payload),
	}); err != nil {
		return err
	}
	c.live.CreateSlot(entry, sortKey, kind, next)
	c.maybeFlushLocked()
	return nil
}

// WProc runs a write procedure at (h, sortKey). A missing or
// tombstoned slot is
// presented to the procedure as an empty FieldSequence, so a
// procedure that reads-then-writes a field ("the cache owns that
// transitive read") sees the field's schema default rather than an
// error.
func (c *MemoryCache) WProc(h uint64, pkey, sortKey []byte, fieldID schema.FieldID, opcode uint8, payload []byte, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.isLockedByOtherLocked(h, sortKey, origin) {
		return nil
	}
	entry, err := c.ensurePartitionLocked(h, pkey)
	if err != nil {
		return err
	}
	existing, _ := c.live.FindSlot(entry, sortKey)
	kind, cur := currentKindAndBytes(existing)
	next, err := c.schema.ApplyWriteProcedure(kind, cur, fieldID, opcode, payload)
	if err != nil {
		return fmt.Errorf("cache: apply write procedure: %w", err)
	}
	if err := c.appendWAL(wal.Record{
		Type:          wal.WProc,
		PartitionHash: h,
		SortKey:       sortKey,
		Payload:       encodeWProcPayload(fieldID, opcode, payload),
	}); err != nil {
		return err
	}
	c.live.CreateSlot(entry, sortKey, kind, next)
	c.maybeFlushLocked()
	return nil
}

// WriteInstance replaces the whole value at (h, sortKey) with an
// already-encoded SchemaInstance in one step (the Table WAL
// record type), for bulk-loading a complete record without going
// through a sequence of per-field patches; see DESIGN.md.
func (c *MemoryCache) WriteInstance(h uint64, pkey, sortKey, instance []byte, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.isLockedByOtherLocked(h, sortKey, origin) {
		return nil
	}
	entry, err := c.ensurePartitionLocked(h, pkey)
	if err != nil {
		return err
	}
	if err := c.appendWAL(wal.Record{
		Type:          wal.Table,
		PartitionHash: h,
		SortKey:       sortKey,
		Payload:       instance,
	}); err != nil {
		return err
	}
	c.live.CreateSlot(entry, sortKey, schema.SchemaInstance, instance)
	c.maybeFlushLocked()
	return nil
}

// Reset writes a default-initialized SchemaInstance at (h,
// sortKey). The WAL carries a bare marker:
// Construct() is deterministic, so replay reconstructs the same
// bytes without needing them on the wire.
func (c *MemoryCache) Reset(h uint64, pkey, sortKey []byte, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.isLockedByOtherLocked(h, sortKey, origin) {
		return nil
	}
	entry, err := c.ensurePartitionLocked(h, pkey)
	if err != nil {
		return err
	}
	if err := c.appendWAL(wal.Record{Type: wal.Reset, PartitionHash: h, SortKey: sortKey}); err != nil {
		return err
	}
	c.live.CreateSlot(entry, sortKey, schema.SchemaInstance, c.schema.Construct())
	c.maybeFlushLocked()
	return nil
}

// Remove writes a Tombstone slot at (h, sortKey). pkey seeds a lazily-logged CreatePartition record the
// first time h is tombstoned without ever having been written;
// callers that know the partition already exists may pass nil.
func (c *MemoryCache) Remove(h uint64, pkey, sortKey []byte, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.isLockedByOtherLocked(h, sortKey, origin) {
		return nil
	}
	entry, err := c.ensurePartitionLocked(h, pkey)
	if err != nil {
		return err
	}
	if err := c.appendWAL(wal.Record{Type: wal.Remov, PartitionHash: h, SortKey: sortKey}); err != nil {
		return err
	}
	c.live.Tombstone(entry, sortKey)
	c.maybeFlushLocked()
	return nil
}
