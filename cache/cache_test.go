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
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/schema/fixedschema"
	"github.com/coldmount/store/xhash"
)

func unarySchema() *fixedschema.Schema {
	return fixedschema.New(1, []fixedschema.FieldDecl{
		{Kind: fixedschema.Int64Field},
		{Kind: fixedschema.StringField},
	}, fixedschema.NoSort, false, 8)
}

func wideSchema() *fixedschema.Schema {
	return fixedschema.New(2, []fixedschema.FieldDecl{
		{Kind: fixedschema.Int64Field},
		{Kind: fixedschema.StringField},
	}, fixedschema.Uint32Sort, false, 8)
}

func testConfig() Config {
	return Config{
		BlockSize:                 256,
		BlockSparseIndexRatio:     1,
		PartitionSparseIndexRatio: 1,
		CompressionRatio:          0.9,
		PartitionBloomFPRate:      0.01,
		IntraPartitionBloomFPRate: 0.01,
		Compressor:                "s2",
		LogShardSize:              1 << 20,
	}
}

func openCache(t *testing.T, dir string, v schema.VTable, cfg Config) *MemoryCache {
	t.Helper()
	c, err := Open(dir, v, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

// waitFlushes polls until c has completed at least n flushes; Flush
// itself returns before the background segment write finishes.
func waitFlushes(t *testing.T, c *MemoryCache, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Flushes >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes (have %d)", n, c.Stats().Flushes)
}

func i64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func pkeyOf(h uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, h)
	return b
}

func sortKey(t *testing.T, v *fixedschema.Schema, u uint32) []byte {
	t.Helper()
	k, err := v.EncodeSortKey(u)
	if err != nil {
		t.Fatalf("EncodeSortKey: %v", err)
	}
	return k
}

// readFields runs c.Read for the given fields and returns the
// delivered (fieldID -> encoded value) map.
func readFields(t *testing.T, c *MemoryCache, h uint64, key []byte, ids ...schema.FieldID) (map[schema.FieldID][]byte, bool) {
	t.Helper()
	got := make(map[schema.FieldID][]byte)
	found, err := c.Read(h, key, NewFieldSet(ids...), func(fid schema.FieldID, data []byte) {
		got[fid] = data
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got, found
}

func TestWriteReadLiveAndFlushed(t *testing.T) {
	v := unarySchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(1))
	if err := c.Write(h, pkeyOf(1), nil, 0, i64(1), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Write(h, pkeyOf(1), nil, 1, []byte("abc"), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}

	check := func(stage string) {
		got, found := readFields(t, c, h, nil, 0, 1)
		if !found {
			t.Fatalf("%s: Read found nothing", stage)
		}
		if !bytes.Equal(got[0], i64(1)) {
			t.Fatalf("%s: field 0 = %v, want 1", stage, got[0])
		}
		s, err := v.DecodeValue(1, got[1])
		if err != nil {
			t.Fatalf("%s: DecodeValue: %v", stage, err)
		}
		if string(s) != "abc" {
			t.Fatalf("%s: field 1 = %q, want abc", stage, s)
		}
	}
	check("live")

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFlushes(t, c, 1)
	check("flushed")

	if c.Pressure() != 0 {
		t.Fatalf("pressure after flush = %d, want 0", c.Pressure())
	}
}

func TestPageOrdering(t *testing.T) {
	v := wideSchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(10))
	for _, w := range []struct {
		s uint32
		a int64
	}{{1, 1}, {3, 3}, {2, 2}} {
		if err := c.Write(h, pkeyOf(10), sortKey(t, v, w.s), 0, i64(w.a), ""); err != nil {
			t.Fatalf("Write(S=%d): %v", w.s, err)
		}
	}

	check := func(stage string) {
		entries, err := c.PageFrom(h, sortKey(t, v, 1), 3)
		if err != nil {
			t.Fatalf("%s: PageFrom: %v", stage, err)
		}
		if len(entries) != 3 {
			t.Fatalf("%s: PageFrom returned %d entries, want 3", stage, len(entries))
		}
		for i, want := range []int64{1, 2, 3} {
			e := entries[i]
			if !bytes.Equal(e.SortKey, sortKey(t, v, uint32(want))) {
				t.Fatalf("%s: entry %d sort key out of order", stage, i)
			}
			start, end, ok, err := v.FieldRange(e.VType, e.Data, 0)
			if err != nil || !ok {
				t.Fatalf("%s: FieldRange: ok=%v err=%v", stage, ok, err)
			}
			got := int64(binary.LittleEndian.Uint64(e.Data[start:end]))
			if got != want {
				t.Fatalf("%s: entry %d field 0 = %d, want %d", stage, i, got, want)
			}
		}
	}
	check("live")

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFlushes(t, c, 1)
	check("flushed")
}

// TestPageFromManyBlocks flushes enough records under a tiny block
// size that the partition spans many on-disk blocks, so PageFrom
// has to seek into the flushed partition rather than read it from
// the live buffer.
func TestPageFromManyBlocks(t *testing.T) {
	v := wideSchema()
	cfg := testConfig()
	cfg.BlockSize = 16
	cfg.PartitionSparseIndexRatio = 0.5
	c := openCache(t, t.TempDir(), v, cfg)
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(20))
	for i := uint32(1); i <= 12; i++ {
		if err := c.Write(h, pkeyOf(20), sortKey(t, v, i), 0, i64(int64(i)), ""); err != nil {
			t.Fatalf("Write(S=%d): %v", i, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFlushes(t, c, 1)

	entries, err := c.PageFrom(h, sortKey(t, v, 5), 4)
	if err != nil {
		t.Fatalf("PageFrom: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("PageFrom returned %d entries, want 4", len(entries))
	}
	for i, want := range []int64{5, 6, 7, 8} {
		e := entries[i]
		if !bytes.Equal(e.SortKey, sortKey(t, v, uint32(want))) {
			t.Fatalf("entry %d has wrong sort key", i)
		}
		start, end, ok, err := v.FieldRange(e.VType, e.Data, 0)
		if err != nil || !ok {
			t.Fatalf("FieldRange: ok=%v err=%v", ok, err)
		}
		if got := int64(binary.LittleEndian.Uint64(e.Data[start:end])); got != want {
			t.Fatalf("entry %d field 0 = %d, want %d", i, got, want)
		}
	}

	// single-key lookups against the same multi-block partition
	got, found := readFields(t, c, h, sortKey(t, v, 11), 0)
	if !found || !bytes.Equal(got[0], i64(11)) {
		t.Fatalf("Read(S=11) = %v (found=%v)", got[0], found)
	}
}

func TestTombstoneShadowsOlderSegments(t *testing.T) {
	v := wideSchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(3))
	key := sortKey(t, v, 9)
	if err := c.Write(h, pkeyOf(3), key, 0, i64(1), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFlushes(t, c, 1)

	if err := c.Remove(h, pkeyOf(3), key, ""); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found := readFields(t, c, h, key, 0); found {
		t.Fatalf("Read after Remove should not find the record")
	}
	if ok, err := c.Exists(h, key); err != nil || ok {
		t.Fatalf("Exists after Remove = %v, %v", ok, err)
	}

	// The tombstone itself flushes into a newer segment and must
	// keep shadowing the live record in the older one.
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitFlushes(t, c, 2)
	if _, found := readFields(t, c, h, key, 0); found {
		t.Fatalf("Read after flushed Remove should not find the record")
	}

	// A tombstoned sort key also disappears from paging.
	entries, err := c.Page(h, 10)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Page returned %d entries over a tombstoned partition, want 0", len(entries))
	}
}

func TestResetThenFieldWrite(t *testing.T) {
	v := wideSchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(4))
	key := sortKey(t, v, 1)
	if err := c.Reset(h, pkeyOf(4), key, ""); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := c.Write(h, pkeyOf(4), key, 0, i64(77), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, found := readFields(t, c, h, key, 0, 1)
	if !found {
		t.Fatalf("Read found nothing after Reset+Write")
	}
	if !bytes.Equal(got[0], i64(77)) {
		t.Fatalf("field 0 = %v, want 77", got[0])
	}
	// Reset created a SchemaInstance, so the never-written field 1
	// reads back as its default rather than "absent".
	if !bytes.Equal(got[1], v.FieldDefault(1)) {
		t.Fatalf("field 1 = %v, want its default %v", got[1], v.FieldDefault(1))
	}
}

func TestWriteProcedures(t *testing.T) {
	v := wideSchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(5))
	key := sortKey(t, v, 1)
	for i := 0; i < 3; i++ {
		if err := c.WProc(h, pkeyOf(5), key, 0, fixedschema.OpIncrementInt64, i64(5), ""); err != nil {
			t.Fatalf("WProc increment: %v", err)
		}
	}
	if err := c.WProc(h, pkeyOf(5), key, 1, fixedschema.OpAppendString, []byte("ab"), ""); err != nil {
		t.Fatalf("WProc append: %v", err)
	}
	if err := c.WProc(h, pkeyOf(5), key, 1, fixedschema.OpAppendString, []byte("cd"), ""); err != nil {
		t.Fatalf("WProc append: %v", err)
	}

	got, found := readFields(t, c, h, key, 0, 1)
	if !found {
		t.Fatalf("Read found nothing")
	}
	if !bytes.Equal(got[0], i64(15)) {
		t.Fatalf("field 0 = %v, want 15", got[0])
	}
	s, err := v.DecodeValue(1, got[1])
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if string(s) != "abcd" {
		t.Fatalf("field 1 = %q, want abcd", s)
	}
}

func TestWriteInstance(t *testing.T) {
	v := unarySchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	inst := v.Construct()
	inst, err := v.ApplyFieldWrite(schema.SchemaInstance, inst, 0, i64(9))
	if err != nil {
		t.Fatalf("ApplyFieldWrite: %v", err)
	}
	h := xhash.PartitionHash(pkeyOf(6))
	if err := c.WriteInstance(h, pkeyOf(6), nil, inst, ""); err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	got, found := readFields(t, c, h, nil, 0)
	if !found || !bytes.Equal(got[0], i64(9)) {
		t.Fatalf("field 0 = %v (found=%v), want 9", got[0], found)
	}
}

func TestReplayAfterRestart(t *testing.T) {
	v := wideSchema()
	dir := t.TempDir()
	cfg := testConfig()

	c := openCache(t, dir, v, cfg)
	h := xhash.PartitionHash(pkeyOf(7))
	for i := uint32(1); i <= 5; i++ {
		if err := c.Write(h, pkeyOf(7), sortKey(t, v, i), 0, i64(int64(i)), ""); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := c.Remove(h, pkeyOf(7), sortKey(t, v, 3), ""); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// No flush happened, so everything must come back from the WAL.
	c = openCache(t, dir, v, cfg)
	defer c.Close()
	for i := uint32(1); i <= 5; i++ {
		got, found := readFields(t, c, h, sortKey(t, v, i), 0)
		if i == 3 {
			if found {
				t.Fatalf("tombstoned S=3 resurrected by replay")
			}
			continue
		}
		if !found || !bytes.Equal(got[0], i64(int64(i))) {
			t.Fatalf("S=%d after replay = %v (found=%v)", i, got[0], found)
		}
	}
}

func TestShardRotationSurvivesRestart(t *testing.T) {
	v := unarySchema()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.LogShardSize = 128 // each 1 KiB payload overflows a shard

	c := openCache(t, dir, v, cfg)
	payload := bytes.Repeat([]byte("x"), 1024)
	hashes := make([]uint64, 10)
	for i := range hashes {
		pk := pkeyOf(uint64(100 + i))
		hashes[i] = xhash.PartitionHash(pk)
		if err := c.Write(hashes[i], pk, nil, 1, payload, ""); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ents, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	shards := 0
	for _, e := range ents {
		if !e.IsDir() && e.Name()[0] == 's' {
			shards++
		}
	}
	if shards < 2 {
		t.Fatalf("expected shard rotation, found %d shard files", shards)
	}

	c = openCache(t, dir, v, cfg)
	defer c.Close()
	for i, h := range hashes {
		got, found := readFields(t, c, h, nil, 1)
		if !found {
			t.Fatalf("record %d missing after restart", i)
		}
		s, err := v.DecodeValue(1, got[1])
		if err != nil || !bytes.Equal(s, payload) {
			t.Fatalf("record %d corrupted after restart (err=%v)", i, err)
		}
	}
}

func TestCrashedFlushRecovery(t *testing.T) {
	v := wideSchema()
	dir := t.TempDir()
	cfg := testConfig()

	c := openCache(t, dir, v, cfg)
	h := xhash.PartitionHash(pkeyOf(8))
	key := sortKey(t, v, 2)
	if err := c.Write(h, pkeyOf(8), key, 0, i64(42), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Fake the on-disk state of a flush that died after snapshotting
	// the WAL and starting the segment write: shards moved into
	// logs/snapshot0, an f0 directory with its lock file still
	// present.
	logs := filepath.Join(dir, "logs")
	snap := filepath.Join(logs, "snapshot0")
	if err := os.MkdirAll(snap, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Rename(filepath.Join(logs, "s0"), filepath.Join(snap, "s0")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	seg := filepath.Join(dir, "flush", "f0")
	if err := os.MkdirAll(seg, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(seg, "lock"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c = openCache(t, dir, v, cfg)
	defer c.Close()
	if _, err := os.Stat(seg); !os.IsNotExist(err) {
		t.Fatalf("incomplete segment not removed on recovery (err=%v)", err)
	}
	// The snapshot's shards must be folded back into the root
	// sequence, not left where a retried flush would clobber them.
	if _, err := os.Stat(snap); !os.IsNotExist(err) {
		t.Fatalf("wal snapshot dir survived recovery (err=%v)", err)
	}
	got, found := readFields(t, c, h, key, 0)
	if !found || !bytes.Equal(got[0], i64(42)) {
		t.Fatalf("pre-crash state lost: %v (found=%v)", got[0], found)
	}

	// A flush after recovery seals the replayed record into a
	// segment and the state survives another restart.
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	waitFlushes(t, c, 1)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c = openCache(t, dir, v, cfg)
	defer c.Close()
	got, found = readFields(t, c, h, key, 0)
	if !found || !bytes.Equal(got[0], i64(42)) {
		t.Fatalf("state lost after recovered flush: %v (found=%v)", got[0], found)
	}
}

func TestAdvisoryLocks(t *testing.T) {
	v := wideSchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	h := xhash.PartitionHash(pkeyOf(9))
	key := sortKey(t, v, 1)
	owner := NewOriginToken()
	other := NewOriginToken()

	if err := c.Write(h, pkeyOf(9), key, 0, i64(1), owner); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !c.Lock(h, key, owner) {
		t.Fatalf("Lock by owner failed")
	}
	if c.Lock(h, key, other) {
		t.Fatalf("Lock by other should fail while held")
	}
	if !c.IsLocked(h, key, other) {
		t.Fatalf("IsLocked(other) = false, want true")
	}
	if c.IsLocked(h, key, owner) {
		t.Fatalf("IsLocked(owner) = true, want false")
	}

	// A conflicting write is silently dropped (spec'd contract).
	if err := c.Write(h, pkeyOf(9), key, 0, i64(99), other); err != nil {
		t.Fatalf("conflicting Write: %v", err)
	}
	got, _ := readFields(t, c, h, key, 0)
	if !bytes.Equal(got[0], i64(1)) {
		t.Fatalf("locked slot mutated by other originator: %v", got[0])
	}

	c.Unlock(h, key, other) // wrong origin, no-op
	if !c.IsLocked(h, key, other) {
		t.Fatalf("Unlock by non-owner released the lock")
	}
	c.Unlock(h, key, owner)
	if err := c.Write(h, pkeyOf(9), key, 0, i64(99), other); err != nil {
		t.Fatalf("Write after unlock: %v", err)
	}
	got, _ = readFields(t, c, h, key, 0)
	if !bytes.Equal(got[0], i64(99)) {
		t.Fatalf("field 0 = %v after unlock, want 99", got[0])
	}
}

func TestAutoFlushOnPressure(t *testing.T) {
	v := unarySchema()
	cfg := testConfig()
	cfg.FlushPressure = 64
	c := openCache(t, t.TempDir(), v, cfg)
	defer c.Close()

	pk := pkeyOf(11)
	h := xhash.PartitionHash(pk)
	if err := c.Write(h, pk, nil, 1, bytes.Repeat([]byte("y"), 128), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFlushes(t, c, 1)

	got, found := readFields(t, c, h, nil, 1)
	if !found {
		t.Fatalf("record missing after auto-flush")
	}
	if s, err := v.DecodeValue(1, got[1]); err != nil || len(s) != 128 {
		t.Fatalf("record corrupted after auto-flush (err=%v, len=%d)", err, len(s))
	}
}

func TestClearDropsLive(t *testing.T) {
	v := unarySchema()
	c := openCache(t, t.TempDir(), v, testConfig())
	defer c.Close()

	pk := pkeyOf(12)
	h := xhash.PartitionHash(pk)
	if err := c.Write(h, pk, nil, 0, i64(1), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.Clear()
	if c.Pressure() != 0 {
		t.Fatalf("pressure after Clear = %d, want 0", c.Pressure())
	}
	if _, found := readFields(t, c, h, nil, 0); found {
		t.Fatalf("Read found a record after Clear")
	}
}
