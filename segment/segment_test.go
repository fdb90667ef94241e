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

package segment

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/schema/fixedschema"
)

func unarySchema() *fixedschema.Schema {
	return fixedschema.New(1, []fixedschema.FieldDecl{{Kind: fixedschema.Int64Field}}, fixedschema.NoSort, false, 8)
}

func staticWideSchema() *fixedschema.Schema {
	return fixedschema.New(2, []fixedschema.FieldDecl{{Kind: fixedschema.Int64Field}}, fixedschema.Uint32Sort, false, 8)
}

func dynamicWideSchema() *fixedschema.Schema {
	return fixedschema.New(3, []fixedschema.FieldDecl{{Kind: fixedschema.StringField}}, fixedschema.StringSort, false, 8)
}

func testConfig() Config {
	return Config{
		BlockSize:                 5, // forces one record per block, exercising the multi-block walk
		BlockSparseIndexRatio:     1,
		PartitionSparseIndexRatio: 1,
		CompressionRatio:          0.9,
		PartitionBloomFPRate:      0.01,
		IntraPartitionBloomFPRate: 0.01,
		Compressor:                "s2",
	}
}

func pkeyFor(h uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, h)
	return b
}

func TestUnarySegmentRoundTrip(t *testing.T) {
	v := unarySchema()
	parts := []Partition{
		{Hash: 10, PKey: pkeyFor(10), Records: []Record{{VType: schema.SchemaInstance, Data: []byte("ten")}}},
		{Hash: 20, PKey: pkeyFor(20), Records: []Record{{VType: schema.SchemaInstance, Data: []byte("twenty")}}},
		{Hash: 30, PKey: pkeyFor(30), Records: []Record{{VType: schema.Tombstone, Data: nil}}},
	}
	dir := filepath.Join(t.TempDir(), "seg0")
	if err := WriteSegment(dir, parts, testConfig(), v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if Incomplete(dir) {
		t.Fatalf("segment should not be incomplete after a successful write")
	}

	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	vt, data, found, err := seg.Lookup(10, nil)
	if err != nil || !found {
		t.Fatalf("Lookup(10) = found=%v err=%v", found, err)
	}
	if vt != schema.SchemaInstance || string(data) != "ten" {
		t.Fatalf("Lookup(10) = (%v,%q)", vt, data)
	}

	vt, data, found, err = seg.Lookup(20, nil)
	if err != nil || !found || string(data) != "twenty" {
		t.Fatalf("Lookup(20) = (%v,%q,%v,%v)", vt, data, found, err)
	}

	vt, _, found, err = seg.Lookup(30, nil)
	if err != nil || !found || vt != schema.Tombstone {
		t.Fatalf("Lookup(30) should be a found tombstone, got found=%v vt=%v err=%v", found, vt, err)
	}

	_, _, found, err = seg.Lookup(15, nil)
	if err != nil || found {
		t.Fatalf("Lookup(15) should miss, got found=%v err=%v", found, err)
	}
	_, _, found, err = seg.Lookup(999, nil)
	if err != nil || found {
		t.Fatalf("Lookup(999) should miss (above max hash), got found=%v err=%v", found, err)
	}
}

func TestStaticWideSegmentRoundTrip(t *testing.T) {
	v := staticWideSchema()
	key := func(u uint32) []byte {
		k, err := v.EncodeSortKey(u)
		if err != nil {
			t.Fatalf("EncodeSortKey: %v", err)
		}
		return k
	}
	parts := []Partition{
		{Hash: 5, PKey: pkeyFor(5), Records: []Record{
			{SortKey: key(1), VType: schema.SchemaInstance, Data: []byte("a")},
			{SortKey: key(2), VType: schema.SchemaInstance, Data: []byte("b")},
			{SortKey: key(3), VType: schema.SchemaInstance, Data: []byte("c")},
		}},
		{Hash: 7, PKey: pkeyFor(7), Records: []Record{
			{SortKey: key(100), VType: schema.SchemaInstance, Data: []byte("x")},
		}},
	}
	dir := filepath.Join(t.TempDir(), "seg1")
	if err := WriteSegment(dir, parts, testConfig(), v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	vt, data, found, err := seg.Lookup(5, key(2))
	if err != nil || !found || vt != schema.SchemaInstance || string(data) != "b" {
		t.Fatalf("Lookup(5, 2) = (%v,%q,%v,%v)", vt, data, found, err)
	}
	_, _, found, err = seg.Lookup(5, key(4))
	if err != nil || found {
		t.Fatalf("Lookup(5, 4) should miss within-partition, got found=%v err=%v", found, err)
	}
	vt, data, found, err = seg.Lookup(7, key(100))
	if err != nil || !found || string(data) != "x" {
		t.Fatalf("Lookup(7, 100) = (%v,%q,%v,%v)", vt, data, found, err)
	}
	_, _, found, err = seg.Lookup(6, key(1))
	if err != nil || found {
		t.Fatalf("Lookup(6, ...) should miss (no such partition), got found=%v err=%v", found, err)
	}
}

func TestUnaryMultiRecordBlock(t *testing.T) {
	v := unarySchema()
	cfg := testConfig()
	cfg.BlockSize = 4096 // every record lands in one shared block
	parts := []Partition{
		{Hash: 1, PKey: pkeyFor(1), Records: []Record{{VType: schema.SchemaInstance, Data: []byte("one")}}},
		{Hash: 2, PKey: pkeyFor(2), Records: []Record{{VType: schema.SchemaInstance, Data: []byte("two")}}},
		{Hash: 3, PKey: pkeyFor(3), Records: []Record{{VType: schema.SchemaInstance, Data: []byte("three")}}},
	}
	dir := filepath.Join(t.TempDir(), "seg")
	if err := WriteSegment(dir, parts, cfg, v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	// Payloads must be bounded at the record, not the block: a
	// middle record's data must not bleed into its successors.
	for h, want := range map[uint64]string{1: "one", 2: "two", 3: "three"} {
		_, data, found, err := seg.Lookup(h, nil)
		if err != nil || !found {
			t.Fatalf("Lookup(%d): found=%v err=%v", h, found, err)
		}
		if string(data) != want {
			t.Fatalf("Lookup(%d) = %q, want %q", h, data, want)
		}
	}
}

func TestStaticWideMultiRecordBlock(t *testing.T) {
	v := staticWideSchema()
	cfg := testConfig()
	cfg.BlockSize = 4096
	key := func(u uint32) []byte {
		k, err := v.EncodeSortKey(u)
		if err != nil {
			t.Fatalf("EncodeSortKey: %v", err)
		}
		return k
	}
	parts := []Partition{
		{Hash: 5, PKey: pkeyFor(5), Records: []Record{
			{SortKey: key(1), VType: schema.SchemaInstance, Data: []byte("a")},
			{SortKey: key(2), VType: schema.SchemaInstance, Data: []byte("bb")},
			{SortKey: key(3), VType: schema.SchemaInstance, Data: []byte("ccc")},
		}},
	}
	dir := filepath.Join(t.TempDir(), "seg")
	if err := WriteSegment(dir, parts, cfg, v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	for u, want := range map[uint32]string{1: "a", 2: "bb", 3: "ccc"} {
		_, data, found, err := seg.Lookup(5, key(u))
		if err != nil || !found {
			t.Fatalf("Lookup(5, %d): found=%v err=%v", u, found, err)
		}
		if string(data) != want {
			t.Fatalf("Lookup(5, %d) = %q, want %q", u, data, want)
		}
	}
}

// TestSparseFooterSeek forces a partition with many single-record
// blocks and a footer that samples only every other block, so both
// the point-lookup and range-scan paths have to seek through the
// footer and then walk forward across unsampled blocks.
func TestSparseFooterSeek(t *testing.T) {
	v := staticWideSchema()
	cfg := testConfig()
	cfg.BlockSize = 5                 // one record per block
	cfg.PartitionSparseIndexRatio = 0.5 // footer samples every 2nd block
	key := func(u uint32) []byte {
		k, err := v.EncodeSortKey(u)
		if err != nil {
			t.Fatalf("EncodeSortKey: %v", err)
		}
		return k
	}
	var recs []Record
	for u := uint32(1); u <= 16; u++ {
		recs = append(recs, Record{SortKey: key(u), VType: schema.SchemaInstance, Data: []byte{byte(u)}})
	}
	parts := []Partition{{Hash: 3, PKey: pkeyFor(3), Records: recs}}
	dir := filepath.Join(t.TempDir(), "seg")
	if err := WriteSegment(dir, parts, cfg, v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	// every key resolves, sampled block or not
	for u := uint32(1); u <= 16; u++ {
		vt, data, found, err := seg.Lookup(3, key(u))
		if err != nil || !found || vt != schema.SchemaInstance {
			t.Fatalf("Lookup(3, %d): found=%v vt=%v err=%v", u, found, vt, err)
		}
		if len(data) != 1 || data[0] != byte(u) {
			t.Fatalf("Lookup(3, %d) = %v", u, data)
		}
	}
	// absent keys miss without error, below, between and above the range
	for _, u := range []uint32{0, 17, 100} {
		_, _, found, err := seg.Lookup(3, key(u))
		if err != nil || found {
			t.Fatalf("Lookup(3, %d) should miss, got found=%v err=%v", u, found, err)
		}
	}

	// a range scan from an unsampled block's key starts exactly there
	var got []uint32
	err = seg.AscendPartition(3, key(10), func(sk []byte, _ schema.VType, _ []byte) bool {
		got = append(got, binary.BigEndian.Uint32(sk))
		return len(got) < 4
	})
	if err != nil {
		t.Fatalf("AscendPartition: %v", err)
	}
	if len(got) != 4 || got[0] != 10 || got[3] != 13 {
		t.Fatalf("AscendPartition keys = %v, want [10 11 12 13]", got)
	}
}

func TestAscendPartition(t *testing.T) {
	v := staticWideSchema()
	key := func(u uint32) []byte {
		k, err := v.EncodeSortKey(u)
		if err != nil {
			t.Fatalf("EncodeSortKey: %v", err)
		}
		return k
	}
	parts := []Partition{
		{Hash: 9, PKey: pkeyFor(9), Records: []Record{
			{SortKey: key(1), VType: schema.SchemaInstance, Data: []byte("a")},
			{SortKey: key(2), VType: schema.SchemaInstance, Data: []byte("b")},
			{SortKey: key(3), VType: schema.SchemaInstance, Data: []byte("c")},
			{SortKey: key(4), VType: schema.SchemaInstance, Data: []byte("d")},
		}},
	}
	dir := filepath.Join(t.TempDir(), "seg")
	if err := WriteSegment(dir, parts, testConfig(), v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	var keys []uint32
	var vals []string
	err = seg.AscendPartition(9, key(2), func(sk []byte, _ schema.VType, data []byte) bool {
		keys = append(keys, binary.BigEndian.Uint32(sk))
		vals = append(vals, string(data))
		return len(keys) < 2
	})
	if err != nil {
		t.Fatalf("AscendPartition: %v", err)
	}
	if len(keys) != 2 || keys[0] != 2 || keys[1] != 3 {
		t.Fatalf("AscendPartition keys = %v, want [2 3]", keys)
	}
	if vals[0] != "b" || vals[1] != "c" {
		t.Fatalf("AscendPartition vals = %v", vals)
	}
}

func TestDynamicWideSegmentRoundTrip(t *testing.T) {
	v := dynamicWideSchema()
	key := func(s string) []byte {
		k, err := v.EncodeSortKey(s)
		if err != nil {
			t.Fatalf("EncodeSortKey: %v", err)
		}
		return k
	}
	parts := []Partition{
		{Hash: 1, PKey: pkeyFor(1), Records: []Record{
			{SortKey: key("alpha"), VType: schema.SchemaInstance, Data: []byte("A")},
			{SortKey: key("beta"), VType: schema.SchemaInstance, Data: []byte("B")},
			{SortKey: key("gamma"), VType: schema.SchemaInstance, Data: []byte("G")},
		}},
	}
	dir := filepath.Join(t.TempDir(), "seg2")
	if err := WriteSegment(dir, parts, testConfig(), v); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	seg, err := Open(dir, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	for _, tc := range []struct {
		k    string
		want string
	}{
		{"alpha", "A"},
		{"beta", "B"},
		{"gamma", "G"},
	} {
		vt, data, found, err := seg.Lookup(1, key(tc.k))
		if err != nil || !found || vt != schema.SchemaInstance || !bytes.Equal(data, []byte(tc.want)) {
			t.Fatalf("Lookup(1, %q) = (%v,%q,%v,%v)", tc.k, vt, data, found, err)
		}
	}

	_, _, found, err := seg.Lookup(1, key("delta"))
	if err != nil || found {
		t.Fatalf("Lookup(1, delta) should miss, got found=%v err=%v", found, err)
	}
}
