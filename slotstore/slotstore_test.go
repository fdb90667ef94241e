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

package slotstore

import (
	"bytes"
	"testing"

	"github.com/coldmount/store/schema"
	"github.com/coldmount/store/schema/fixedschema"
)

func wideSchema() *fixedschema.Schema {
	return fixedschema.New(1, []fixedschema.FieldDecl{{Kind: fixedschema.Int64Field}}, fixedschema.Uint32Sort, false, 8)
}

func unarySchema() *fixedschema.Schema {
	return fixedschema.New(2, []fixedschema.FieldDecl{{Kind: fixedschema.Int64Field}}, fixedschema.NoSort, false, 8)
}

func TestUnaryPartitionSingleSlot(t *testing.T) {
	s := New(unarySchema())
	entry, created := s.GetOrCreatePartition(1, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if !created {
		t.Fatalf("expected new partition")
	}
	if entry.Wide() {
		t.Fatalf("unary schema should create a single-slot partition")
	}
	_, again := s.GetOrCreatePartition(1, nil)
	if again {
		t.Fatalf("second GetOrCreatePartition should not report created")
	}
	s.CreateSlot(entry, nil, schema.SchemaInstance, []byte("hello"))
	slot, ok := s.FindSlot(entry, nil)
	if !ok {
		t.Fatalf("expected slot")
	}
	if string(slot.Bytes()) != "hello" {
		t.Fatalf("slot = %q, want hello", slot.Bytes())
	}
	if s.Pressure() == 0 {
		t.Fatalf("expected nonzero pressure after insertion")
	}
}

func TestWidePartitionOrderedTraversal(t *testing.T) {
	s := New(wideSchema())
	entry, _ := s.GetOrCreatePartition(1, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	if !entry.Wide() {
		t.Fatalf("schema with sort field should create a wide partition")
	}
	keys := [][]byte{{0, 0, 0, 3}, {0, 0, 0, 1}, {0, 0, 0, 2}}
	for _, k := range keys {
		s.CreateSlot(entry, k, schema.SchemaInstance, []byte{byte(k[3])})
	}
	var order []byte
	entry.Ascend(func(key []byte, slot *Slot) bool {
		order = append(order, slot.Bytes()[0])
		return true
	})
	if !bytes.Equal(order, []byte{1, 2, 3}) {
		t.Fatalf("ascend order = %v, want [1 2 3]", order)
	}
}

func TestCreateSlotReusesCapacity(t *testing.T) {
	s := New(wideSchema())
	entry, _ := s.GetOrCreatePartition(1, make([]byte, 8))
	key := []byte{0, 0, 0, 1}
	slot := s.CreateSlot(entry, key, schema.SchemaInstance, []byte("0123456789"))
	backing := slot.Bytes()
	slot2 := s.CreateSlot(entry, key, schema.SchemaInstance, []byte("short"))
	if &backing[0] != &slot2.Bytes()[0] {
		t.Fatalf("expected in-place reuse of backing array when new data fits in capacity")
	}
	if string(slot2.Bytes()) != "short" {
		t.Fatalf("slot2 = %q, want short", slot2.Bytes())
	}
}

func TestResizeSlotPreservesPrefix(t *testing.T) {
	s := New(wideSchema())
	entry, _ := s.GetOrCreatePartition(1, make([]byte, 8))
	key := []byte{0, 0, 0, 1}
	s.CreateSlot(entry, key, schema.SchemaInstance, []byte("abc"))
	slot, err := s.ResizeSlot(entry, key, 6)
	if err != nil {
		t.Fatalf("ResizeSlot: %v", err)
	}
	if !bytes.Equal(slot.Bytes()[:3], []byte("abc")) {
		t.Fatalf("resized slot prefix = %q, want abc", slot.Bytes()[:3])
	}
	if len(slot.Bytes()) != 6 {
		t.Fatalf("resized slot length = %d, want 6", len(slot.Bytes()))
	}
}

func TestTombstonePressureIsSmallAndFixed(t *testing.T) {
	s := New(wideSchema())
	entry, _ := s.GetOrCreatePartition(1, make([]byte, 8))
	key := []byte{0, 0, 0, 1}
	before := s.Pressure()
	s.Tombstone(entry, key)
	if s.Pressure()-before != removePressure {
		t.Fatalf("tombstone pressure delta = %d, want %d", s.Pressure()-before, removePressure)
	}
	slot, ok := s.FindSlot(entry, key)
	if !ok || slot.VType != schema.Tombstone {
		t.Fatalf("expected a Tombstone slot")
	}
}

func TestResetPressure(t *testing.T) {
	s := New(wideSchema())
	entry, _ := s.GetOrCreatePartition(1, make([]byte, 8))
	s.CreateSlot(entry, []byte{0, 0, 0, 1}, schema.SchemaInstance, []byte("x"))
	if s.Pressure() == 0 {
		t.Fatalf("expected nonzero pressure")
	}
	s.ResetPressure()
	if s.Pressure() != 0 {
		t.Fatalf("expected zero pressure after reset")
	}
}

func TestSortedHashesAscending(t *testing.T) {
	s := New(unarySchema())
	for _, h := range []uint64{5, 1, 3} {
		s.GetOrCreatePartition(h, nil)
	}
	got := s.SortedHashes()
	want := []uint64{1, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedHashes = %v, want %v", got, want)
		}
	}
}
