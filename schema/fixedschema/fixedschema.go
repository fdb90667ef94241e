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

// Package fixedschema is a small, concrete implementation of
// schema.VTable used by this repository's own tests and by
// cmd/coldmountd's built-in demo schemas. The engine treats the reflection
// layer as an external collaborator whose contract, not
// implementation, matters; this package exists only to
// exercise that contract end-to-end.
//
// Fields are either fixed-size integers (Int64Field) or
// length-prefixed byte strings (StringField). Sort keys are
// either absent (unary partitions), a single fixed-width
// unsigned integer prefix, or a single dynamic-length string.
package fixedschema

import (
	"encoding/binary"
	"fmt"

	"github.com/coldmount/store/schema"
)

// FieldKind distinguishes the two field encodings this
// reference schema supports.
type FieldKind int

const (
	Int64Field FieldKind = iota
	StringField
)

// FieldDecl declares one field of a Schema.
type FieldDecl struct {
	Kind    FieldKind
	Default []byte // only used for Int64Field; must be 8 bytes or nil (zero)
}

// SortKind distinguishes the sort-key shapes this reference
// schema supports.
type SortKind int

const (
	NoSort SortKind = iota
	Uint32Sort
	StringSort
)

// Schema is a reference schema.VTable implementation.
type Schema struct {
	code    uint32
	fields  []FieldDecl
	sort    SortKind
	desc    bool // sort field is descending
	pkeyLen int  // fixed partition-key byte length
}

// New constructs a Schema with the given 32-bit code, field
// declarations (field i has FieldID i), sort-key shape, and
// fixed partition-key length.
func New(code uint32, fields []FieldDecl, sort SortKind, descending bool, pkeyLen int) *Schema {
	return &Schema{code: code, fields: append([]FieldDecl(nil), fields...), sort: sort, desc: descending, pkeyLen: pkeyLen}
}

func (s *Schema) Code() uint32 { return s.code }

func (s *Schema) NumSortFields() int {
	if s.sort == NoSort {
		return 0
	}
	return 1
}

func (s *Schema) StaticPrefixLen() int {
	switch s.sort {
	case Uint32Sort:
		return 4
	default:
		return 0
	}
}

func (s *Schema) SortFieldOrder(i int) schema.SortOrder {
	if s.desc {
		return schema.Descending
	}
	return schema.Ascending
}

func (s *Schema) invert(b []byte) []byte {
	if !s.desc {
		return b
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ^c
	}
	return out
}

// EncodeSortKey builds the on-the-wire sort key bytes for a
// value, bit-inverting them when the sort order is descending
// so a plain byte-wise compare yields the reversed order.
func (s *Schema) EncodeSortKey(v interface{}) ([]byte, error) {
	switch s.sort {
	case NoSort:
		return nil, nil
	case Uint32Sort:
		u, ok := v.(uint32)
		if !ok {
			return nil, fmt.Errorf("fixedschema: Uint32Sort key must be uint32, got %T", v)
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, u) // big-endian so byte-wise compare == numeric compare
		return s.invert(b), nil
	case StringSort:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("fixedschema: StringSort key must be string, got %T", v)
		}
		return s.invert([]byte(str)), nil
	default:
		return nil, fmt.Errorf("fixedschema: unknown sort kind %d", s.sort)
	}
}

func (s *Schema) CompareSortKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (s *Schema) PrefixExtract(sortKey []byte) []byte {
	n := s.StaticPrefixLen()
	if n == 0 || n > len(sortKey) {
		return sortKey
	}
	return sortKey[:n]
}

func (s *Schema) Construct() []byte {
	var out []byte
	for _, f := range s.fields {
		out = append(out, s.fieldDefault(f)...)
	}
	return out
}

func (s *Schema) fieldDefault(f FieldDecl) []byte {
	switch f.Kind {
	case Int64Field:
		if f.Default != nil {
			d := make([]byte, 8)
			copy(d, f.Default)
			return d
		}
		return make([]byte, 8)
	case StringField:
		return []byte{0, 0} // zero-length string
	default:
		return nil
	}
}

func (s *Schema) FieldDefault(fieldID schema.FieldID) []byte {
	if int(fieldID) >= len(s.fields) {
		return nil
	}
	return s.fieldDefault(s.fields[fieldID])
}

// FieldLen returns the number of encoded bytes fieldID
// occupies at the start of data.
func (s *Schema) FieldLen(fieldID schema.FieldID, data []byte) (int, error) {
	if int(fieldID) >= len(s.fields) {
		return 0, fmt.Errorf("fixedschema: unknown field %d", fieldID)
	}
	switch s.fields[fieldID].Kind {
	case Int64Field:
		if len(data) < 8 {
			return 0, fmt.Errorf("fixedschema: short Int64Field data (%d bytes)", len(data))
		}
		return 8, nil
	case StringField:
		if len(data) < 2 {
			return 0, fmt.Errorf("fixedschema: short StringField length prefix (%d bytes)", len(data))
		}
		n := int(binary.LittleEndian.Uint16(data[:2]))
		if len(data) < 2+n {
			return 0, fmt.Errorf("fixedschema: truncated StringField (want %d, have %d)", 2+n, len(data))
		}
		return 2 + n, nil
	default:
		return 0, fmt.Errorf("fixedschema: unknown field kind")
	}
}

func (s *Schema) encodeValue(fieldID schema.FieldID, payload []byte) ([]byte, error) {
	if int(fieldID) >= len(s.fields) {
		return nil, fmt.Errorf("fixedschema: unknown field %d", fieldID)
	}
	switch s.fields[fieldID].Kind {
	case Int64Field:
		if len(payload) != 8 {
			return nil, fmt.Errorf("fixedschema: Int64Field payload must be 8 bytes, got %d", len(payload))
		}
		return append([]byte(nil), payload...), nil
	case StringField:
		if len(payload) > 1<<16-1 {
			return nil, fmt.Errorf("fixedschema: StringField payload too long (%d bytes)", len(payload))
		}
		out := make([]byte, 2+len(payload))
		binary.LittleEndian.PutUint16(out[:2], uint16(len(payload)))
		copy(out[2:], payload)
		return out, nil
	default:
		return nil, fmt.Errorf("fixedschema: unknown field kind")
	}
}

// DecodeValue strips off a field's internal framing (the
// StringField length prefix) and returns the raw value bytes.
func (s *Schema) DecodeValue(fieldID schema.FieldID, encoded []byte) ([]byte, error) {
	if int(fieldID) >= len(s.fields) {
		return nil, fmt.Errorf("fixedschema: unknown field %d", fieldID)
	}
	switch s.fields[fieldID].Kind {
	case Int64Field:
		return encoded, nil
	case StringField:
		if len(encoded) < 2 {
			return nil, fmt.Errorf("fixedschema: short StringField")
		}
		return encoded[2:], nil
	default:
		return nil, fmt.Errorf("fixedschema: unknown field kind")
	}
}

func (s *Schema) FieldRange(kind schema.VType, data []byte, fieldID schema.FieldID) (start, end int, ok bool, err error) {
	switch kind {
	case schema.SchemaInstance:
		pos := 0
		for i := 0; i < len(s.fields); i++ {
			flen, err := s.FieldLen(schema.FieldID(i), data[pos:])
			if err != nil {
				return 0, 0, false, err
			}
			if schema.FieldID(i) == fieldID {
				return pos, pos + flen, true, nil
			}
			pos += flen
		}
		return 0, 0, false, fmt.Errorf("fixedschema: field %d not declared", fieldID)
	case schema.FieldSequence:
		pos := 0
		for pos < len(data) {
			id := data[pos]
			flen, err := s.FieldLen(id, data[pos+1:])
			if err != nil {
				return 0, 0, false, err
			}
			if id == fieldID {
				return pos + 1, pos + 1 + flen, true, nil
			}
			pos += 1 + flen
		}
		return 0, 0, false, nil
	default:
		return 0, 0, false, fmt.Errorf("fixedschema: cannot range over Tombstone")
	}
}

func (s *Schema) ApplyFieldWrite(kind schema.VType, instance []byte, fieldID schema.FieldID, payload []byte) ([]byte, error) {
	encoded, err := s.encodeValue(fieldID, payload)
	if err != nil {
		return nil, err
	}
	switch kind {
	case schema.SchemaInstance:
		start, end, _, err := s.FieldRange(kind, instance, fieldID)
		if err != nil {
			return nil, err
		}
		return splice(instance, start, end, encoded), nil
	case schema.FieldSequence:
		start, end, ok, err := s.FieldRange(kind, instance, fieldID)
		if err != nil {
			return nil, err
		}
		if ok {
			return splice(instance, start, end, encoded), nil
		}
		entry := append([]byte{fieldID}, encoded...)
		return append(append([]byte(nil), instance...), entry...), nil
	default:
		return nil, fmt.Errorf("fixedschema: cannot write field into Tombstone")
	}
}

func splice(data []byte, start, end int, replacement []byte) []byte {
	out := make([]byte, 0, len(data)-(end-start)+len(replacement))
	out = append(out, data[:start]...)
	out = append(out, replacement...)
	out = append(out, data[end:]...)
	return out
}

// write-procedure opcodes supported by this reference schema.
const (
	OpIncrementInt64 uint8 = iota // add payload (8-byte LE int64 delta) to an Int64Field
	OpAppendString                // append payload to a StringField
)

func (s *Schema) WProcKind(opcode uint8) (schema.WProcKind, error) {
	switch opcode {
	case OpIncrementInt64:
		return schema.Static, nil
	case OpAppendString:
		return schema.Dynamic, nil
	default:
		return 0, fmt.Errorf("fixedschema: unknown wproc opcode %d", opcode)
	}
}

func (s *Schema) WProcStorage(opcode uint8, fieldID schema.FieldID, current []byte, payload []byte) (int, error) {
	switch opcode {
	case OpAppendString:
		return len(current) + len(payload), nil
	default:
		return 0, fmt.Errorf("fixedschema: opcode %d has no dynamic storage", opcode)
	}
}

func (s *Schema) ApplyWriteProcedure(kind schema.VType, instance []byte, fieldID schema.FieldID, opcode uint8, payload []byte) ([]byte, error) {
	start, end, ok, err := s.FieldRange(kind, instance, fieldID)
	if err != nil {
		return nil, err
	}
	if !ok {
		start, end = len(instance), len(instance)
	}
	switch opcode {
	case OpIncrementInt64:
		if int(fieldID) >= len(s.fields) || s.fields[fieldID].Kind != Int64Field {
			return nil, fmt.Errorf("fixedschema: OpIncrementInt64 on non-Int64Field %d", fieldID)
		}
		var cur, delta int64
		if end > start {
			cur = int64(binary.LittleEndian.Uint64(instance[start:end]))
		}
		if len(payload) != 8 {
			return nil, fmt.Errorf("fixedschema: OpIncrementInt64 payload must be 8 bytes")
		}
		delta = int64(binary.LittleEndian.Uint64(payload))
		next := make([]byte, 8)
		binary.LittleEndian.PutUint64(next, uint64(cur+delta))
		if kind == schema.FieldSequence && !ok {
			entry := append([]byte{fieldID}, next...)
			return append(append([]byte(nil), instance...), entry...), nil
		}
		return splice(instance, start, end, next), nil
	case OpAppendString:
		if int(fieldID) >= len(s.fields) || s.fields[fieldID].Kind != StringField {
			return nil, fmt.Errorf("fixedschema: OpAppendString on non-StringField %d", fieldID)
		}
		var cur []byte
		if end > start {
			cur, err = s.DecodeValue(fieldID, instance[start:end])
			if err != nil {
				return nil, err
			}
		}
		next := append(append([]byte(nil), cur...), payload...)
		encoded, err := s.encodeValue(fieldID, next)
		if err != nil {
			return nil, err
		}
		if kind == schema.FieldSequence && !ok {
			entry := append([]byte{fieldID}, encoded...)
			return append(append([]byte(nil), instance...), entry...), nil
		}
		return splice(instance, start, end, encoded), nil
	default:
		return nil, fmt.Errorf("fixedschema: unknown wproc opcode %d", opcode)
	}
}

func (s *Schema) PartitionKeyLen() int { return s.pkeyLen }

var _ schema.VTable = (*Schema)(nil)
