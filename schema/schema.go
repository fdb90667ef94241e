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

// Package schema declares the reflection contract that the
// rest of the engine treats as an opaque per-schema vtable:
// the core never reasons about field layout itself.
// Everything in this package is a narrow interface; concrete
// schemas are supplied by the embedder (see package
// schema/fixedschema for a reference implementation used by
// this repository's own tests).
package schema

import "fmt"

// SortOrder is the direction a sort field's bytes should be
// compared in. Descending order is implemented by the schema
// inverting the stored bytes at encode time, so the engine
// only ever needs a plain byte-wise comparator once
// PrefixExtract/CompareSortKeys have done that inversion.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// VType is the slot value type.
type VType uint8

const (
	FieldSequence VType = iota
	SchemaInstance
	Tombstone
)

func (v VType) String() string {
	switch v {
	case FieldSequence:
		return "FieldSequence"
	case SchemaInstance:
		return "SchemaInstance"
	case Tombstone:
		return "Tombstone"
	default:
		return fmt.Sprintf("VType(%d)", uint8(v))
	}
}

// WProcKind describes how a write-procedure's result storage
// behaves: a Static procedure never changes a field's storage
// footprint; a Dynamic procedure may require more storage
// than the slot currently has, and the cache must resize
// before committing.
type WProcKind uint8

const (
	Static WProcKind = iota
	Dynamic
)

// FieldID identifies a field within a schema. It is a single
// byte on the wire (the Write/WProc/Read query operators all
// carry a u8 field_idx), so schemas are limited to 256
// fields.
type FieldID = uint8

// VTable is the reflection contract a schema must implement.
// MemoryCache and the segment codec hold one VTable per
// schema and never reason about field layout themselves.
type VTable interface {
	// Code is the schema's 32-bit identifier; its base-62
	// encoding is the schemaID directory component.
	Code() uint32

	// NumSortFields returns the number of sort fields. 0
	// means the schema has no sort keys (the "Unary
	// partition" case).
	NumSortFields() int

	// StaticPrefixLen returns the fixed byte length of the
	// sort key if every sort field has a static size, or 0
	// if the sort key is dynamic-length.
	StaticPrefixLen() int

	// SortFieldOrder returns the comparison direction for
	// sort field i.
	SortFieldOrder(i int) SortOrder

	// CompareSortKeys compares two already-encoded sort keys
	// byte-wise, honoring per-field direction (descending
	// fields are expected to already be bit-inverted in
	// their encoded form, so this is a plain lexicographic
	// compare in the common case; schemas with mixed
	// ascending/descending fields over a dynamic prefix may
	// need a smarter comparator and can override the default
	// behavior entirely).
	CompareSortKeys(a, b []byte) int

	// PrefixExtract returns the static_prefix-length leading
	// bytes of a full sort key, used to compare against the
	// block-header prefix index in the static sort-key case.
	// It is unused (and may return sortKey unchanged) for
	// dynamic sort keys.
	PrefixExtract(sortKey []byte) []byte

	// Construct returns a new, default-initialized
	// SchemaInstance-encoded record (used by reset()).
	Construct() []byte

	// FieldLen returns the number of bytes the encoding of
	// fieldID occupies at the start of data (data may be
	// longer; only the prefix matters). It is used both to
	// size a fresh field write and to skip over fields while
	// scanning a FieldSequence.
	FieldLen(fieldID FieldID, data []byte) (int, error)

	// FieldDefault returns the default encoded bytes for a
	// field; an implementation may build Construct's initial
	// contents from it. The cache's read path does not call
	// it: a field a FieldSequence slot never had written is
	// not delivered to the reader.
	FieldDefault(fieldID FieldID) []byte

	// FieldRange locates the byte range of fieldID's encoded
	// value within data, which is encoded as kind
	// (FieldSequence or SchemaInstance). For a FieldSequence
	// the range excludes the field-id tag byte, so the result
	// is the same shape either way. ok is false if fieldID is
	// absent (only possible for FieldSequence; a
	// SchemaInstance always has every declared field).
	FieldRange(kind VType, data []byte, fieldID FieldID) (start, end int, ok bool, err error)

	// ApplyFieldWrite returns instance (or a newly-sized copy
	// of it if the field's new encoding does not fit in
	// place) with fieldID's bytes replaced by payload. It is
	// used for both SchemaInstance field writes and
	// FieldSequence field writes/appends.
	ApplyFieldWrite(kind VType, instance []byte, fieldID FieldID, payload []byte) ([]byte, error)

	// WProcKind reports whether opcode's write-procedure is
	// Static or Dynamic.
	WProcKind(opcode uint8) (WProcKind, error)

	// WProcStorage returns the storage size opcode's
	// write-procedure requires given the current field value
	// current and the incoming payload; only meaningful (and
	// only called) for Dynamic procedures.
	WProcStorage(opcode uint8, fieldID FieldID, current []byte, payload []byte) (int, error)

	// ApplyWriteProcedure runs opcode's write-procedure over
	// kind's encoding of instance, returning the (possibly
	// resized) buffer with the procedure committed.
	ApplyWriteProcedure(kind VType, instance []byte, fieldID FieldID, opcode uint8, payload []byte) ([]byte, error)

	// PartitionKeyLen returns the fixed byte length of this
	// schema's partition keys, used to know how many bytes of a
	// CreatePartition WAL record's pkey field to read back on
	// replay.
	PartitionKeyLen() int
}

// Registry is the process-wide, read-mostly schema
// reflection registry: schemas are registered once
// (typically at process start or on first use) and never
// unregistered before worker shutdown.
type Registry struct {
	byCode map[uint32]VTable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byCode: make(map[uint32]VTable)}
}

// Register adds v to the registry, keyed by v.Code(). It is
// idempotent: registering the same code twice with an
// identical VTable value is a no-op; registering a different
// VTable under an already-used code is an error.
func (r *Registry) Register(v VTable) error {
	if existing, ok := r.byCode[v.Code()]; ok {
		if existing != v {
			return fmt.Errorf("schema: code %d already registered with a different VTable", v.Code())
		}
		return nil
	}
	r.byCode[v.Code()] = v
	return nil
}

// Lookup returns the VTable registered for code, or (nil,
// false) if none is registered.
func (r *Registry) Lookup(code uint32) (VTable, bool) {
	v, ok := r.byCode[code]
	return v, ok
}

// Codes returns every registered schema code, in no
// particular order.
func (r *Registry) Codes() []uint32 {
	out := make([]uint32, 0, len(r.byCode))
	for c := range r.byCode {
		out = append(out, c)
	}
	return out
}

// base62 alphabet used to render a schema code as the
// schemaID directory component.
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// SchemaID renders code as its base-62 directory-name
// encoding.
func SchemaID(code uint32) string {
	if code == 0 {
		return string(base62Alphabet[0])
	}
	var buf [16]byte
	i := len(buf)
	for code > 0 {
		i--
		buf[i] = base62Alphabet[code%62]
		code /= 62
	}
	return string(buf[i:])
}
