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

// Package bloom implements the Bloom filters used by
// package segment: a partition-level filter (PK) present in
// every segment, and an optional per-partition intra-partition
// filter (PK_SK) for schemas with sort keys.
//
// Filters never produce false negatives: a key inserted before Bytes/Decode is always reported
// "may contain" by Test.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coldmount/store/xhash"
)

// Filter is a standard Bloom filter using Kirsch-Mitzenmacher
// double hashing over the independent hash pair supplied by
// package xhash.
type Filter struct {
	bits    []byte
	m       uint64 // bit count
	k       uint64 // hash count
	n       uint32 // key count inserted
	fpBasis uint16 // fp_rate_basis_points: 10000 * target probability
}

// New builds an empty filter sized for n keys at the given
// target false-positive probability p (0 < p < 1):
//
//	m = ceil(-n*ln(p) / (ln 2)^2)
//	k = max(1, round(m*ln2/n))
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint64(math.Round(float64(m) * math.Ln2 / float64(n)))
	if k < 1 {
		k = 1
	}
	return &Filter{
		bits:    make([]byte, (m+7)/8),
		m:       m,
		k:       k,
		fpBasis: uint16(p * 10000),
	}
}

// AddHash inserts a key (already reduced to its two independent
// hashes by the caller) into the filter.
func (f *Filter) AddHash(h1, h2 uint64) {
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/8] |= 1 << (pos % 8)
	}
	f.n++
}

// Add inserts raw key bytes into the filter using
// xhash.Pair to derive the probe hashes.
func (f *Filter) Add(key []byte) {
	h1, h2 := xhash.Pair(key)
	f.AddHash(h1, h2)
}

// AddUint64 inserts an already-hashed 64-bit key (such as a
// partition hash) into the filter.
func (f *Filter) AddUint64(h uint64) {
	h1, h2 := xhash.PairFromUint64(h)
	f.AddHash(h1, h2)
}

// TestHash reports whether the filter may contain a key
// whose independent hash pair is (h1, h2). A false result is
// a proof of absence; a true result means "maybe present".
func (f *Filter) TestHash(h1, h2 uint64) bool {
	if f == nil || len(f.bits) == 0 {
		// an empty/absent filter has no information;
		// callers must treat this as "maybe" so they
		// fall through to the authoritative index.
		return true
	}
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Test reports whether the filter may contain key.
func (f *Filter) Test(key []byte) bool {
	h1, h2 := xhash.Pair(key)
	return f.TestHash(h1, h2)
}

// TestUint64 reports whether the filter may contain an
// already-hashed 64-bit key.
func (f *Filter) TestUint64(h uint64) bool {
	h1, h2 := xhash.PairFromUint64(h)
	return f.TestHash(h1, h2)
}

// Bits returns the number of bits allocated to the filter.
func (f *Filter) Bits() uint64 { return f.m }

// KeyCount returns the number of keys inserted so far.
func (f *Filter) KeyCount() uint32 { return f.n }

// Bytes encodes the filter in its on-disk shape:
//
//	[ fp_rate_basis_points : u16 ]
//	[ key_count            : u32 ]
//	[ bits: ceil(m/8) bytes ]
//
// The bit count m is not stored explicitly; Decode recomputes
// m and k from key_count and fp_rate_basis_points with New's
// formula.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 2+4+len(f.bits))
	binary.LittleEndian.PutUint16(out[0:2], f.fpBasis)
	binary.LittleEndian.PutUint32(out[2:6], f.n)
	copy(out[6:], f.bits)
	return out
}

// Decode reads a filter previously produced by Bytes from
// the front of buf, returning the filter and the number of
// bytes consumed.
func Decode(buf []byte) (*Filter, int, error) {
	if len(buf) < 6 {
		return nil, 0, fmt.Errorf("bloom.Decode: short buffer (%d bytes)", len(buf))
	}
	fpBasis := binary.LittleEndian.Uint16(buf[0:2])
	n := binary.LittleEndian.Uint32(buf[2:6])
	// the bit count isn't stored, but since New always rounds
	// up to complete bytes, the bitmap itself is self-describing
	// only when the caller tells us how many bytes follow; instead
	// we recompute m from n and fpBasis the same way New would,
	// which must match what was encoded since both sides use the
	// same formula and inputs.
	p := float64(fpBasis) / 10000
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	nn := int(n)
	if nn <= 0 {
		nn = 1
	}
	m := uint64(math.Ceil(-float64(nn) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint64(math.Round(float64(m) * math.Ln2 / float64(nn)))
	if k < 1 {
		k = 1
	}
	nbytes := int((m + 7) / 8)
	if len(buf) < 6+nbytes {
		return nil, 0, fmt.Errorf("bloom.Decode: buffer too short for %d bitmap bytes", nbytes)
	}
	bits := make([]byte, nbytes)
	copy(bits, buf[6:6+nbytes])
	f := &Filter{
		bits:    bits,
		m:       m,
		k:       k,
		n:       n,
		fpBasis: fpBasis,
	}
	return f, 6 + nbytes, nil
}
