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

// Package xhash provides the 64-bit hashing primitives used
// throughout the engine: partition-key content hashing,
// routing, and the independent hash pair that drives Bloom
// filter probe positions.
//
// Two independent hash families are used so that the two
// probe hashes (h1, h2) a Bloom filter needs are not simply
// two differently-seeded calls into the same algorithm:
// siphash (keyed, avalanches well on short keys) supplies h1
// and the partition-hash routing function; xxhash (unkeyed,
// very fast) supplies h2 and is also the literal sort-key
// hash the intra-partition Bloom filter uses, per the
// engine's binding of that historically ambiguous contract.
package xhash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
)

// fixed, process-wide siphash key. The key need not be
// secret: it only needs to be stable for the lifetime of a
// store directory so that partition hashes computed at
// write time and at read time agree.
var sipKey0, sipKey1 = uint64(0x736e656c6c65726d), uint64(0x6f756e7473746f72)

// PartitionHash computes the 64-bit content hash (H) of a
// partition key's bytes. It is
// used both to route requests across Mount workers and as
// the key shape stored in a segment's sparse indexer.
func PartitionHash(pkey []byte) uint64 {
	return siphash.Hash(sipKey0, sipKey1, pkey)
}

// SortKeyHash computes the hash of a sort-key's bytes used
// by the intra-partition (PK_SK) Bloom filter. The engine
// binds this to xxhash of the raw sort-key bytes.
func SortKeyHash(sortKey []byte) uint64 {
	return xxhash.Sum64(sortKey)
}

// Pair returns the two independent 64-bit hashes (h1, h2)
// that a Bloom filter over key derives its k probe positions
// from, using Kirsch-Mitzenmacher double hashing:
// probe_i = (h1 + i*h2) mod m.
func Pair(key []byte) (h1, h2 uint64) {
	return siphash.Hash(sipKey0, sipKey1, key), xxhash.Sum64(key)
}

// PairFromUint64 is Pair for a key that is already a 64-bit
// hash (e.g. a partition hash H being re-hashed into a Bloom
// filter's probe positions).
func PairFromUint64(x uint64) (h1, h2 uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return Pair(b[:])
}
