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

// Package segment implements the three-file on-disk segment
// format: data.dat (block-compressed partition data), indexer.idx (a sparse, partition-level index), and
// filter.blx (Bloom filters). A segment directory additionally
// carries a transient lock file while it is being written and a
// manifest.json sidecar recording summary stats once durable.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/coldmount/store/schema"
)

const dataHeaderVersion = 1

// Config carries the cache.* tunables that affect the segment
// codec.
type Config struct {
	BlockSize                 int64   // cache.block_size
	BlockSparseIndexRatio     float64 // cache.block_sparse_index_ratio
	PartitionSparseIndexRatio float64 // cache.partition_sparse_index_ratio
	CompressionRatio          float64 // cache.compression_ratio
	PartitionBloomFPRate      float64 // cache.partition_bloom_fp_rate
	IntraPartitionBloomFPRate float64 // cache.intra_partition_bloom_fp_rate
	Compressor                string  // compr algorithm name, e.g. compr.Default
}

// Record is one (sort key, value) pair within a partition, in the
// shape the writer consumes and the reader reconstructs.
type Record struct {
	SortKey []byte // nil for unary partitions
	VType   schema.VType
	Data    []byte // payload bytes; nil for Tombstone
}

// Partition is one partition's full record set, already sorted
// ascending by sort key (or a single record for unary partitions).
// The flush pipeline builds one of these per slotstore partition
// entry.
type Partition struct {
	Hash    uint64
	PKey    []byte
	Records []Record
}

// blockChecksum hashes the concatenation of {key,value} bytes fed
// to the compressor in writing order. It reuses
// xxhash directly (already a module dependency via xhash) rather
// than adding a new hash primitive for a checksum with no Bloom
// probe-pair requirement.
func blockChecksum(parts ...[]byte) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		d.Write(p)
	}
	return d.Sum64()
}

func writeU32(w *[]byte, v uint32) { *w = binary.LittleEndian.AppendUint32(*w, v) }
func writeU64(w *[]byte, v uint64) { *w = binary.LittleEndian.AppendUint64(*w, v) }
func writeU16(w *[]byte, v uint16) { *w = binary.LittleEndian.AppendUint16(*w, v) }

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func readU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// lockPath, dataPath, indexerPath, filterPath name the fixed files
// within a segment directory.
func lockPath(dir string) string    { return filepath.Join(dir, "lock") }
func dataPath(dir string) string    { return filepath.Join(dir, "data.dat") }
func indexerPath(dir string) string { return filepath.Join(dir, "indexer.idx") }
func filterPath(dir string) string  { return filepath.Join(dir, "filter.blx") }

// Incomplete reports whether dir still carries a lock file,
// meaning the segment was never completed: recovery deletes any
// such directory outright.
func Incomplete(dir string) bool {
	_, err := os.Stat(lockPath(dir))
	return err == nil
}

// Remove deletes an incomplete segment directory outright.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}

var errShortRead = fmt.Errorf("segment: short read")

// ratioMicros/microsRatio convert a 0..1 ratio to/from a u64
// fixed-point representation (parts per million) for the data.dat
// header's ratio fields; micros give headroom beyond Bloom's
// basis-points precision (see DESIGN.md).
func ratioMicros(r float64) uint64 {
	if r <= 0 {
		return 0
	}
	if r > 1 {
		r = 1
	}
	return uint64(r * 1_000_000)
}

func microsRatio(u uint64) float64 {
	if u == 0 {
		return 0
	}
	return float64(u) / 1_000_000
}

// sparseStep returns the stride (in elements) a sparse index
// should record at, given a 0..1 sampling ratio: ratio<=0 or >=1
// means "record every element" (step 1); otherwise step is
// round(1/ratio), clamped to at least 1.
func sparseStep(ratio float64) int {
	if ratio <= 0 || ratio >= 1 {
		return 1
	}
	step := int(1/ratio + 0.5)
	if step < 1 {
		step = 1
	}
	return step
}

// dataHeader is data.dat's fixed-size leading header.
// CompressorCode records which algorithm the segment was written
// with, so a reader can pick the matching compr.Decompressor
// without depending on out-of-band knowledge of the writer's
// Config.Compressor (see DESIGN.md).
type dataHeader struct {
	Version         uint64
	BlockSparseIdx  uint64 // micros
	PartitionSparse uint64 // micros
	BlockSize       uint64
	CompressorCode  uint64
}

const dataHeaderSize = 40

// compressorCode/compressorName map the small, fixed set of
// algorithm names Config.Compressor may name to/from a stable u64
// code for the data.dat header.
func compressorCode(name string) uint64 {
	switch name {
	case "zstd":
		return 1
	case "zstd-better":
		return 2
	default:
		return 0 // s2
	}
}

func compressorName(code uint64) string {
	switch code {
	case 1:
		return "zstd"
	case 2:
		return "zstd-better"
	default:
		return "s2"
	}
}

func (h dataHeader) encode() []byte {
	out := make([]byte, 0, dataHeaderSize)
	writeU64(&out, h.Version)
	writeU64(&out, h.BlockSparseIdx)
	writeU64(&out, h.PartitionSparse)
	writeU64(&out, h.BlockSize)
	writeU64(&out, h.CompressorCode)
	return out
}

func decodeDataHeader(b []byte) (dataHeader, error) {
	if len(b) < dataHeaderSize {
		return dataHeader{}, errShortRead
	}
	return dataHeader{
		Version:         readU64(b[0:8]),
		BlockSparseIdx:  readU64(b[8:16]),
		PartitionSparse: readU64(b[16:24]),
		BlockSize:       readU64(b[24:32]),
		CompressorCode:  readU64(b[32:40]),
	}, nil
}

// defaultBlockSize is used when Config.BlockSize is unset (<=0).
const defaultBlockSize = 4 << 20

func blockSizeOrDefault(n int64) int64 {
	if n <= 0 {
		return defaultBlockSize
	}
	return n
}
