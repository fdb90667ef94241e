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
	"fmt"
	"os"

	"github.com/coldmount/store/compr"
	"github.com/coldmount/store/mapper"
	"github.com/coldmount/store/schema"
)

// indexEntry is one (partition_hash, absolute data.dat offset)
// pair; writeIndexerFile samples these at PartitionSparse's
// stride to build indexer.idx.
type indexEntry struct {
	Hash   uint64
	Offset uint64
}

// WriteSegment serializes parts (already partition-hash ascending,
// matching slotstore.Store.SortedHashes) into
// dir/{data.dat,indexer.idx,filter.blx}, guarded by a lock file
// present for the duration of the write. dir must not already
// exist.
func WriteSegment(dir string, parts []Partition, cfg Config, v schema.VTable) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("segment: creating %s: %w", dir, err)
	}
	lock, err := os.OpenFile(lockPath(dir), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("segment: creating lock: %w", err)
	}
	lock.Close()

	intraOffsets, err := writeFilterFile(dir, parts, cfg, v.NumSortFields() > 0)
	if err != nil {
		return err
	}

	entries, err := writeDataFile(dir, parts, cfg, v, intraOffsets)
	if err != nil {
		return err
	}
	var maxHash uint64
	if len(parts) > 0 {
		maxHash = parts[len(parts)-1].Hash
	}
	if err := writeIndexerFile(dir, entries, maxHash, cfg); err != nil {
		return err
	}

	var sizes [3]int64
	for i, p := range []string{dataPath(dir), indexerPath(dir), filterPath(dir)} {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("segment: stat %s: %w", p, err)
		}
		sizes[i] = info.Size()
	}
	if err := writeManifest(dir, Manifest{
		Partitions:  len(parts),
		DataBytes:   sizes[0],
		IndexBytes:  sizes[1],
		FilterBytes: sizes[2],
	}); err != nil {
		return err
	}

	if err := os.Remove(lockPath(dir)); err != nil {
		return fmt.Errorf("segment: removing lock: %w", err)
	}
	return nil
}

// estimateSize returns a generous upper bound for the segment's
// data.dat size, used only to size the vmap staging region up
// front; actual pages are committed lazily by the kernel as
// VMapWrite touches them. See mapper.VMap.
func estimateSize(parts []Partition) int64 {
	var n int64 = dataHeaderSize
	for _, p := range parts {
		n += int64(len(p.PKey)) + 32
		for _, r := range p.Records {
			n += int64(len(r.SortKey)+len(r.Data)) + 32
		}
	}
	// headroom for block/partition framing overhead plus a floor
	// so tiny segments still get a usable staging region.
	n = n*2 + 1<<20
	if n < 1<<24 {
		n = 1 << 24
	}
	return n
}

func writeDataFile(dir string, parts []Partition, cfg Config, v schema.VTable, intraOffsets map[int]int64) ([]indexEntry, error) {
	m, err := mapper.Open(dataPath(dir), 0, mapper.Read|mapper.Write)
	if err != nil {
		return nil, fmt.Errorf("segment: opening data.dat: %w", err)
	}
	defer m.Close()

	if err := m.VMap(estimateSize(parts)); err != nil {
		return nil, err
	}
	defer m.VMapUnmap()

	compName := cfg.Compressor
	comp := compr.Compression(compName)
	if comp == nil {
		compName = compr.Default
		comp = compr.Compression(compName)
	}

	hdr := dataHeader{
		Version:         dataHeaderVersion,
		BlockSparseIdx:  ratioMicros(cfg.BlockSparseIndexRatio),
		PartitionSparse: ratioMicros(cfg.PartitionSparseIndexRatio),
		BlockSize:       uint64(blockSizeOrDefault(cfg.BlockSize)),
		CompressorCode:  compressorCode(compName),
	}
	if _, err := m.VMapWrite(hdr.encode()); err != nil {
		return nil, err
	}
	blockSize := blockSizeOrDefault(cfg.BlockSize)

	w := &dataWriter{m: m, comp: comp, cfg: cfg, blockSize: blockSize}

	wide := v.NumSortFields() > 0
	var entries []indexEntry
	var pendingUnary []unaryRecord

	flushUnary := func() error {
		if len(pendingUnary) == 0 {
			return nil
		}
		off, firstHash, err := w.writeUnaryBlock(pendingUnary)
		if err != nil {
			return err
		}
		entries = append(entries, indexEntry{Hash: firstHash, Offset: uint64(off)})
		pendingUnary = pendingUnary[:0]
		return nil
	}

	for i, p := range parts {
		if !wide {
			if len(p.Records) != 1 {
				return nil, fmt.Errorf("segment: unary partition %d has %d records (want 1)", p.Hash, len(p.Records))
			}
			rec := unaryRecord{hash: p.Hash, vtype: p.Records[0].VType, data: p.Records[0].Data}
			pendingUnary = append(pendingUnary, rec)
			if w.pendingUnarySize(pendingUnary) >= blockSize {
				if err := flushUnary(); err != nil {
					return nil, err
				}
			}
			continue
		}
		off, err := w.writeWidePartition(p, v, intraOffsets[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{Hash: p.Hash, Offset: uint64(off)})
	}
	if err := flushUnary(); err != nil {
		return nil, err
	}

	if err := m.VMapFlush(); err != nil {
		return nil, err
	}
	return entries, nil
}

type unaryRecord struct {
	hash  uint64
	vtype schema.VType
	data  []byte
}

type dataWriter struct {
	m         *mapper.Mapper
	comp      compr.Compressor
	cfg       Config
	blockSize int64
}

func (w *dataWriter) pendingUnarySize(recs []unaryRecord) int64 {
	var n int64
	for _, r := range recs {
		n += 8 + 1 + int64(len(r.data))
	}
	return n
}

// writeUnaryBlock emits one unary block-with-index holding
// every record in recs (already
// in ascending partition-hash order, since parts arrives sorted).
// It returns the block's absolute start offset and the hash of
// its first record (the indexer entry the caller records for this
// block).
func (w *dataWriter) writeUnaryBlock(recs []unaryRecord) (blockOff int64, firstHash uint64, err error) {
	var raw []byte
	type idxPair struct {
		hash uint64
		off  uint32
	}
	idx := make([]idxPair, 0, len(recs))
	for _, r := range recs {
		start := uint32(len(raw))
		writeU64(&raw, r.hash)
		raw = append(raw, byte(r.vtype))
		raw = append(raw, r.data...)
		idx = append(idx, idxPair{hash: r.hash, off: start})
	}
	checksum := blockChecksum(raw)
	compressed := w.comp.Compress(raw, nil)
	storeRaw := compr.ShouldStoreRaw(len(compressed), len(raw), w.cfg.CompressionRatio)
	var body []byte
	if storeRaw {
		body = raw
	} else {
		body = compressed
	}

	var hdr []byte
	writeU64(&hdr, checksum)
	writeU32(&hdr, uint32(len(idx)))
	for _, p := range idx {
		writeU64(&hdr, p.hash)
		writeU64(&hdr, uint64(p.off))
	}
	writeU32(&hdr, uint32(len(raw)))
	if storeRaw {
		writeU32(&hdr, uint32(len(raw)))
	} else {
		writeU32(&hdr, uint32(len(compressed)))
	}

	off, err := w.m.VMapWrite(hdr)
	if err != nil {
		return 0, 0, err
	}
	if _, err := w.m.VMapWrite(body); err != nil {
		return 0, 0, err
	}
	return off, recs[0].hash, nil
}

// writeWidePartition emits one wide-partition chunk:
// partition_size, footer_offset, partition_hash, pkey, one or more
// blocks, partition footer.
// It returns the absolute offset of the partition_size
// field (the indexer entry for this partition).
func (w *dataWriter) writeWidePartition(p Partition, v schema.VTable, sortBloomOffset int64) (int64, error) {
	static := v.StaticPrefixLen() > 0

	// partition_size(u64) + footer_offset(u64) + partition_hash(u64)
	// placeholder. footer_offset (relative to the partition start)
	// both bounds the block stream and lets a reader jump straight
	// to the footer's sparse block index and intra bloom without
	// walking any block; partition_hash lets a reader walking
	// data.dat directly (between two sampled indexer.idx entries)
	// identify a chunk it has not yet Bloom-tested short of
	// recomputing PartitionHash(pkey) itself (see DESIGN.md).
	// partition_size and footer_offset are patched in below once
	// known; partition_hash is known up front.
	startOff, err := w.m.VMapWrite(make([]byte, widePartitionPrefixSize))
	if err != nil {
		return 0, err
	}
	var hashBytes []byte
	writeU64(&hashBytes, p.Hash)
	copy(w.m.VMapBytes()[startOff+16:startOff+24], hashBytes)
	if _, err := w.m.VMapWrite(p.PKey); err != nil {
		return 0, err
	}

	// footerEntry.key carries the block's minimum sort key: the
	// schema's static prefix bytes in the static case, or the full
	// key length-prefixed (u16 len + bytes) in the dynamic case,
	// since a keyspace-relative offset would have no meaning read
	// back outside its own block (see DESIGN.md).
	type footerEntry struct {
		key []byte
		off uint64
	}
	var footer []footerEntry
	blockStep := sparseStep(w.cfg.PartitionSparseIndexRatio)

	var pending []Record
	pendingSize := func(recs []Record) int64 {
		var n int64
		for _, r := range recs {
			if static {
				n += int64(len(r.SortKey)) + 1 + int64(len(r.Data))
			} else {
				n += 2 + int64(len(r.SortKey)) + 1 + int64(len(r.Data))
			}
		}
		return n
	}
	blockIdx := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		var off int64
		var err error
		if static {
			off, err = w.writeStaticBlock(pending, v)
		} else {
			off, err = w.writeDynamicBlock(pending)
		}
		if err != nil {
			return err
		}
		if blockIdx%blockStep == 0 {
			minKey := pending[0].SortKey
			if static {
				minKey = v.PrefixExtract(minKey)
			}
			footer = append(footer, footerEntry{key: minKey, off: uint64(off)})
		}
		blockIdx++
		pending = pending[:0]
		return nil
	}

	for _, r := range p.Records {
		pending = append(pending, r)
		if pendingSize(pending) >= w.blockSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}

	// partition footer
	var footerBytes []byte
	writeU32(&footerBytes, uint32(len(footer)))
	writeU64(&footerBytes, uint64(sortBloomOffset))
	for _, fe := range footer {
		if static {
			footerBytes = append(footerBytes, fe.key...)
		} else {
			writeU16(&footerBytes, uint16(len(fe.key)))
			footerBytes = append(footerBytes, fe.key...)
		}
		writeU64(&footerBytes, fe.off)
	}
	footerOff, err := w.m.VMapWrite(footerBytes)
	if err != nil {
		return 0, err
	}

	endOff := w.m.VMapBytes()
	partitionSize := uint64(len(endOff)) - uint64(startOff)
	var prefix []byte
	writeU64(&prefix, partitionSize)
	writeU64(&prefix, uint64(footerOff-startOff))
	copy(w.m.VMapBytes()[startOff:startOff+16], prefix)
	return startOff, nil
}

// widePartitionPrefixSize is partition_size(u64) +
// footer_offset(u64) + partition_hash(u64): the fixed header
// preceding a wide partition's pkey bytes.
const widePartitionPrefixSize = 24

func (w *dataWriter) writeStaticBlock(recs []Record, v schema.VTable) (int64, error) {
	var raw []byte
	type idxPair struct {
		key []byte
		off uint32
	}
	idx := make([]idxPair, 0, len(recs))
	for _, r := range recs {
		start := uint32(len(raw))
		raw = append(raw, r.SortKey...)
		raw = append(raw, byte(r.VType))
		raw = append(raw, r.Data...)
		idx = append(idx, idxPair{key: v.PrefixExtract(r.SortKey), off: start})
	}
	return w.emitBlock(raw, func(checksum uint64, decompLen, compLen int, body []byte) []byte {
		var hdr []byte
		writeU64(&hdr, checksum)
		writeU32(&hdr, uint32(len(idx)))
		for _, p := range idx {
			hdr = append(hdr, p.key...)
			writeU32(&hdr, p.off)
		}
		writeU32(&hdr, uint32(decompLen))
		writeU32(&hdr, uint32(compLen))
		return append(hdr, body...)
	})
}

// writeDynamicBlock emits a wide-partition block for a
// dynamic-length sort key schema: sort keys live in their own
// keyspace region within the block header, referenced by
// (keyspace_off, block_off) pairs.
func (w *dataWriter) writeDynamicBlock(recs []Record) (int64, error) {
	var raw []byte
	type idxPair struct {
		keyOff uint32
		off    uint32
	}
	var keyspace []byte
	var lastKeyRel uint32
	idx := make([]idxPair, 0, len(recs))
	for _, r := range recs {
		keyOff := uint32(len(keyspace))
		lastKeyRel = keyOff
		var lenPrefix []byte
		writeU16(&lenPrefix, uint16(len(r.SortKey)))
		keyspace = append(keyspace, lenPrefix...)
		keyspace = append(keyspace, r.SortKey...)

		off := uint32(len(raw))
		var skLen []byte
		writeU16(&skLen, uint16(len(r.SortKey)))
		raw = append(raw, skLen...)
		raw = append(raw, r.SortKey...)
		raw = append(raw, byte(r.VType))
		raw = append(raw, r.Data...)
		idx = append(idx, idxPair{keyOff: keyOff, off: off})
	}
	return w.emitBlock(raw, func(checksum uint64, decompLen, compLen int, body []byte) []byte {
		var hdr []byte
		writeU64(&hdr, checksum)
		writeU32(&hdr, uint32(len(keyspace)))
		writeU32(&hdr, lastKeyRel)
		hdr = append(hdr, keyspace...)
		for _, p := range idx {
			writeU32(&hdr, p.keyOff)
			writeU32(&hdr, p.off)
		}
		writeU32(&hdr, uint32(decompLen))
		writeU32(&hdr, uint32(compLen))
		return append(hdr, body...)
	})
}

// emitBlock compresses raw, applies the adaptive-compression
// rule, builds the full block bytes via build, and writes them to
// the vmap staging region, returning the block's absolute offset.
func (w *dataWriter) emitBlock(raw []byte, build func(checksum uint64, decompLen, compLen int, body []byte) []byte) (int64, error) {
	checksum := blockChecksum(raw)
	compressed := w.comp.Compress(raw, nil)
	storeRaw := compr.ShouldStoreRaw(len(compressed), len(raw), w.cfg.CompressionRatio)
	body := compressed
	compLen := len(compressed)
	if storeRaw {
		body = raw
		compLen = len(raw)
	}
	full := build(checksum, len(raw), compLen, body)
	return w.m.VMapWrite(full)
}

func writeIndexerFile(dir string, entries []indexEntry, maxHash uint64, cfg Config) error {
	step := sparseStep(cfg.PartitionSparseIndexRatio)
	var sampled []indexEntry
	for i, e := range entries {
		if i%step == 0 {
			sampled = append(sampled, e)
		}
	}
	var body []byte
	writeU64(&body, maxHash)
	writeU32(&body, uint32(len(sampled)))
	for _, e := range sampled {
		writeU64(&body, e.Hash)
		writeU64(&body, e.Offset)
	}
	if err := os.WriteFile(indexerPath(dir), body, 0o644); err != nil {
		return fmt.Errorf("segment: writing indexer.idx: %w", err)
	}
	return nil
}
