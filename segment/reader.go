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
	"fmt"
	"os"
	"sort"

	"github.com/coldmount/store/compr"
	"github.com/coldmount/store/mapper"
	"github.com/coldmount/store/schema"
)

// Segment is an opened, read-only view of a flushed segment
// directory's three files. A Segment is safe for concurrent
// read-only use once opened.
type Segment struct {
	dir    string
	schema schema.VTable

	data      *mapper.Mapper
	dataBytes []byte
	hdr       dataHeader

	entries []indexEntry // sparse, ascending by Hash
	maxHash uint64

	filter *filterReader
	decomp compr.Decompressor
	wide   bool
}

// Open opens dir's data.dat, indexer.idx and filter.blx for
// schema v. Callers must have already checked Incomplete(dir) and
// skipped/removed the directory if it still carries a lock
// file.
func Open(dir string, v schema.VTable) (*Segment, error) {
	m, err := mapper.Open(dataPath(dir), 0, mapper.Read)
	if err != nil {
		return nil, fmt.Errorf("segment: opening data.dat: %w", err)
	}
	if err := m.Map(0); err != nil {
		m.Close()
		return nil, fmt.Errorf("segment: mapping data.dat: %w", err)
	}
	data := m.Bytes()
	hdr, err := decodeDataHeader(data)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("segment: decoding data.dat header: %w", err)
	}

	entries, maxHash, err := readIndexerFile(dir)
	if err != nil {
		m.Close()
		return nil, err
	}

	filter, err := openFilter(dir)
	if err != nil {
		m.Close()
		return nil, err
	}

	return &Segment{
		dir:       dir,
		schema:    v,
		data:      m,
		dataBytes: data,
		hdr:       hdr,
		entries:   entries,
		maxHash:   maxHash,
		filter:    filter,
		decomp:    compr.Decompression(compressorName(hdr.CompressorCode)),
		wide:      v.NumSortFields() > 0,
	}, nil
}

func (s *Segment) Close() error {
	return s.data.Close()
}

// Dir returns the segment's directory path.
func (s *Segment) Dir() string { return s.dir }

func readIndexerFile(dir string) ([]indexEntry, uint64, error) {
	data, err := os.ReadFile(indexerPath(dir))
	if err != nil {
		return nil, 0, fmt.Errorf("segment: reading indexer.idx: %w", err)
	}
	if len(data) < 12 {
		return nil, 0, errShortRead
	}
	maxHash := readU64(data[0:8])
	count := readU32(data[8:12])
	entries := make([]indexEntry, 0, count)
	off := 12
	for i := uint32(0); i < count; i++ {
		if off+16 > len(data) {
			return nil, 0, errShortRead
		}
		entries = append(entries, indexEntry{Hash: readU64(data[off : off+8]), Offset: readU64(data[off+8 : off+16])})
		off += 16
	}
	return entries, maxHash, nil
}

// floorOffset returns the data.dat offset to begin a linear walk
// from in order to find h: the offset of the last sparse indexer
// entry whose hash is <= h, or the offset right after the data.dat
// header if h is smaller than every recorded entry (or there are
// no entries at all).
func (s *Segment) floorOffset(h uint64) int64 {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Hash > h }) - 1
	if i < 0 {
		return dataHeaderSize
	}
	return int64(s.entries[i].Offset)
}

// TestPartition reports the partition-level Bloom's verdict for h.
func (s *Segment) TestPartition(h uint64) bool {
	return s.filter.TestPartition(h)
}

// Lookup finds the newest slot for (h, sortKey) in this segment.
// For unary schemas (s.wide == false) sortKey is ignored. found is
// false if no record for (h, sortKey) exists in this segment at
// all (the caller should fall through to the next, older
// segment); when found is true, vtype may be schema.Tombstone, in
// which case the caller must stop searching older segments
// entirely.
func (s *Segment) Lookup(h uint64, sortKey []byte) (vtype schema.VType, data []byte, found bool, err error) {
	if h > s.maxHash || !s.filter.TestPartition(h) {
		return 0, nil, false, nil
	}
	off := s.floorOffset(h)
	if s.wide {
		return s.lookupWide(off, h, sortKey)
	}
	return s.lookupUnary(off, h)
}

// unaryBlockIndex is one decoded (partition_hash, offset_in_block)
// pair from a unary block's header.
type unaryBlockIndex struct {
	hash uint64
	off  uint32
}

// parseUnaryBlock decodes the block-with-index header at off and
// returns its parsed index, the decompressed body bytes, and the
// absolute offset of the next block.
func (s *Segment) parseUnaryBlock(off int64) (idx []unaryBlockIndex, body []byte, next int64, err error) {
	data := s.dataBytes
	if off+12 > int64(len(data)) {
		return nil, nil, 0, errShortRead
	}
	p := off + 8 // skip checksum
	count := readU32(data[p : p+4])
	p += 4
	idx = make([]unaryBlockIndex, count)
	for i := range idx {
		if p+16 > int64(len(data)) {
			return nil, nil, 0, errShortRead
		}
		idx[i] = unaryBlockIndex{hash: readU64(data[p : p+8]), off: uint32(readU64(data[p+8 : p+16]))}
		p += 16
	}
	body, next, err = s.readBlockBody(data, p)
	if err != nil {
		return nil, nil, 0, err
	}
	return idx, body, next, nil
}

// readBlockBody decodes the trailing {decompressed_len, compressed_len,
// body} triple shared by every block header variant (unary, static,
// dynamic) starting at p, returning the block's payload bytes and
// the absolute offset immediately following the block.
func (s *Segment) readBlockBody(data []byte, p int64) (body []byte, next int64, err error) {
	if p+8 > int64(len(data)) {
		return nil, 0, errShortRead
	}
	decompLen := readU32(data[p : p+4])
	compLen := readU32(data[p+4 : p+8])
	p += 8
	if p+int64(compLen) > int64(len(data)) {
		return nil, 0, errShortRead
	}
	raw := data[p : p+int64(compLen)]
	if compLen == decompLen {
		body = raw
	} else {
		body = make([]byte, decompLen)
		if err := s.decomp.Decompress(raw, body); err != nil {
			return nil, 0, fmt.Errorf("segment: decompressing block: %w", err)
		}
	}
	return body, p + int64(compLen), nil
}

func (s *Segment) lookupUnary(off int64, h uint64) (schema.VType, []byte, bool, error) {
	for off < int64(len(s.dataBytes)) {
		idx, body, next, err := s.parseUnaryBlock(off)
		if err != nil {
			return 0, nil, false, err
		}
		if len(idx) == 0 {
			return 0, nil, false, nil
		}
		if idx[0].hash > h {
			return 0, nil, false, nil
		}
		j := sort.Search(len(idx), func(i int) bool { return idx[i].hash >= h })
		if j < len(idx) && idx[j].hash == h {
			recOff := int(idx[j].off)
			recEnd := len(body)
			if j+1 < len(idx) {
				recEnd = int(idx[j+1].off)
			}
			if recOff+9 > len(body) || recEnd < recOff+9 || recEnd > len(body) {
				return 0, nil, false, errShortRead
			}
			vtype := schema.VType(body[recOff+8])
			payload := append([]byte(nil), body[recOff+9:recEnd]...)
			return vtype, payload, true, nil
		}
		if idx[len(idx)-1].hash >= h {
			// h sorts inside this block's range but is absent.
			return 0, nil, false, nil
		}
		off = next
	}
	return 0, nil, false, nil
}

// wideBlockIndex is one decoded in-block sort-key index entry
// (static case): the schema's static-prefix bytes plus the
// offset_in_block the record starts at.
type wideBlockIndex struct {
	key []byte
	off uint32
}

func (s *Segment) parseStaticBlock(off int64) (idx []wideBlockIndex, body []byte, next int64, err error) {
	data := s.dataBytes
	prefixLen := s.schema.StaticPrefixLen()
	if off+12 > int64(len(data)) {
		return nil, nil, 0, errShortRead
	}
	p := off + 8
	count := readU32(data[p : p+4])
	p += 4
	idx = make([]wideBlockIndex, count)
	for i := range idx {
		if p+int64(prefixLen)+4 > int64(len(data)) {
			return nil, nil, 0, errShortRead
		}
		key := append([]byte(nil), data[p:p+int64(prefixLen)]...)
		p += int64(prefixLen)
		o := readU32(data[p : p+4])
		p += 4
		idx[i] = wideBlockIndex{key: key, off: o}
	}
	body, next, err = s.readBlockBody(data, p)
	if err != nil {
		return nil, nil, 0, err
	}
	return idx, body, next, nil
}

// decodeStaticRecord reads the full sort key and value occupying
// [recOff, recEnd) within a decompressed static block body. A fully
// static sort key's encoded length always equals StaticPrefixLen
// (schema.VTable's contract: "the fixed byte length of the sort
// key if every sort field has a static size"), so no separate
// length needs to be stored alongside the record; recEnd is the
// next indexed record's offset (or the body's end for the last
// record), since the in-block index is dense.
func (s *Segment) decodeStaticRecord(body []byte, recOff uint32, recEnd int) (sortKey []byte, vtype schema.VType, data []byte, err error) {
	prefixLen := s.schema.StaticPrefixLen()
	if int(recOff)+prefixLen+1 > len(body) || recEnd < int(recOff)+prefixLen+1 || recEnd > len(body) {
		return nil, 0, nil, errShortRead
	}
	sortKey = append([]byte(nil), body[recOff:int(recOff)+prefixLen]...)
	vtype = schema.VType(body[int(recOff)+prefixLen])
	data = append([]byte(nil), body[int(recOff)+prefixLen+1:recEnd]...)
	return sortKey, vtype, data, nil
}

// wideFooter is a wide partition's decoded footer: the sparse
// block index (every sampled block's minimum sort key and absolute
// block offset, ascending) plus the offset of the partition's
// intra sort-key bloom within filter.blx.
type wideFooter struct {
	keys     [][]byte
	offs     []int64
	bloomOff int64
}

// parseWideFooter decodes the footer starting at off. Footer keys
// are the schema's static prefix bytes in the static sort-key
// case, or u16-length-prefixed full keys in the dynamic case,
// matching writeWidePartition.
func (s *Segment) parseWideFooter(off int64) (wideFooter, error) {
	data := s.dataBytes
	static := s.schema.StaticPrefixLen() > 0
	if off+12 > int64(len(data)) {
		return wideFooter{}, errShortRead
	}
	count := int(readU32(data[off : off+4]))
	f := wideFooter{bloomOff: int64(readU64(data[off+4 : off+12]))}
	p := off + 12
	for i := 0; i < count; i++ {
		var key []byte
		if static {
			n := int64(s.schema.StaticPrefixLen())
			if p+n > int64(len(data)) {
				return wideFooter{}, errShortRead
			}
			key = data[p : p+n]
			p += n
		} else {
			if p+2 > int64(len(data)) {
				return wideFooter{}, errShortRead
			}
			n := int64(readU16(data[p : p+2]))
			p += 2
			if p+n > int64(len(data)) {
				return wideFooter{}, errShortRead
			}
			key = data[p : p+n]
			p += n
		}
		if p+8 > int64(len(data)) {
			return wideFooter{}, errShortRead
		}
		f.keys = append(f.keys, key)
		f.offs = append(f.offs, int64(readU64(data[p:p+8])))
		p += 8
	}
	return f, nil
}

// startBlock returns the offset of the last sparse-indexed block
// whose minimum key is <= target, or fallback (the partition's
// first block) if target sorts before every indexed key. Blocks
// between two sampled entries are covered by the forward walk the
// caller does from the returned offset.
func (f wideFooter) startBlock(cmp func(a, b []byte) int, target []byte, fallback int64) int64 {
	i := sort.Search(len(f.keys), func(k int) bool { return cmp(f.keys[k], target) > 0 }) - 1
	if i < 0 {
		return fallback
	}
	return f.offs[i]
}

// lookupWide walks wide partition chunks in ascending partition_hash
// order starting at partOff (the offset of a partition_size field),
// following writeWidePartition's exact on-disk layout: a
// widePartitionPrefixSize header (partition_size, footer_offset,
// partition_hash), then the raw pkey bytes, then the blocks, then
// the footer. Only the header is needed to walk past partitions
// that are not h's match.
func (s *Segment) lookupWide(partOff int64, h uint64, sortKey []byte) (schema.VType, []byte, bool, error) {
	data := s.dataBytes
	for partOff+widePartitionPrefixSize <= int64(len(data)) {
		partSize := readU64(data[partOff : partOff+8])
		footerRel := readU64(data[partOff+8 : partOff+16])
		partHash := readU64(data[partOff+16 : partOff+24])
		pkeyLen := s.schema.PartitionKeyLen()
		blocksOff := partOff + widePartitionPrefixSize + int64(pkeyLen)
		partEnd := partOff + int64(partSize)
		footerOff := partOff + int64(footerRel)

		if partHash == h {
			if footerOff < blocksOff || footerOff > int64(len(data)) {
				return 0, nil, false, errShortRead
			}
			return s.scanWidePartitionBlocks(blocksOff, footerOff, sortKey)
		}
		if partHash > h {
			return 0, nil, false, nil
		}
		if partEnd <= partOff || partEnd > int64(len(data)) {
			return 0, nil, false, errShortRead
		}
		partOff = partEnd
	}
	return 0, nil, false, nil
}

// scanWidePartitionBlocks resolves a point lookup within one wide
// partition: the footer's intra bloom rejects definitely-absent
// keys without decompressing anything, and its sparse block index
// seats the scan at the last sampled block whose minimum key is
// <= the target, so only a bounded run of blocks is ever parsed.
func (s *Segment) scanWidePartitionBlocks(blocksOff, footerOff int64, sortKey []byte) (schema.VType, []byte, bool, error) {
	footer, err := s.parseWideFooter(footerOff)
	if err != nil {
		return 0, nil, false, err
	}
	if may, err := s.filter.TestSortKey(footer.bloomOff, sortKey); err != nil {
		return 0, nil, false, err
	} else if !may {
		return 0, nil, false, nil
	}
	static := s.schema.StaticPrefixLen() > 0
	target := sortKey
	if static {
		target = s.schema.PrefixExtract(sortKey)
	}
	off := footer.startBlock(s.schema.CompareSortKeys, target, blocksOff)
	for off < footerOff {
		if static {
			idx, body, next, err := s.parseStaticBlock(off)
			if err != nil {
				return 0, nil, false, err
			}
			if len(idx) == 0 {
				off = next
				continue
			}
			if s.schema.CompareSortKeys(target, idx[0].key) < 0 {
				return 0, nil, false, nil
			}
			if s.schema.CompareSortKeys(target, idx[len(idx)-1].key) > 0 {
				off = next
				continue
			}
			j := sort.Search(len(idx), func(k int) bool { return s.schema.CompareSortKeys(idx[k].key, target) >= 0 })
			if j < len(idx) && bytes.Equal(idx[j].key, target) {
				recEnd := len(body)
				if j+1 < len(idx) {
					recEnd = int(idx[j+1].off)
				}
				sk, vt, dat, err := s.decodeStaticRecord(body, idx[j].off, recEnd)
				if err != nil {
					return 0, nil, false, err
				}
				if s.schema.CompareSortKeys(sk, sortKey) == 0 {
					return vt, dat, true, nil
				}
			}
			return 0, nil, false, nil
		}
		idx, body, next, err := s.parseDynamicBlock(off)
		if err != nil {
			return 0, nil, false, err
		}
		if len(idx) > 0 && s.schema.CompareSortKeys(idx[0].sortKey, sortKey) > 0 {
			return 0, nil, false, nil
		}
		for _, e := range idx {
			if bytes.Equal(e.sortKey, sortKey) {
				vtype := schema.VType(body[e.recOff])
				data := append([]byte(nil), body[e.recOff+1:e.recEnd]...)
				return vtype, data, true, nil
			}
		}
		off = next
	}
	return 0, nil, false, nil
}

// AscendPartition visits every (sortKey, vtype, data) record of
// partition h in ascending sort-key order, starting at the first
// record whose key is >= from (or the partition's first record if
// from is nil), stopping early if fn returns false. It backs
// cache's Page/PageFrom ordered range scans; the footer's sparse
// block index seats the scan at from's block, but unlike Lookup it
// does not consult the intra-partition Bloom filter, since a range
// scan has no single key to test.
func (s *Segment) AscendPartition(h uint64, from []byte, fn func(sortKey []byte, vtype schema.VType, data []byte) bool) error {
	if !s.wide {
		return fmt.Errorf("segment: AscendPartition requires a wide (sorted) schema")
	}
	if h > s.maxHash {
		return nil
	}
	off := s.floorOffset(h)
	data := s.dataBytes
	for off+widePartitionPrefixSize <= int64(len(data)) {
		partSize := readU64(data[off : off+8])
		footerRel := readU64(data[off+8 : off+16])
		partHash := readU64(data[off+16 : off+24])
		pkeyLen := s.schema.PartitionKeyLen()
		blocksOff := off + widePartitionPrefixSize + int64(pkeyLen)
		partEnd := off + int64(partSize)
		footerOff := off + int64(footerRel)

		if partHash == h {
			if footerOff < blocksOff || footerOff > int64(len(data)) {
				return errShortRead
			}
			return s.ascendPartitionBlocks(blocksOff, footerOff, from, fn)
		}
		if partHash > h {
			return nil
		}
		if partEnd <= off || partEnd > int64(len(data)) {
			return errShortRead
		}
		off = partEnd
	}
	return nil
}

func (s *Segment) ascendPartitionBlocks(blocksOff, footerOff int64, from []byte, fn func([]byte, schema.VType, []byte) bool) error {
	static := s.schema.StaticPrefixLen() > 0
	off := blocksOff
	if from != nil {
		footer, err := s.parseWideFooter(footerOff)
		if err != nil {
			return err
		}
		target := from
		if static {
			target = s.schema.PrefixExtract(from)
		}
		off = footer.startBlock(s.schema.CompareSortKeys, target, blocksOff)
	}
	for off < footerOff {
		if static {
			idx, body, next, err := s.parseStaticBlock(off)
			if err != nil {
				return err
			}
			for k, e := range idx {
				recEnd := len(body)
				if k+1 < len(idx) {
					recEnd = int(idx[k+1].off)
				}
				sk, vt, dat, err := s.decodeStaticRecord(body, e.off, recEnd)
				if err != nil {
					return err
				}
				if from != nil && s.schema.CompareSortKeys(sk, from) < 0 {
					continue
				}
				if !fn(sk, vt, dat) {
					return nil
				}
			}
			off = next
			continue
		}
		idx, body, next, err := s.parseDynamicBlock(off)
		if err != nil {
			return err
		}
		for _, e := range idx {
			if from != nil && s.schema.CompareSortKeys(e.sortKey, from) < 0 {
				continue
			}
			vtype := schema.VType(body[e.recOff])
			dat := append([]byte(nil), body[e.recOff+1:e.recEnd]...)
			if !fn(append([]byte(nil), e.sortKey...), vtype, dat) {
				return nil
			}
		}
		off = next
	}
	return nil
}

// dynamicBlockIndex is one decoded dynamic-block index entry:
// the full sort key (resolved via the block's keyspace region) and
// the [recOff, recEnd) byte range of its {DataType}{payload} within
// the block's decompressed body (the 2-byte sort-key length prefix
// and sort-key bytes that precede it in the body are excluded).
type dynamicBlockIndex struct {
	sortKey []byte
	recOff  int
	recEnd  int
}

func (s *Segment) parseDynamicBlock(off int64) (idx []dynamicBlockIndex, body []byte, next int64, err error) {
	data := s.dataBytes
	if off+16 > int64(len(data)) {
		return nil, nil, 0, errShortRead
	}
	p := off + 8
	keyspaceSize := readU32(data[p : p+4])
	p += 4
	p += 4 // last_key_rel_offset: unused by this reader's block-local walk
	if p+int64(keyspaceSize) > int64(len(data)) {
		return nil, nil, 0, errShortRead
	}
	keyspace := data[p : p+int64(keyspaceSize)]
	p += int64(keyspaceSize)

	// The dynamic block header stores no explicit index-entry
	// count: every record contributes exactly one keyspace entry
	// and one (keyOff, off) index pair, in the same order, so the
	// pair count is recovered by walking the keyspace region once.
	n := 0
	for kp := 0; kp < len(keyspace); n++ {
		if kp+2 > len(keyspace) {
			return nil, nil, 0, errShortRead
		}
		klen := int(readU16(keyspace[kp : kp+2]))
		kp += 2 + klen
	}

	type pair struct{ keyOff, off uint32 }
	pairs := make([]pair, n)
	for i := 0; i < n; i++ {
		if p+8 > int64(len(data)) {
			return nil, nil, 0, errShortRead
		}
		pairs[i] = pair{readU32(data[p : p+4]), readU32(data[p+4 : p+8])}
		p += 8
	}

	body, next, err = s.readBlockBody(data, p)
	if err != nil {
		return nil, nil, 0, err
	}

	idx = make([]dynamicBlockIndex, n)
	for i, pr := range pairs {
		if int(pr.keyOff)+2 > len(keyspace) {
			return nil, nil, 0, errShortRead
		}
		klen := int(readU16(keyspace[pr.keyOff : pr.keyOff+2]))
		if int(pr.keyOff)+2+klen > len(keyspace) {
			return nil, nil, 0, errShortRead
		}
		key := keyspace[int(pr.keyOff)+2 : int(pr.keyOff)+2+klen]
		if int(pr.off)+2 > len(body) {
			return nil, nil, 0, errShortRead
		}
		skLen := int(readU16(body[pr.off : pr.off+2]))
		idx[i] = dynamicBlockIndex{sortKey: key, recOff: int(pr.off) + 2 + skLen}
	}
	for i := range idx {
		if i+1 < len(idx) {
			idx[i].recEnd = int(pairs[i+1].off)
		} else {
			idx[i].recEnd = len(body)
		}
	}
	return idx, body, next, nil
}
