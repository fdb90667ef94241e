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

	"github.com/coldmount/store/bloom"
	"github.com/coldmount/store/xhash"
)

// filter.blx flag bits: a bitmask of which blooms are present.
// PK_F (a field-level bloom) is reserved and never set, since no
// field-level pruning consumer exists anywhere in the read path
// (see DESIGN.md).
const (
	flagPK   uint8 = 1 << 0 // partition-hash bloom present
	flagPKF  uint8 = 1 << 1 // reserved, never set
	flagPKSK uint8 = 1 << 2 // per-wide-partition intra sort-key blooms present
)

// encodeBloom/decodeBloom are thin aliases over bloom.Filter's own
// self-contained wire format (fp_rate, key_count, bits all live in
// f.Bytes() already), kept as named hooks here since callers in
// this file think in terms of "encode/decode a filter at an
// offset", not bloom's own API.
func encodeBloom(f *bloom.Filter) []byte {
	return f.Bytes()
}

func decodeBloom(b []byte) (*bloom.Filter, int, error) {
	return bloom.Decode(b)
}

// writeFilterFile builds filter.blx for the given partitions: a
// full-set partition-hash bloom, followed (if any wide partitions
// are present) by one intra-partition sort-key bloom per wide
// partition, each addressable by absolute byte offset so a
// partition footer can record a sort_bloom_offset into this
// file.
//
// It returns the absolute offset of each wide partition's intra
// bloom, keyed by partition index into parts.
func writeFilterFile(dir string, parts []Partition, cfg Config, wide bool) (intraOffsets map[int]int64, err error) {
	pkKeys := make([][2]uint64, len(parts))
	for i, p := range parts {
		h1, h2 := xhash.PairFromUint64(p.Hash)
		pkKeys[i] = [2]uint64{h1, h2}
	}
	pkFilter := bloom.New(len(parts), fpOrDefault(cfg.PartitionBloomFPRate))
	for _, hp := range pkKeys {
		pkFilter.AddHash(hp[0], hp[1])
	}

	flag := flagPK
	var body []byte
	body = append(body, byte(flag))
	body = append(body, encodeBloom(pkFilter)...)

	intraOffsets = make(map[int]int64)
	if wide {
		for i, p := range parts {
			f := bloom.New(len(p.Records), fpOrDefault(cfg.IntraPartitionBloomFPRate))
			for _, r := range p.Records {
				f.AddUint64(xhash.SortKeyHash(r.SortKey))
			}
			intraOffsets[i] = int64(len(body))
			body = append(body, encodeBloom(f)...)
		}
		if len(parts) > 0 {
			body[0] |= flagPKSK
		}
	}

	if err := os.WriteFile(filterPath(dir), body, 0o644); err != nil {
		return nil, fmt.Errorf("segment: writing filter.blx: %w", err)
	}
	return intraOffsets, nil
}

func fpOrDefault(fp float64) float64 {
	if fp <= 0 || fp >= 1 {
		return 0.01
	}
	return fp
}

// filterReader wraps an open filter.blx for point queries during
// reads.
type filterReader struct {
	flag byte
	pk   *bloom.Filter
	data []byte // the whole file, for decoding intra blooms on demand by offset
}

func openFilter(dir string) (*filterReader, error) {
	data, err := os.ReadFile(filterPath(dir))
	if err != nil {
		return nil, fmt.Errorf("segment: reading filter.blx: %w", err)
	}
	if len(data) < 1 {
		return nil, errShortRead
	}
	flag := data[0]
	pk, _, err := decodeBloom(data[1:])
	if err != nil {
		return nil, fmt.Errorf("segment: decoding partition bloom: %w", err)
	}
	return &filterReader{flag: flag, pk: pk, data: data}, nil
}

// TestPartition reports whether H may be present (false is
// conclusive absence).
func (fr *filterReader) TestPartition(h uint64) bool {
	h1, h2 := xhash.PairFromUint64(h)
	return fr.pk.TestHash(h1, h2)
}

// TestSortKey reports whether sortKey may be present in the
// wide-partition intra bloom located at the given absolute offset
// (a partition footer's sort_bloom_offset).
func (fr *filterReader) TestSortKey(offset int64, sortKey []byte) (bool, error) {
	if fr.flag&flagPKSK == 0 {
		return true, nil
	}
	if offset < 0 || int(offset) >= len(fr.data) {
		return false, errShortRead
	}
	f, _, err := decodeBloom(fr.data[offset:])
	if err != nil {
		return false, err
	}
	return f.TestUint64(xhash.SortKeyHash(sortKey)), nil
}
