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

// Package mount implements the request dispatcher: a
// fixed pool of per-core workers, each owning the MemoryCache
// instances for the partitions that hash to it, and a query-packet
// wire format that fans operations out across that pool and
// collects read results.
package mount

import (
	"encoding/binary"
	"fmt"

	"github.com/coldmount/store/schema"
)

// qOp bytes of the query-packet wire format.
const (
	qFetch  = 'f'
	qReset  = 'R'
	qRemove = 'P'
	qWrite  = 'w'
	qWProc  = '+'
	qRead   = 'r'
)

// Operator is one decoded operator following a Fetch within an
// operand group.
type Operator struct {
	Kind    byte
	FieldID schema.FieldID
	Opcode  uint8
	Payload []byte
}

// Operand is one Fetch-anchored group: the (H, S, schema) context
// plus the operators to run against it.
type Operand struct {
	Flags      byte
	H          uint64
	SchemaCode uint32
	PKey       []byte
	SortKey    []byte
	Ops        []Operator
}

// Packet is a fully decoded query packet.
type Packet struct {
	Operands []Operand
}

// fetchHeaderSize is an operand's fixed-size leading bytes:
// flags(u8), 'f'(u8), H(u64), schema code(u32).
const fetchHeaderSize = 14

// ParsePacket decodes a query packet. Immediately after the
// schema code, Fetch carries the raw partition key bytes (length
// = the resolved schema's PartitionKeyLen()), not just the
// already-hashed H: MemoryCache.ensurePartitionLocked's
// lazily-logged CreatePartition WAL record needs the real key
// bytes to survive a replay (see DESIGN.md). A query that only
// ever touches partitions created through some other ingest path
// may pass a zero-length key only if the resolved schema's
// PartitionKeyLen() is 0, but otherwise must supply it.
//
// An operand naming an unknown schema code aborts only that
// operand: the parser resyncs to the next operand whose Fetch
// header resolves in reg and the remainder of the packet
// continues. Structural damage (truncation, an unknown operator
// byte) still fails the whole packet, since past that point no
// byte boundary can be trusted.
func ParsePacket(data []byte, reg *schema.Registry) (Packet, error) {
	var pkt Packet
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return pkt, fmt.Errorf("mount: truncated operand header at offset %d", off)
		}
		flags := data[off]
		off++
		if data[off] != qFetch {
			return pkt, fmt.Errorf("mount: expected Fetch ('f') at offset %d, got %q", off, data[off])
		}
		off++

		if off+8+4 > len(data) {
			return pkt, fmt.Errorf("mount: truncated Fetch at offset %d", off)
		}
		h := binary.LittleEndian.Uint64(data[off:])
		off += 8
		code := binary.LittleEndian.Uint32(data[off:])
		off += 4

		v, ok := reg.Lookup(code)
		if !ok {
			// Without the schema, this operand's partition-key and
			// sort-key byte lengths cannot be recovered, so its
			// remaining bytes are unframed; skip forward to the
			// next operand boundary that names a known schema.
			next, found := resync(data, off, reg)
			if !found {
				return pkt, nil
			}
			off = next
			continue
		}

		pkeyLen := v.PartitionKeyLen()
		if off+pkeyLen > len(data) {
			return pkt, fmt.Errorf("mount: truncated partition key at offset %d", off)
		}
		pkey := append([]byte(nil), data[off:off+pkeyLen]...)
		off += pkeyLen

		sortKey, consumed, err := parseSortKey(v, data[off:])
		if err != nil {
			return pkt, err
		}
		off += consumed

		operand := Operand{Flags: flags, H: h, SchemaCode: code, PKey: pkey, SortKey: sortKey}
		// operators run until the first byte that is not an
		// operator code, which begins the next operand's flags
		for off < len(data) && isOperatorByte(data[off]) {
			op, n, err := parseOperator(data[off:])
			if err != nil {
				return pkt, err
			}
			operand.Ops = append(operand.Ops, op)
			off += n
		}
		pkt.Operands = append(pkt.Operands, operand)
	}
	return pkt, nil
}

// resync scans forward from off for the next plausible operand
// start after an operand whose schema code was unknown: a
// position whose second byte is the Fetch op and whose schema
// code resolves in reg. A payload byte can in principle mimic a
// Fetch header, but the schema-code check rejects almost every
// such collision, and a surviving one still parses as a
// well-formed operand or fails the packet loudly.
func resync(data []byte, off int, reg *schema.Registry) (int, bool) {
	for p := off; p+fetchHeaderSize <= len(data); p++ {
		if data[p+1] != qFetch {
			continue
		}
		code := binary.LittleEndian.Uint32(data[p+10:])
		if _, ok := reg.Lookup(code); ok {
			return p, true
		}
	}
	return 0, false
}

// parseSortKey reads a sort key: for schemas with a static
// sort-key prefix the byte length is recovered from the schema's
// sort-field storage sizes; for a schema whose sort key is
// dynamically sized, an explicit u16 length prefix precedes the
// key bytes, the same convention wal.encodeBody uses (see
// DESIGN.md).
func parseSortKey(v schema.VTable, data []byte) (key []byte, consumed int, err error) {
	if n := v.StaticPrefixLen(); n > 0 {
		if len(data) < n {
			return nil, 0, fmt.Errorf("mount: truncated sort key")
		}
		return append([]byte(nil), data[:n]...), n, nil
	}
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("mount: truncated dynamic sort-key length prefix")
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, 0, fmt.Errorf("mount: truncated sort key")
	}
	return append([]byte(nil), data[2:2+n]...), 2 + n, nil
}

func isOperatorByte(b byte) bool {
	switch b {
	case qReset, qRemove, qWrite, qWProc, qRead:
		return true
	}
	return false
}

func parseOperator(data []byte) (Operator, int, error) {
	if len(data) < 1 {
		return Operator{}, 0, fmt.Errorf("mount: truncated operator")
	}
	switch data[0] {
	case qReset, qRemove:
		return Operator{Kind: data[0]}, 1, nil
	case qWrite:
		if len(data) < 6 {
			return Operator{}, 0, fmt.Errorf("mount: truncated Write operator")
		}
		fid := data[1]
		n := binary.LittleEndian.Uint32(data[2:6])
		end := 6 + int(n)
		if len(data) < end {
			return Operator{}, 0, fmt.Errorf("mount: truncated Write payload")
		}
		return Operator{Kind: qWrite, FieldID: fid, Payload: append([]byte(nil), data[6:end]...)}, end, nil
	case qWProc:
		if len(data) < 7 {
			return Operator{}, 0, fmt.Errorf("mount: truncated WProc operator")
		}
		fid := data[1]
		opcode := data[2]
		n := binary.LittleEndian.Uint32(data[3:7])
		end := 7 + int(n)
		if len(data) < end {
			return Operator{}, 0, fmt.Errorf("mount: truncated WProc payload")
		}
		return Operator{Kind: qWProc, FieldID: fid, Opcode: opcode, Payload: append([]byte(nil), data[7:end]...)}, end, nil
	case qRead:
		if len(data) < 2 {
			return Operator{}, 0, fmt.Errorf("mount: truncated Read operator")
		}
		return Operator{Kind: qRead, FieldID: data[1]}, 2, nil
	default:
		return Operator{}, 0, fmt.Errorf("mount: unknown operator byte %q", data[0])
	}
}
