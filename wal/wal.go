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

// Package wal implements the per-core, per-schema write-ahead log:
// an append-only sequence of pre-sized shard files (a shard exceeds
// the configured size only to hold a single larger record) that
// guarantees every mutation accepted into a MemoryCache survives a
// crash and can be replayed into an empty slot store in arrival
// order.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldmount/store/schema"
)

// WriteType tags a WAL record. Only this numeric encoding
// (Reserved = 0) exists; the operator characters the query wire
// format uses are a separate namespace.
type WriteType uint8

const (
	// Reserved is both the record terminator and the zero value a
	// freshly pre-zeroed shard tail reads as. It is never a
	// record a caller appends directly.
	Reserved WriteType = iota
	Field
	Table
	WProc
	Remov
	Reset
	CreatePartition
)

func (t WriteType) String() string {
	switch t {
	case Reserved:
		return "Reserved"
	case Field:
		return "Field"
	case Table:
		return "Table"
	case WProc:
		return "WProc"
	case Remov:
		return "Remov"
	case Reset:
		return "Reset"
	case CreatePartition:
		return "CreatePartition"
	default:
		return fmt.Sprintf("WriteType(%d)", uint8(t))
	}
}

// Record is one WAL entry. Which fields are meaningful depends on
// Type: CreatePartition only carries PKey; Remov and Reset carry
// neither SortKey's payload tail nor Payload; Field, Table and
// WProc carry everything.
type Record struct {
	Type          WriteType
	PartitionHash uint64
	PKey          []byte // CreatePartition only
	SortKey       []byte // all types except CreatePartition
	Payload       []byte // Field, Table, WProc only
}

// errShardFull is returned internally by shard.append when a
// record does not fit in the remaining shard space; the caller
// rotates and retries.
var errShardFull = fmt.Errorf("wal: shard full")

// shard is one logs/sN file: a pre-reserved, pre-zeroed region that
// records are appended to until it no longer has room.
type shard struct {
	f    *os.File
	size int64
	off  int64
}

func createShard(path string, size int64) (*shard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: creating shard: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: reserving shard: %w", err)
	}
	return &shard{f: f, size: size}, nil
}

func openShard(path string) (*shard, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening shard: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &shard{f: f, size: info.Size()}, nil
}

// encodeBody returns everything in rec's on-disk encoding except
// the leading WriteType byte, which the appender commits last.
//
// Sort keys with a schema-static length are written as exactly
// that many bytes (the length is recovered from the schema on
// replay). For schemas with a dynamic sort key length, this
// package falls back to an explicit u16 length prefix ahead of
// the key bytes, since no schema API can recover a per-record
// dynamic length on its own; see DESIGN.md.
func encodeBody(v schema.VTable, rec Record) []byte {
	if rec.Type == CreatePartition {
		return append([]byte(nil), rec.PKey...)
	}
	static := v.StaticPrefixLen() > 0
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, rec.PartitionHash)
	if static {
		buf = append(buf, rec.SortKey...)
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.SortKey)))
		buf = append(buf, rec.SortKey...)
	}
	switch rec.Type {
	case Field, Table, WProc:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Payload)))
		buf = append(buf, rec.Payload...)
	}
	return buf
}

// append writes rec to the shard, committing it by writing the
// WriteType byte last. It returns errShardFull without mutating
// on-disk state if rec does not fit in the remaining space.
func (s *shard) append(v schema.VTable, rec Record) (int64, error) {
	body := encodeBody(v, rec)
	need := int64(1 + len(body))
	if s.off+need > s.size {
		return 0, errShardFull
	}
	if len(body) > 0 {
		if _, err := s.f.WriteAt(body, s.off+1); err != nil {
			return 0, fmt.Errorf("wal: writing record body: %w", err)
		}
	}
	if _, err := s.f.WriteAt([]byte{byte(rec.Type)}, s.off); err != nil {
		return 0, fmt.Errorf("wal: committing record type: %w", err)
	}
	s.off += need
	return need, nil
}

// markFull writes a Reserved byte at the shard's current offset
// and fsyncs the dirty prefix, so that a subsequent replay treats
// anything past the last real record as the shard's clean end.
func (s *shard) markFull() error {
	if s.off < s.size {
		if _, err := s.f.WriteAt([]byte{byte(Reserved)}, s.off); err != nil {
			return err
		}
	}
	return s.f.Sync()
}

func (s *shard) close() error {
	return s.f.Close()
}

// Log is the per-core, per-schema WAL directory (logs/ under
// vcpuK/[schemaID]/). It is exclusively owned by the MemoryCache
// that created it (single writer); concurrent callers must
// serialize their own access.
type Log struct {
	dir           string
	schema        schema.VTable
	shardSize     int64
	flushPressure int64

	cur      *shard
	shardIdx int
	pressure int64
}

// Open opens (or creates) the WAL directory dir for schema v, with
// shards of shardSize bytes and a flush-pressure threshold of
// flushPressure bytes. It does not replay existing shards; call
// Replay separately before Open if recovery is required.
func Open(dir string, v schema.VTable, shardSize, flushPressure int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating log dir: %w", err)
	}
	l := &Log{dir: dir, schema: v, shardSize: shardSize, flushPressure: flushPressure}
	idx, existing, err := latestShard(dir)
	if err != nil {
		return nil, err
	}
	l.shardIdx = idx
	if existing {
		s, err := openShard(l.shardPath(idx))
		if err != nil {
			return nil, err
		}
		off, err := scanTail(s, v)
		if err != nil {
			s.close()
			return nil, err
		}
		s.off = off
		l.cur = s
	} else {
		s, err := createShard(l.shardPath(idx), shardSize)
		if err != nil {
			return nil, err
		}
		l.cur = s
	}
	return l, nil
}

func (l *Log) shardPath(idx int) string {
	return filepath.Join(l.dir, fmt.Sprintf("s%d", idx))
}

// Append appends rec to the log, rotating shards if necessary, and
// returns the log's pressure estimate after the append. A record
// larger than a whole shard is written alone into a fresh shard
// grown to fit it.
func (l *Log) Append(rec Record) (int64, error) {
	n, err := l.cur.append(l.schema, rec)
	if err == errShardFull && l.cur.off > 0 {
		if rerr := l.rotate(); rerr != nil {
			return l.pressure, rerr
		}
		n, err = l.cur.append(l.schema, rec)
	}
	if err == errShardFull {
		need := int64(1 + len(encodeBody(l.schema, rec)))
		if terr := l.cur.f.Truncate(need); terr != nil {
			return l.pressure, fmt.Errorf("wal: growing shard %d: %w", l.shardIdx, terr)
		}
		l.cur.size = need
		n, err = l.cur.append(l.schema, rec)
	}
	if err != nil {
		return l.pressure, err
	}
	l.pressure += n
	return l.pressure, nil
}

// ShouldFlush reports whether the log's pressure estimate has
// crossed the configured flush-pressure threshold.
func (l *Log) ShouldFlush() bool {
	return l.flushPressure > 0 && l.pressure >= l.flushPressure
}

func (l *Log) rotate() error {
	if err := l.cur.markFull(); err != nil {
		return fmt.Errorf("wal: marking shard %d full: %w", l.shardIdx, err)
	}
	if err := l.cur.close(); err != nil {
		return err
	}
	l.shardIdx++
	s, err := createShard(l.shardPath(l.shardIdx), l.shardSize)
	if err != nil {
		return err
	}
	l.cur = s
	return nil
}

// Sync fsyncs the current shard.
func (l *Log) Sync() error {
	return l.cur.f.Sync()
}

// Close closes the current shard's file descriptor without
// altering on-disk content.
func (l *Log) Close() error {
	return l.cur.close()
}

// Pressure returns the log's current pressure estimate.
func (l *Log) Pressure() int64 { return l.pressure }

// ResetPressure zeroes the pressure estimate; called after a
// successful Snapshot, mirroring the slot store's own
// reset-to-zero-on-flush pressure behavior.
func (l *Log) ResetPressure() { l.pressure = 0 }

func latestShard(dir string) (idx int, existing bool, err error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, fmt.Errorf("wal: listing log dir: %w", err)
	}
	max := -1
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		var n int
		if _, serr := fmt.Sscanf(e.Name(), "s%d", &n); serr == nil {
			if n > max {
				max = n
			}
		}
	}
	if max < 0 {
		return 0, false, nil
	}
	return max, true, nil
}
