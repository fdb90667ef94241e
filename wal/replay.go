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

package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/coldmount/store/schema"
)

// decodeOne reads one record starting at off in data, returning the
// record, the offset just past it, and ok=false if off is a
// Reserved byte (torn record / clean end) or there is not enough
// data left for a complete record (a short read, also non-fatal).
func decodeOne(v schema.VTable, data []byte, off int64) (rec Record, next int64, ok bool) {
	if off >= int64(len(data)) {
		return Record{}, off, false
	}
	t := WriteType(data[off])
	if t == Reserved {
		return Record{}, off, false
	}
	p := off + 1
	if t == CreatePartition {
		n := v.PartitionKeyLen()
		if p+int64(n) > int64(len(data)) {
			return Record{}, off, false
		}
		pkey := append([]byte(nil), data[p:p+int64(n)]...)
		return Record{Type: t, PKey: pkey}, p + int64(n), true
	}
	if p+8 > int64(len(data)) {
		return Record{}, off, false
	}
	h := binary.LittleEndian.Uint64(data[p : p+8])
	p += 8
	static := v.StaticPrefixLen() > 0
	var skLen int64
	if static {
		skLen = int64(v.StaticPrefixLen())
	} else {
		if p+2 > int64(len(data)) {
			return Record{}, off, false
		}
		skLen = int64(binary.LittleEndian.Uint16(data[p : p+2]))
		p += 2
	}
	if p+skLen > int64(len(data)) {
		return Record{}, off, false
	}
	sk := append([]byte(nil), data[p:p+skLen]...)
	p += skLen
	rec = Record{Type: t, PartitionHash: h, SortKey: sk}
	switch t {
	case Field, Table, WProc:
		if p+4 > int64(len(data)) {
			return Record{}, off, false
		}
		plen := int64(binary.LittleEndian.Uint32(data[p : p+4]))
		p += 4
		if p+plen > int64(len(data)) {
			return Record{}, off, false
		}
		rec.Payload = append([]byte(nil), data[p:p+plen]...)
		p += plen
	case Remov, Reset:
		// no further fields
	default:
		return Record{}, off, false
	}
	return rec, p, true
}

// scanTail reads s's full content and returns the offset of the
// first incomplete or Reserved record, i.e. the offset new appends
// should resume from.
func scanTail(s *shard, v schema.VTable) (int64, error) {
	data := make([]byte, s.size)
	if _, err := s.f.ReadAt(data, 0); err != nil {
		return 0, fmt.Errorf("wal: scanning shard tail: %w", err)
	}
	var off int64
	for {
		_, next, ok := decodeOne(v, data, off)
		if !ok {
			return off, nil
		}
		off = next
	}
}

// replayShard decodes every complete record in path and invokes fn
// for each, stopping cleanly (without error) at the first Reserved
// byte or short read.
func replayShard(path string, v schema.VTable, fn func(Record) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("wal: reading shard %s: %w", path, err)
	}
	var off int64
	for {
		rec, next, ok := decodeOne(v, data, off)
		if !ok {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		off = next
	}
}

func sortedShardNames(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type idxName struct {
		idx  int
		name string
	}
	var shards []idxName
	for _, e := range ents {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "s") {
			continue
		}
		if n, err := strconv.Atoi(e.Name()[1:]); err == nil {
			shards = append(shards, idxName{n, e.Name()})
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].idx < shards[j].idx })
	names := make([]string, len(shards))
	for i, s := range shards {
		names[i] = s.name
	}
	return names, nil
}

func sortedSnapshotDirs(logsDir string) ([]string, error) {
	ents, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type idxName struct {
		idx  int
		name string
	}
	var dirs []idxName
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot") {
			continue
		}
		if n, err := strconv.Atoi(e.Name()[len("snapshot"):]); err == nil {
			dirs = append(dirs, idxName{n, e.Name()})
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].idx < dirs[j].idx })
	names := make([]string, len(dirs))
	for i, d := range dirs {
		names[i] = d.name
	}
	return names, nil
}

// Replay walks logsDir's snapshot directories in segment-id order
// (oldest first), then the root shards, invoking fn for every
// record in shard order within each directory. It is the startup recovery
// entry point; a fresh MemoryCache should call Replay before
// accepting writes.
func Replay(logsDir string, v schema.VTable, fn func(Record) error) error {
	snaps, err := sortedSnapshotDirs(logsDir)
	if err != nil {
		return fmt.Errorf("wal: listing snapshots: %w", err)
	}
	for _, snap := range snaps {
		dir := logsDir + string(os.PathSeparator) + snap
		shards, err := sortedShardNames(dir)
		if err != nil {
			return fmt.Errorf("wal: listing snapshot %s: %w", snap, err)
		}
		for _, sh := range shards {
			if err := replayShard(dir+string(os.PathSeparator)+sh, v, fn); err != nil {
				return err
			}
		}
	}
	shards, err := sortedShardNames(logsDir)
	if err != nil {
		return fmt.Errorf("wal: listing root shards: %w", err)
	}
	for _, sh := range shards {
		if err := replayShard(logsDir+string(os.PathSeparator)+sh, v, fn); err != nil {
			return err
		}
	}
	return nil
}
