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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	atomicfile "github.com/natefinch/atomic"
)

// manifestName is the atomically-written sidecar recording which
// snapshot directory (if any) is currently pending flush
// durability. PendingSnapshot reads it to find an in-flight flush
// without enumerating directories; the snapshot directory's mere
// presence remains the authoritative crash-recovery signal.
const manifestName = "snapshot.manifest"

// Snapshot atomically moves every shard currently in l's log
// directory into logsDir/snapshotN (segID), closes l's current
// shard, and starts a fresh s0 shard so the MemoryCache can keep
// accepting writes during the flush. It resets l's pressure
// estimate to zero.
func (l *Log) Snapshot(segID int) error {
	if err := l.cur.markFull(); err != nil {
		return fmt.Errorf("wal: flushing shard before snapshot: %w", err)
	}
	if err := l.cur.close(); err != nil {
		return err
	}
	snapDir := filepath.Join(l.dir, fmt.Sprintf("snapshot%d", segID))
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("wal: creating snapshot dir: %w", err)
	}
	names, err := sortedShardNames(l.dir)
	if err != nil {
		return fmt.Errorf("wal: listing shards to snapshot: %w", err)
	}
	for _, name := range names {
		if err := os.Rename(filepath.Join(l.dir, name), filepath.Join(snapDir, name)); err != nil {
			return fmt.Errorf("wal: moving shard %s into snapshot: %w", name, err)
		}
	}
	if err := writeManifest(l.dir, segID); err != nil {
		return err
	}
	l.shardIdx = 0
	s, err := createShard(l.shardPath(0), l.shardSize)
	if err != nil {
		return err
	}
	l.cur = s
	l.ResetPressure()
	return nil
}

// DeleteSnapshot removes logsDir/snapshotN and clears the
// manifest, called once the corresponding segment's data.dat,
// indexer.idx and filter.blx are durable and its lock file has
// been removed.
func DeleteSnapshot(logsDir string, segID int) error {
	dir := filepath.Join(logsDir, fmt.Sprintf("snapshot%d", segID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("wal: removing snapshot dir: %w", err)
	}
	return clearManifest(logsDir)
}

func writeManifest(logsDir string, segID int) error {
	body := []byte(strconv.Itoa(segID) + "\n" + time.Now().UTC().Format(time.RFC3339) + "\n")
	return atomicfile.WriteFile(filepath.Join(logsDir, manifestName), bytes.NewReader(body))
}

func clearManifest(logsDir string) error {
	err := os.Remove(filepath.Join(logsDir, manifestName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Consolidate folds any leftover snapshot directories' shards back
// into the root shard sequence, preserving replay order (snapshot
// shards first, oldest snapshot first, then the existing root
// shards), then removes the snapshot directories and clears the
// manifest. A snapshot directory that outlives a crash is the only
// durable copy of its records; left in place, the next Snapshot
// call for the same segment id would rename fresh shards over it
// and a second crash would lose the old records. Callers run this
// once during startup recovery, after Replay.
func Consolidate(logsDir string) error {
	snaps, err := sortedSnapshotDirs(logsDir)
	if err != nil {
		return fmt.Errorf("wal: listing snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return clearManifest(logsDir)
	}
	var snapPaths []string
	for _, snap := range snaps {
		dir := filepath.Join(logsDir, snap)
		shards, err := sortedShardNames(dir)
		if err != nil {
			return fmt.Errorf("wal: listing snapshot %s: %w", snap, err)
		}
		for _, sh := range shards {
			snapPaths = append(snapPaths, filepath.Join(dir, sh))
		}
	}
	rootShards, err := sortedShardNames(logsDir)
	if err != nil {
		return fmt.Errorf("wal: listing root shards: %w", err)
	}
	// shift the root shards up by the number of incoming snapshot
	// shards, highest index first so no rename lands on a name that
	// is still occupied
	offset := len(snapPaths)
	for j := len(rootShards) - 1; j >= 0; j-- {
		var cur int
		if _, err := fmt.Sscanf(rootShards[j], "s%d", &cur); err != nil {
			return fmt.Errorf("wal: bad shard name %s: %w", rootShards[j], err)
		}
		src := filepath.Join(logsDir, rootShards[j])
		dst := filepath.Join(logsDir, fmt.Sprintf("s%d", cur+offset))
		if src != dst {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("wal: shifting shard %s: %w", rootShards[j], err)
			}
		}
	}
	for i, p := range snapPaths {
		if err := os.Rename(p, filepath.Join(logsDir, fmt.Sprintf("s%d", i))); err != nil {
			return fmt.Errorf("wal: adopting snapshot shard %s: %w", p, err)
		}
	}
	for _, snap := range snaps {
		if err := os.RemoveAll(filepath.Join(logsDir, snap)); err != nil {
			return fmt.Errorf("wal: removing snapshot dir %s: %w", snap, err)
		}
	}
	return clearManifest(logsDir)
}

// PendingSnapshot reports the segment id recorded in logsDir's
// manifest, if one is present (i.e. a flush is in flight or the
// process crashed mid-flush and recovery has not yet run).
func PendingSnapshot(logsDir string) (segID int, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(logsDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var line []byte
	for _, b := range data {
		if b == '\n' {
			break
		}
		line = append(line, b)
	}
	n, err := strconv.Atoi(string(line))
	if err != nil {
		return 0, false, fmt.Errorf("wal: corrupt manifest: %w", err)
	}
	return n, true, nil
}
