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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	atomicfile "github.com/natefinch/atomic"
)

// Manifest is a small sidecar summarizing a segment's shape so
// admin tooling (coldctl stat) can list segments without opening
// indexer.idx.
type Manifest struct {
	Partitions int   `json:"partitions"`
	DataBytes  int64 `json:"data_bytes"`
	IndexBytes int64 `json:"index_bytes"`
	FilterBytes int64 `json:"filter_bytes"`
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

// writeManifest atomically writes dir/manifest.json, called once
// data.dat/indexer.idx/filter.blx are all durable but before the
// lock file is removed, so a reader never observes a manifest for a
// segment that is still incomplete.
func writeManifest(dir string, m Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("segment: encoding manifest: %w", err)
	}
	if err := atomicfile.WriteFile(manifestPath(dir), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("segment: writing manifest: %w", err)
	}
	return nil
}

// ReadManifest reads dir's manifest.json, for operator tooling.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("segment: decoding manifest: %w", err)
	}
	return m, nil
}
