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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coldmount.yaml")
	body := `root: /var/lib/coldmount
mnt:
  cores: 3
  numa: true
logs:
  log_shard_size: 1048576
cache:
  block_size: 65536
  compressor: zstd
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/var/lib/coldmount" {
		t.Fatalf("root = %q", cfg.Root)
	}
	if cfg.Mount.Cores != 3 || !cfg.Mount.NUMA {
		t.Fatalf("mnt = %+v", cfg.Mount)
	}
	if cfg.Logs.LogShardSize != 1<<20 {
		t.Fatalf("log_shard_size = %d", cfg.Logs.LogShardSize)
	}
	if cfg.Cache.BlockSize != 64<<10 || cfg.Cache.Compressor != "zstd" {
		t.Fatalf("cache = %+v", cfg.Cache)
	}

	// Unset knobs keep their defaults.
	def := Default()
	if cfg.Logs.FlushPressure != def.Logs.FlushPressure {
		t.Fatalf("logs.flush_pressure = %d, want default %d", cfg.Logs.FlushPressure, def.Logs.FlushPressure)
	}
	if cfg.Cache.MaxLocks != def.Cache.MaxLocks {
		t.Fatalf("cache.max_locks = %d, want default %d", cfg.Cache.MaxLocks, def.Cache.MaxLocks)
	}

	cc := cfg.CacheConfig()
	if cc.BlockSize != 64<<10 || cc.LogShardSize != 1<<20 || cc.Compressor != "zstd" {
		t.Fatalf("CacheConfig = %+v", cc)
	}
}

func TestLoadRequiresRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coldmount.yaml")
	if err := os.WriteFile(path, []byte("mnt:\n  cores: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted a config without root")
	}
}
