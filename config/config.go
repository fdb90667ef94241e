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

// Package config decodes the on-disk configuration document: a root path, mnt.* worker-pool knobs, logs.* WAL knobs and
// cache.* MemoryCache/segment knobs, recognized as nested YAML
// sections with lower_snake_case keys.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/coldmount/store/cache"
)

// Mount carries the mnt.* keys.
type Mount struct {
	Cores int  `json:"cores"`
	NUMA  bool `json:"numa"`
}

// Logs carries the logs.* keys.
type Logs struct {
	LogShardSize  int64 `json:"log_shard_size"`
	FlushPressure int64 `json:"flush_pressure"`
	Enable        bool  `json:"enable"`
}

// Cache carries the cache.* keys.
type Cache struct {
	BlockSize                 int64   `json:"block_size"`
	BlockSparseIndexRatio     float64 `json:"block_sparse_index_ratio"`
	PartitionSparseIndexRatio float64 `json:"partition_sparse_index_ratio"`
	FlushPressure             int64   `json:"flush_pressure"`
	MaxDescriptors            int     `json:"max_descriptors"`
	MaxMappings               int     `json:"max_mappings"`
	MaxLocks                  int     `json:"max_locks"`
	CompressionRatio          float64 `json:"compression_ratio"`
	PartitionBloomFPRate      float64 `json:"partition_bloom_fp_rate"`
	IntraPartitionBloomFPRate float64 `json:"intra_partition_bloom_fp_rate"`
	MaxCacheVolume            int64   `json:"max_cache_volume"`
	Compressor                string  `json:"compressor"`
}

// Config is the top-level decoded configuration document.
type Config struct {
	Root  string `json:"root"`
	Mount Mount  `json:"mnt"`
	Logs  Logs   `json:"logs"`
	Cache Cache  `json:"cache"`
}

// Default returns the Config that Load decodes a document over, also
// used by tests that want a config without a file. Its values are not
// the fallbacks the other packages apply to a knob left at zero: a
// zero sparse-index ratio, for one, makes package segment sample
// every element rather than 1%.
func Default() Config {
	return Config{
		Logs: Logs{
			LogShardSize:  64 << 20,
			FlushPressure: 32 << 20,
			Enable:        true,
		},
		Cache: Cache{
			BlockSize:                 4 << 20,
			BlockSparseIndexRatio:     0.01,
			PartitionSparseIndexRatio: 0.01,
			FlushPressure:             256 << 20,
			MaxDescriptors:            1024,
			MaxMappings:               256,
			MaxLocks:                  4096,
			CompressionRatio:          0.5,
			PartitionBloomFPRate:      0.01,
			IntraPartitionBloomFPRate: 0.01,
			Compressor:                "s2",
		},
	}
}

// Load reads and decodes the YAML document at path over Default: a
// key the document omits keeps its Default value, while a key set
// explicitly (zero included) overrides it.
func Load(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.Root == "" {
		return Config{}, fmt.Errorf("config: %s: root is required", path)
	}
	return cfg, nil
}

// CacheConfig projects Cache into the cache.Config shape
// cache.Open/mount.Open expect.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		BlockSize:                 c.Cache.BlockSize,
		BlockSparseIndexRatio:     c.Cache.BlockSparseIndexRatio,
		PartitionSparseIndexRatio: c.Cache.PartitionSparseIndexRatio,
		CompressionRatio:          c.Cache.CompressionRatio,
		PartitionBloomFPRate:      c.Cache.PartitionBloomFPRate,
		IntraPartitionBloomFPRate: c.Cache.IntraPartitionBloomFPRate,
		Compressor:                c.Cache.Compressor,
		FlushPressure:             c.Cache.FlushPressure,
		LogShardSize:              c.Logs.LogShardSize,
		LogFlushPressure:          c.Logs.FlushPressure,
		MaxDescriptors:            c.Cache.MaxDescriptors,
		MaxMappings:               c.Cache.MaxMappings,
		MaxLocks:                  c.Cache.MaxLocks,
	}
}
