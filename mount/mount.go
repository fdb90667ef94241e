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

package mount

import (
	"fmt"
	"runtime"

	"github.com/coldmount/store/cache"
	"github.com/coldmount/store/schema"
)

// Options carries the subset of config.Config Mount needs to start
// its core pool (the mnt.* and cache.*/logs.* keys).
type Options struct {
	Root        string
	Cores       int
	NUMA        bool
	CacheConfig cache.Config
	Registry    *schema.Registry
	Logger      cache.Logger
}

// Mount is the request dispatcher: a fixed pool of per-core
// workers, each owning the MemoryCache instances for the
// partitions that hash to it.
type Mount struct {
	root  string
	reg   *schema.Registry
	cores []*core
}

// Open starts Mount's core pool, walking root/vcpuK/ and opening
// every [schemaID] subdirectory already present (which replays
// that cache's WAL) before servicing requests. opts.Cores <= 0
// defaults to runtime.NumCPU().
func Open(opts Options) (*Mount, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("mount: no schema registry given")
	}
	cores := opts.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	m := &Mount{root: opts.Root, reg: opts.Registry}
	for i := 0; i < cores; i++ {
		c, err := newCore(i, opts.Root, opts.Registry, opts.CacheConfig, opts.Logger, opts.NUMA)
		if err != nil {
			m.closeCores(i)
			return nil, fmt.Errorf("mount: starting core %d: %w", i, err)
		}
		m.cores = append(m.cores, c)
	}
	return m, nil
}

// coreFor routes partition hash h to its owning worker
// (h mod cores).
func (m *Mount) coreFor(h uint64) *core {
	return m.cores[h%uint64(len(m.cores))]
}

// Cores reports the size of the core pool.
func (m *Mount) Cores() int { return len(m.cores) }

func (m *Mount) closeCores(n int) {
	for i := 0; i < n; i++ {
		m.cores[i].stop()
	}
}

// Close signals every worker, joins them, and waits for their
// pending flushes to drain.
func (m *Mount) Close() error {
	var firstErr error
	for _, c := range m.cores {
		if err := c.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
