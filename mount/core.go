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
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/coldmount/store/cache"
	"github.com/coldmount/store/schema"
)

// task is one unit of work a core's single goroutine executes;
// operations on a core's owned MemoryCache instances always run
// serially on that goroutine.
type task func()

// core is one of Mount's fixed pool of workers: a single goroutine
// draining a task channel, owning every MemoryCache whose partition
// hash routes to it.
type core struct {
	id     int
	root   string
	reg    *schema.Registry
	cfg    cache.Config
	logger cache.Logger
	numa   bool

	tasks chan task
	wg    sync.WaitGroup

	// caches is only ever touched from this core's own goroutine
	// (cacheFor/openExisting while running, stop() only after
	// wg.Wait() confirms that goroutine has exited), so it needs no
	// lock of its own.
	caches map[uint32]*cache.MemoryCache // schema code -> this core's cache
}

// newCore constructs a core and opens its already-existing
// [schemaID] subdirectories (replaying their WALs) before starting
// the worker goroutine, so Open returns only once every core is
// ready to serve.
func newCore(id int, root string, reg *schema.Registry, cfg cache.Config, logger cache.Logger, numa bool) (*core, error) {
	c := &core{
		id:     id,
		root:   root,
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		numa:   numa,
		tasks:  make(chan task, 256),
		caches: make(map[uint32]*cache.MemoryCache),
	}
	if err := c.openExisting(); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

// run is the worker's single goroutine: it drains tasks until the
// channel is closed by stop(). When numa is set it locks itself to
// an OS thread, the portable, cgo-free approximation of CPU
// pinning; true per-CPU affinity would need a Linux-only
// SchedSetaffinity call (see DESIGN.md).
func (c *core) run() {
	defer c.wg.Done()
	if c.numa {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for t := range c.tasks {
		t()
	}
}

func (c *core) submit(t task) { c.tasks <- t }

func (c *core) dir() string { return filepath.Join(c.root, fmt.Sprintf("vcpu%d", c.id)) }

// cacheFor returns (opening on first use) this core's MemoryCache
// for v's schema code. Must only be called from within a task
// running on this core's own goroutine.
func (c *core) cacheFor(v schema.VTable) (*cache.MemoryCache, error) {
	code := v.Code()
	if mc, ok := c.caches[code]; ok {
		return mc, nil
	}
	dir := filepath.Join(c.dir(), schema.SchemaID(code))
	mc, err := cache.Open(dir, v, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("mount: opening cache %s: %w", dir, err)
	}
	c.caches[code] = mc
	return mc, nil
}

// openExisting walks this core's directory at startup, opening a
// MemoryCache (and so replaying its WAL) for every already-present
// [schemaID] subdirectory.
func (c *core) openExisting() error {
	ents, err := os.ReadDir(c.dir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mount: listing %s: %w", c.dir(), err)
	}
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		for _, code := range c.reg.Codes() {
			if schema.SchemaID(code) != e.Name() {
				continue
			}
			v, _ := c.reg.Lookup(code)
			dir := filepath.Join(c.dir(), e.Name())
			mc, err := cache.Open(dir, v, c.cfg, c.logger)
			if err != nil {
				return fmt.Errorf("mount: opening cache %s: %w", dir, err)
			}
			c.caches[code] = mc
			break
		}
	}
	return nil
}

// stop closes the task channel and waits for the worker goroutine
// to drain it, then closes every MemoryCache this core owns;
// MemoryCache.Close itself waits out any in-flight flush.
func (c *core) stop() error {
	close(c.tasks)
	c.wg.Wait()
	var firstErr error
	for _, mc := range c.caches {
		if err := mc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
