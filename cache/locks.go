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

package cache

// The lock table is advisory, per (H, sortKey), keyed by an
// originator token (NewOriginToken) rather than any OS-level
// primitive. It is bounded by cfg.MaxLocks and evicts the
// oldest-acquired entry first when full; true recency tracking
// would need a second index updated on every IsLocked probe,
// which isn't worth the bookkeeping for an advisory table (see
// DESIGN.md).

func (c *MemoryCache) isLockedByOtherLocked(h uint64, sortKey []byte, origin string) bool {
	existing, ok := c.locks[lockKey{hash: h, sortKey: string(sortKey)}]
	return ok && existing != origin
}

// Lock acquires the advisory lock on (h, sortKey) for origin. It
// returns true if the lock is now held by origin (whether newly
// acquired or already owned by origin), false if another
// originator holds it.
func (c *MemoryCache) Lock(h uint64, sortKey []byte, origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := lockKey{hash: h, sortKey: string(sortKey)}
	if existing, ok := c.locks[key]; ok {
		return existing == origin
	}
	if c.cfg.MaxLocks > 0 && len(c.locks) >= c.cfg.MaxLocks {
		c.evictOneLockLocked()
	}
	c.locks[key] = origin
	c.lockOrder = append(c.lockOrder, key)
	return true
}

// Unlock releases the lock on (h, sortKey) if held by origin; it
// is a no-op otherwise.
func (c *MemoryCache) Unlock(h uint64, sortKey []byte, origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := lockKey{hash: h, sortKey: string(sortKey)}
	if existing, ok := c.locks[key]; ok && existing == origin {
		delete(c.locks, key)
	}
}

// IsLocked reports whether (h, sortKey) is locked by an originator
// other than origin.
func (c *MemoryCache) IsLocked(h uint64, sortKey []byte, origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLockedByOtherLocked(h, sortKey, origin)
}

func (c *MemoryCache) evictOneLockLocked() {
	for len(c.lockOrder) > 0 {
		k := c.lockOrder[0]
		c.lockOrder = c.lockOrder[1:]
		if _, ok := c.locks[k]; ok {
			delete(c.locks, k)
			return
		}
	}
}
