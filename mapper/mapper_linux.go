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

//go:build linux

package mapper

import (
	"os"

	"golang.org/x/sys/unix"
)

// page_size and filesystem block size determine the
// alignment ReserveAligned rounds up to.
func alignment(f *os.File) int64 {
	page := int64(os.Getpagesize())
	if f == nil {
		return page
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &st); err != nil {
		return page
	}
	return lcm(page, int64(st.Bsize))
}

func mmapRegion(f *os.File, length int64, flags Flags) ([]byte, error) {
	prot := unix.PROT_READ
	if flags&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&Execute != 0 {
		prot |= unix.PROT_EXEC
	}
	return unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
}

func munmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}

func msyncRegion(mem []byte) error {
	return unix.Msync(mem, unix.MS_SYNC)
}

func madviseRegion(mem []byte, h Hint) error {
	var advice int
	switch h {
	case HintSequential:
		advice = unix.MADV_SEQUENTIAL
	case HintRandom:
		advice = unix.MADV_RANDOM
	case HintHot:
		advice = unix.MADV_WILLNEED
	case HintCold:
		advice = unix.MADV_DONTNEED
	default:
		advice = unix.MADV_NORMAL
	}
	return unix.Madvise(mem, advice)
}

// mmapAnon reserves a large private anonymous mapping that is
// not counted against the process's committed-memory budget
// (MAP_NORESERVE), so that a very large vmap staging region
// can be requested up front and paged in lazily as it is
// actually written.
func mmapAnon(length int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func writevAt(f *os.File, offset int64, bufs [][]byte) (int, error) {
	total := 0
	off := offset
	// unix.Pwritev would avoid the loop, but looping over
	// Pwrite keeps this portable to platforms where Pwritev
	// is unavailable without a second build-tagged file.
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := unix.Pwrite(int(f.Fd()), b, off)
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
