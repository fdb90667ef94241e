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

//go:build !linux

package mapper

import (
	"fmt"
	"io"
	"os"
)

// Non-Linux platforms do not get a real mmap/madvise backend
// here. Map falls back to a plain heap-buffered copy of
// the file contents so the rest of the engine still behaves
// correctly, just without shared-page I/O.

func alignment(f *os.File) int64 {
	return int64(os.Getpagesize())
}

func mmapRegion(f *os.File, length int64, flags Flags) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func munmapRegion(mem []byte) error {
	return nil
}

func msyncRegion(mem []byte) error {
	return nil
}

func madviseRegion(mem []byte, h Hint) error {
	return nil
}

func mmapAnon(length int64) ([]byte, error) {
	if length > (1 << 34) {
		// avoid accidentally heap-allocating an
		// unreasonably large staging buffer on platforms
		// without a real anonymous-mapping primitive
		return nil, fmt.Errorf("mapper: vmap reserve of %d bytes unsupported on this platform", length)
	}
	return make([]byte, length), nil
}

func writevAt(f *os.File, offset int64, bufs [][]byte) (int, error) {
	total := 0
	off := offset
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := f.WriteAt(b, off)
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
