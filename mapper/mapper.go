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

// Package mapper implements the uniform file abstraction
// that the rest of the engine builds on: a file is exposed as a sized memory-mapped span
// and/or as an unbounded virtual staging buffer backed by an
// anonymous mapping that is later flushed to the descriptor
// with a sequential write.
//
// Every operation is best-effort and idempotent on repeated
// calls; failures are surfaced through return values and the
// IsMapped/IsOpen accessors rather than panics, so callers can
// treat mmap failures as recoverable I/O errors.
package mapper

import (
	"fmt"
	"io"
	"os"
)

// Flags controls how a file is opened.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	Execute
)

func (f Flags) osFlags() int {
	switch {
	case f&Read != 0 && f&Write != 0:
		return os.O_RDWR | os.O_CREATE
	case f&Write != 0:
		return os.O_WRONLY | os.O_CREATE
	default:
		return os.O_RDONLY
	}
}

// Hint is an access-pattern hint passed to the kernel via
// madvise (or a platform equivalent).
type Hint int

const (
	HintDefault Hint = iota
	HintSequential
	HintRandom
	HintHot // MADV_WILLNEED
	HintCold // MADV_DONTNEED
)

// Mapper is a single open file exposed as a memory-mapped
// span and/or a virtual staging buffer. The zero value is not
// usable; construct one with Open.
type Mapper struct {
	path  string
	f     *os.File
	flags Flags

	mem    []byte // active file-backed mapping, nil if unmapped
	mapLen int64

	vmem     []byte // anonymous staging region ("vmap")
	vcursor  int64  // logical write cursor within vmem
	vflushed int64  // bytes of vmem already written to the descriptor
}

// Open creates or opens path. If reserve > 0, the file is
// truncated to that size immediately (this is also how new
// segment/WAL-shard files are pre-sized). flags controls the
// descriptor's access mode.
func Open(path string, reserve int64, flags Flags) (*Mapper, error) {
	f, err := os.OpenFile(path, flags.osFlags(), 0644)
	if err != nil {
		return nil, fmt.Errorf("mapper: open %s: %w", path, err)
	}
	m := &Mapper{path: path, f: f, flags: flags}
	if reserve > 0 {
		if err := m.Reserve(reserve); err != nil {
			f.Close()
			return nil, err
		}
	}
	return m, nil
}

// IsOpen reports whether the underlying file descriptor is
// still open.
func (m *Mapper) IsOpen() bool { return m.f != nil }

// IsMapped reports whether the file is currently
// memory-mapped.
func (m *Mapper) IsMapped() bool { return m.mem != nil }

// Path returns the path the Mapper was opened with.
func (m *Mapper) Path() string { return m.path }

// Len returns the length of the current file-backed mapping,
// or 0 if unmapped.
func (m *Mapper) Len() int64 { return m.mapLen }

// Reserve truncates the file to size. If the file is
// currently mapped, it is unmapped and remapped at the new
// size; an access hint set on the old mapping is not
// reapplied to the new one.
func (m *Mapper) Reserve(size int64) error {
	if m.f == nil {
		return fmt.Errorf("mapper: Reserve on closed file %s", m.path)
	}
	wasMapped := m.IsMapped()
	if wasMapped {
		if err := m.Unmap(false); err != nil {
			return err
		}
	}
	if err := m.f.Truncate(size); err != nil {
		return fmt.Errorf("mapper: truncate %s to %d: %w", m.path, size, err)
	}
	if wasMapped {
		return m.Map(size)
	}
	return nil
}

// ReserveAligned rounds required up to lcm(page size,
// filesystem block size) and reserves that many bytes,
// returning the size actually reserved.
func (m *Mapper) ReserveAligned(required int64) (int64, error) {
	align := alignment(m.f)
	size := roundUp(required, align)
	return size, m.Reserve(size)
}

// Map memory-maps the file descriptor. length == 0 maps the
// file's current on-disk size (as reported by Stat).
func (m *Mapper) Map(length int64) error {
	if m.f == nil {
		return fmt.Errorf("mapper: Map on closed file %s", m.path)
	}
	if m.IsMapped() {
		if err := m.Unmap(false); err != nil {
			return err
		}
	}
	if length == 0 {
		fi, err := m.f.Stat()
		if err != nil {
			return fmt.Errorf("mapper: stat %s: %w", m.path, err)
		}
		length = fi.Size()
	}
	mem, err := mmapRegion(m.f, length, m.flags)
	if err != nil {
		return fmt.Errorf("mapper: mmap %s (%d bytes): %w", m.path, length, err)
	}
	m.mem = mem
	m.mapLen = length
	return nil
}

// Bytes returns the live mapped region. It is only valid
// while IsMapped() is true and is invalidated by the next
// Unmap/Reserve/Map call.
func (m *Mapper) Bytes() []byte { return m.mem }

// Unmap releases the current mapping. If full is true, the
// underlying file descriptor is also closed. Unmap is
// idempotent: calling it when nothing is mapped is a no-op
// and never double-frees.
func (m *Mapper) Unmap(full bool) error {
	var err error
	if m.mem != nil {
		err = munmapRegion(m.mem)
		m.mem = nil
		m.mapLen = 0
	}
	if full && m.f != nil {
		cerr := m.f.Close()
		m.f = nil
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("mapper: unmap %s: %w", m.path, err)
	}
	return nil
}

// Close is a hard close: it unmaps (if mapped) and closes
// the descriptor. Closing an already-closed Mapper is a
// no-op.
func (m *Mapper) Close() error {
	if m.f == nil && m.mem == nil {
		return nil
	}
	return m.Unmap(true)
}

// VMap reserves a large anonymous, lazily-committed private
// mapping to use as a staging buffer ahead of a sequential
// append to the file descriptor (the "vmap" staging model
// used by the flush pipeline to build up a segment's data.dat
// without an intermediate bounce buffer).
func (m *Mapper) VMap(reserve int64) error {
	mem, err := mmapAnon(reserve)
	if err != nil {
		return fmt.Errorf("mapper: vmap reserve %d bytes: %w", reserve, err)
	}
	m.vmem = mem
	m.vcursor = 0
	m.vflushed = 0
	return nil
}

// VMapBytes returns the staging region written so far
// (vmem[:vcursor]).
func (m *Mapper) VMapBytes() []byte {
	if m.vmem == nil {
		return nil
	}
	return m.vmem[:m.vcursor]
}

// VMapWrite copies p into the staging buffer at the current
// cursor and advances the cursor, returning the offset p was
// written at.
func (m *Mapper) VMapWrite(p []byte) (offset int64, err error) {
	if m.vmem == nil {
		return 0, fmt.Errorf("mapper: VMapWrite before VMap")
	}
	if m.vcursor+int64(len(p)) > int64(len(m.vmem)) {
		return 0, fmt.Errorf("mapper: vmap staging region exhausted (cursor %d, reserved %d)", m.vcursor, len(m.vmem))
	}
	offset = m.vcursor
	copy(m.vmem[offset:], p)
	m.vcursor += int64(len(p))
	return offset, nil
}

// VMapIncrement advances the logical staging cursor by n
// bytes without copying data (for callers that wrote directly
// into the slice returned by VMapBytes/VMapReserve).
func (m *Mapper) VMapIncrement(n int64) int64 {
	m.vcursor += n
	return m.vcursor
}

// VMapReserve returns a slice of n bytes at the current
// cursor for the caller to fill directly, without advancing
// the cursor (the caller must call VMapIncrement after
// filling it).
func (m *Mapper) VMapReserve(n int64) ([]byte, error) {
	if m.vmem == nil {
		return nil, fmt.Errorf("mapper: VMapReserve before VMap")
	}
	if m.vcursor+n > int64(len(m.vmem)) {
		return nil, fmt.Errorf("mapper: vmap staging region exhausted (cursor %d, reserved %d)", m.vcursor, len(m.vmem))
	}
	return m.vmem[m.vcursor : m.vcursor+n], nil
}

// VMapFlush writes any staged-but-unwritten bytes to the file
// descriptor via a sequential write(2), and fsyncs the
// descriptor.
func (m *Mapper) VMapFlush() error {
	if m.vmem == nil {
		return nil
	}
	if m.vcursor <= m.vflushed {
		return m.f.Sync()
	}
	n, err := m.f.WriteAt(m.vmem[m.vflushed:m.vcursor], m.vflushed)
	if err != nil {
		return fmt.Errorf("mapper: vmap_flush write %s: %w", m.path, err)
	}
	m.vflushed += int64(n)
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("mapper: vmap_flush fsync %s: %w", m.path, err)
	}
	return nil
}

// VMapUnmap releases the anonymous staging region. It is
// idempotent.
func (m *Mapper) VMapUnmap() error {
	if m.vmem == nil {
		return nil
	}
	err := munmapRegion(m.vmem)
	m.vmem = nil
	m.vcursor = 0
	m.vflushed = 0
	if err != nil {
		return fmt.Errorf("mapper: vmap unmap %s: %w", m.path, err)
	}
	return nil
}

// Flush msyncs the mapped region [off, off+len), or the
// entire mapping if len == 0. If the file is not currently
// mapped (i.e. writes went through VMapFlush/WriteAt instead),
// Flush degrades to an fsync of the descriptor.
func (m *Mapper) Flush(off, length int64) error {
	if !m.IsMapped() {
		if m.f == nil {
			return nil
		}
		return m.f.Sync()
	}
	if length == 0 {
		length = int64(len(m.mem)) - off
	}
	if off < 0 || length < 0 || off+length > int64(len(m.mem)) {
		return fmt.Errorf("mapper: Flush range [%d,%d) out of bounds (len %d)", off, off+length, len(m.mem))
	}
	if err := msyncRegion(m.mem[off : off+length]); err != nil {
		return fmt.Errorf("mapper: msync %s: %w", m.path, err)
	}
	return nil
}

// FlushAll is Flush(0, 0).
func (m *Mapper) FlushAll() error { return m.Flush(0, 0) }

// WriteAt performs a positional write into the file
// descriptor, independent of any active mapping.
func (m *Mapper) WriteAt(offset int64, p []byte) (int, error) {
	if m.f == nil {
		return 0, fmt.Errorf("mapper: WriteAt on closed file %s", m.path)
	}
	n, err := m.f.WriteAt(p, offset)
	if err != nil {
		return n, fmt.Errorf("mapper: write %s at %d: %w", m.path, offset, err)
	}
	return n, nil
}

// WriteAtVec performs a scatter/gather positional write of
// bufs starting at offset, using writev where available.
func (m *Mapper) WriteAtVec(offset int64, bufs [][]byte) (int, error) {
	if m.f == nil {
		return 0, fmt.Errorf("mapper: WriteAtVec on closed file %s", m.path)
	}
	n, err := writevAt(m.f, offset, bufs)
	if err != nil {
		return n, fmt.Errorf("mapper: writev %s at %d: %w", m.path, offset, err)
	}
	return n, nil
}

// ReadAt returns an owned copy of count bytes starting at
// offset, reading through the mapping if one is active or
// directly from the descriptor otherwise.
func (m *Mapper) ReadAt(offset int64, count int) ([]byte, error) {
	if m.IsMapped() {
		if offset < 0 || offset+int64(count) > int64(len(m.mem)) {
			return nil, fmt.Errorf("mapper: ReadAt [%d,%d) out of bounds (len %d)", offset, offset+int64(count), len(m.mem))
		}
		out := make([]byte, count)
		copy(out, m.mem[offset:offset+int64(count)])
		return out, nil
	}
	if m.f == nil {
		return nil, fmt.Errorf("mapper: ReadAt on closed file %s", m.path)
	}
	out := make([]byte, count)
	_, err := io.ReadFull(io.NewSectionReader(m.f, offset, int64(count)), out)
	if err != nil {
		return nil, fmt.Errorf("mapper: read %s at %d: %w", m.path, offset, err)
	}
	return out, nil
}

// ReadByte returns a single byte at offset.
func (m *Mapper) ReadByte(offset int64) (byte, error) {
	b, err := m.ReadAt(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Hint advises the kernel of the expected access pattern for
// the current mapping. It is a no-op if nothing is mapped.
func (m *Mapper) Hint(h Hint) error {
	if !m.IsMapped() {
		return nil
	}
	if err := madviseRegion(m.mem, h); err != nil {
		return fmt.Errorf("mapper: madvise %s: %w", m.path, err)
	}
	return nil
}

func roundUp(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	return ((n + align - 1) / align) * align
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
