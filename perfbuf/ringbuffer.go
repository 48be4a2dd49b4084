//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package perfbuf memory-maps a single perf_event_open ring buffer and
// exposes wrap-aware reads over it. It is deliberately the lowest-level,
// most frequently executed code in the tracing core: every record
// PerfSession decodes passes through here first.
package perfbuf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RecordHeader is the 8-byte perf_event_header every ring buffer record
// begins with.
type RecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// mmapMeta mirrors the fixed-layout prefix of struct perf_event_mmap_page:
// a large reserved region (version, lock, timing fields the kernel uses for
// enable/disable accounting, none of which this core consults) followed by
// the four fields that matter to a ring consumer. Matches the layout used
// throughout the ecosystem's perf ring readers.
type mmapMeta struct {
	_          [128]uint64
	dataHead   uint64
	dataTail   uint64
	dataOffset uint64
	dataSize   uint64
}

// RingBuffer wraps one mmap'd kernel ring buffer. The kernel writes head;
// we write tail. Invariants: tail <= head, head - tail <= size, size is a
// power of two.
type RingBuffer struct {
	fd   int
	mmap []byte
	meta *mmapMeta
	data []byte

	size    uint64
	mask    uint64
	log2Sz  uint
	tail    uint64
	lastErr error
}

// Open mmaps fd's ring buffer. dataPages must be a power of two; the mapping
// is one metadata page plus dataPages data pages, per perf_event_open(2).
func Open(fd int, dataPages int) (*RingBuffer, error) {
	if dataPages <= 0 || dataPages&(dataPages-1) != 0 {
		return nil, fmt.Errorf("perfbuf: dataPages %d is not a positive power of two", dataPages)
	}
	pageSize := unix.Getpagesize()
	totalSize := (1 + dataPages) * pageSize
	mmap, err := unix.Mmap(fd, 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("perfbuf: mmap fd %d: %w", fd, err)
	}
	meta := (*mmapMeta)(metaPointer(mmap))
	size := uint64(dataPages) * uint64(pageSize)
	rb := &RingBuffer{
		fd:     fd,
		mmap:   mmap,
		meta:   meta,
		data:   mmap[meta.dataOffset : meta.dataOffset+meta.dataSize],
		size:   size,
		mask:   size - 1,
		log2Sz: log2(size),
		tail:   atomic.LoadUint64(&meta.dataTail),
	}
	return rb, nil
}

// Close unmaps the ring buffer. It does not close fd.
func (rb *RingBuffer) Close() error {
	return unix.Munmap(rb.mmap)
}

// head reads the kernel-written producer index with acquire semantics.
func (rb *RingBuffer) head() uint64 {
	return atomic.LoadUint64(&rb.meta.dataHead)
}

// commitTail publishes our consumer index with release semantics, so the
// kernel never observes a tail advance before the corresponding read it
// guards has completed.
func (rb *RingBuffer) commitTail() {
	atomic.StoreUint64(&rb.meta.dataTail, rb.tail)
}

// HasNewRecord reports whether at least one full record header is available.
func (rb *RingBuffer) HasNewRecord() bool {
	return rb.head()-rb.tail >= 8
}

// Overrun reports whether the kernel has overwritten data we had not yet
// consumed: head advanced so far past tail that the unread region exceeds
// the buffer's capacity.
func (rb *RingBuffer) Overrun() bool {
	return rb.head()-rb.tail > rb.size
}

// index maps an absolute ring offset to a byte index in data, using the
// power-of-two ring size so index&(size-1) replaces a modulo; this runs
// once per record, for every record in the capture.
func (rb *RingBuffer) index(off uint64) uint64 {
	return off & rb.mask
}

// ReadHeader copies the header of the record at the current tail into a
// local struct. It asserts the record is fully present and has a non-zero
// type; violating either is a programming error in the
// caller's accounting, not a transient condition, so it panics rather than
// returning a sentinel the caller might ignore.
func (rb *RingBuffer) ReadHeader() RecordHeader {
	var raw [8]byte
	if err := rb.readRawAt(rb.tail, raw[:]); err != nil {
		panic(fmt.Sprintf("perfbuf: read_header: %v", err))
	}
	h := RecordHeader{
		Type: binary.LittleEndian.Uint32(raw[0:4]),
		Misc: binary.LittleEndian.Uint16(raw[4:6]),
		Size: binary.LittleEndian.Uint16(raw[6:8]),
	}
	if h.Type == 0 {
		panic("perfbuf: read_header: record type is zero")
	}
	if rb.tail+uint64(h.Size) > rb.head() {
		panic("perfbuf: read_header: record not fully present")
	}
	return h
}

// ReadValueAtOffset copies a fixed-width little-endian value out of the
// record currently at tail, at byte offset off from the record's start, into
// v (which must be a pointer to a fixed-size integer type).
func (rb *RingBuffer) ReadValueAtOffset(v interface{}, off uint64) error {
	switch p := v.(type) {
	case *uint8:
		var b [1]byte
		if err := rb.readRawAt(rb.tail+off, b[:]); err != nil {
			return err
		}
		*p = b[0]
	case *uint16:
		var b [2]byte
		if err := rb.readRawAt(rb.tail+off, b[:]); err != nil {
			return err
		}
		*p = binary.LittleEndian.Uint16(b[:])
	case *uint32:
		var b [4]byte
		if err := rb.readRawAt(rb.tail+off, b[:]); err != nil {
			return err
		}
		*p = binary.LittleEndian.Uint32(b[:])
	case *uint64:
		var b [8]byte
		if err := rb.readRawAt(rb.tail+off, b[:]); err != nil {
			return err
		}
		*p = binary.LittleEndian.Uint64(b[:])
	default:
		return fmt.Errorf("perfbuf: read_value_at_offset: unsupported type %T", v)
	}
	return nil
}

// ReadRawAtOffset copies count bytes from offset off (relative to the
// current record's start) into dest.
func (rb *RingBuffer) ReadRawAtOffset(dest []byte, off uint64, count int) error {
	if uint64(count) > rb.size {
		return fmt.Errorf("perfbuf: read_raw_at_offset: count %d exceeds ring size %d", count, rb.size)
	}
	return rb.readRawAt(rb.tail+off, dest[:count])
}

// readRawAt copies len(dest) bytes starting at absolute ring offset start,
// performing the two-part copy needed when the read spans the wrap point.
func (rb *RingBuffer) readRawAt(start uint64, dest []byte) error {
	n := uint64(len(dest))
	if n > rb.size {
		return fmt.Errorf("perfbuf: read of %d bytes exceeds ring size %d", n, rb.size)
	}
	begin := rb.index(start)
	if begin+n <= rb.size {
		copy(dest, rb.data[begin:begin+n])
		return nil
	}
	firstPart := rb.size - begin
	copy(dest[:firstPart], rb.data[begin:])
	copy(dest[firstPart:], rb.data[:n-firstPart])
	return nil
}

// SkipRecord advances tail past the record described by header, publishing
// the new tail with release semantics.
func (rb *RingBuffer) SkipRecord(header RecordHeader) {
	rb.tail += uint64(header.Size)
	rb.commitTail()
}

// ConsumeRecord reads the record described by header into dst (which must be
// exactly len(dst) == header.Size bytes) and then skips it.
func (rb *RingBuffer) ConsumeRecord(header RecordHeader, dst []byte) error {
	if len(dst) != int(header.Size) {
		return fmt.Errorf("perfbuf: consume_record: dst has %d bytes, record has %d", len(dst), header.Size)
	}
	if err := rb.readRawAt(rb.tail, dst); err != nil {
		return err
	}
	rb.SkipRecord(header)
	return nil
}

func log2(n uint64) uint {
	var l uint
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
