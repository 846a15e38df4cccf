// Package sectorbuf provides a dynamically growing, randomly addressable
// in-memory byte store.
//
// A [Buffer] emulates the storage backing of a single file without ever
// allocating one large contiguous slice up front. Memory is allocated
// lazily in fixed-size sectors ([SectorSize] bytes), so a file that is
// large but mostly unwritten costs memory proportional to the bytes
// actually touched. Unwritten regions read as zeros.
//
// # Concurrency
//
// All operations on one Buffer are serialized by a single mutex: reads,
// writes, truncation, size queries, snapshots and Free are mutually
// exclusive and linearizable. Two overlapping writes produce a result
// consistent with one or the other executing first, never a torn sector.
//
// # Lifecycle
//
// A Buffer is Live until [Buffer.Free] is called, and Freed forever after.
// Every operation on a freed buffer fails with [ErrFreed]; the error
// carries the call site of the Free, so lifecycle bugs in callers
// (double-free, use-past-close) fail loudly and attributably instead of
// silently reading zeros or corrupting memory.
package sectorbuf

import (
	"fmt"
	"iter"
	"runtime"
	"sync"

	"github.com/google/btree"
)

// SectorSize is the fixed size of every sector in bytes.
//
// All sector-boundary arithmetic in consumers must agree with this value.
// It is not configurable per instance.
const SectorSize = 1024

// zeroSector backs every unallocated gap. It is shared across all buffers
// and must never be written through.
var zeroSector = make([]byte, SectorSize)

// sector is one entry in the ordered sector map. Index i covers the
// logical byte range [i*SectorSize, (i+1)*SectorSize).
type sector struct {
	idx  int64
	data []byte
}

func sectorLess(a, b sector) bool {
	return a.idx < b.idx
}

// Buffer is a sparse in-memory byte store addressed by byte offset.
//
// The zero value is not usable; construct with [New]. A Buffer must not
// be copied after first use.
type Buffer struct {
	mu      sync.Mutex
	sectors *btree.BTreeG[sector] // nil once freed
	size    int64
	freed   *FreedError // nil while live
}

// New returns an empty, live Buffer of logical size 0.
func New() *Buffer {
	return &Buffer{
		sectors: btree.NewG(8, sectorLess),
	}
}

// WriteAt copies p into the buffer at byte offset off, lazily allocating
// every sector the range [off, off+len(p)) touches. A single write may
// span any number of sectors.
//
// The logical size grows to off+len(p) if the write ends past it; writes
// never shrink the size.
func (b *Buffer) WriteAt(p []byte, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return b.freed
	}

	if off < 0 {
		return fmt.Errorf("%w: negative write offset %d", ErrInvalidInput, off)
	}

	if end := off + int64(len(p)); end > b.size {
		b.size = end
	}

	b.writeLocked(p, off)

	return nil
}

// Append writes p starting at the current logical size and grows it by
// len(p), returning the offset the data landed at.
//
// The size read and the write happen in one critical section, so
// concurrent appenders from different callers interleave without ever
// overwriting each other, like O_APPEND on a real file.
func (b *Buffer) Append(p []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return 0, b.freed
	}

	off := b.size
	b.size = off + int64(len(p))

	b.writeLocked(p, off)

	return off, nil
}

// writeLocked copies p into the sector map at off, allocating sectors
// as needed. Must be called with b.mu held; does not touch b.size.
func (b *Buffer) writeLocked(p []byte, off int64) {
	idx := off / SectorSize
	pos := int(off % SectorSize)

	for len(p) > 0 {
		n := copy(b.getOrCreateSector(idx)[pos:], p)
		p = p[n:]
		pos = 0
		idx++
	}
}

// ReadAt fills p with the buffer's contents starting at byte offset off.
// Sectors that were never written read as zeros.
//
// ReadAt deliberately does not bounds-check against the logical size:
// reading past it is permitted and yields zeros, matching the semantics
// of reading unwritten regions of a sparse file.
func (b *Buffer) ReadAt(p []byte, off int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return b.freed
	}

	if off < 0 {
		return fmt.Errorf("%w: negative read offset %d", ErrInvalidInput, off)
	}

	idx := off / SectorSize
	pos := int(off % SectorSize)

	for len(p) > 0 {
		data := zeroSector
		if s, ok := b.sectors.Get(sector{idx: idx}); ok {
			data = s.data
		}

		n := copy(p, data[pos:])
		p = p[n:]
		pos = 0
		idx++
	}

	return nil
}

// Size returns the current logical size in bytes.
func (b *Buffer) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return 0, b.freed
	}

	return b.size, nil
}

// Truncate sets the logical size to n.
//
// When shrinking, the tail of the sector straddling the new size is
// zero-filled and every sector entirely beyond it is discarded, so stale
// bytes can never resurface if the file later grows back into that
// region. Growing via Truncate allocates nothing; the newly exposed
// region reads as zeros like any other gap.
func (b *Buffer) Truncate(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return b.freed
	}

	if n < 0 {
		return fmt.Errorf("%w: negative truncate size %d", ErrInvalidInput, n)
	}

	b.size = n

	// The boundary sector is the one containing byte n-1. For n == 0
	// there is none and every sector is trailing.
	boundary := int64(-1)
	if n > 0 {
		boundary = (n - 1) / SectorSize

		if s, ok := b.sectors.Get(sector{idx: boundary}); ok {
			from := int(n - boundary*SectorSize)
			if from < SectorSize {
				clear(s.data[from:])
			}
		}
	}

	var trailing []sector

	b.sectors.AscendGreaterOrEqual(sector{idx: boundary + 1}, func(s sector) bool {
		trailing = append(trailing, s)

		return true
	})

	for _, s := range trailing {
		b.sectors.Delete(s)
	}

	return nil
}

// Snapshot returns an independent point-in-time copy of the buffer.
//
// Every allocated sector is deep-copied and the logical size is taken in
// the same critical section, so the result is consistent even if another
// goroutine writes to the source the instant Snapshot returns. No later
// operation on either buffer affects the other.
func (b *Buffer) Snapshot() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return nil, b.freed
	}

	dup := New()
	dup.size = b.size

	b.sectors.Ascend(func(s sector) bool {
		data := make([]byte, SectorSize)
		copy(data, s.data)
		dup.sectors.ReplaceOrInsert(sector{idx: s.idx, data: data})

		return true
	})

	return dup, nil
}

// Free releases the buffer's memory and marks it unusable.
//
// The transition is one-way: every subsequent operation, including a
// second Free, fails with [ErrFreed] pointing at this call site. A new
// Buffer must be constructed to get a fresh store.
func (b *Buffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return b.freed
	}

	b.sectors = nil
	b.freed = &FreedError{FreedAt: callSite()}

	return nil
}

// Sectors returns a lazy sequence of sector-sized views ordered by
// ascending sector index, from index 0 through the last allocated
// sector. Gaps yield a shared all-zero sector instead of allocating one.
// If nothing was ever allocated the sequence is empty.
//
// The views are read-only: gap sectors share one immutable zero block
// across all buffers, and allocated sectors are the buffer's own memory.
// Each call constructs a fresh sequence over the state at call time; the
// sequence ends early if the buffer is freed mid-iteration.
func (b *Buffer) Sectors() (iter.Seq[[]byte], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return nil, b.freed
	}

	seq := func(yield func([]byte) bool) {
		for idx := int64(0); ; idx++ {
			b.mu.Lock()

			if b.freed != nil {
				b.mu.Unlock()

				return
			}

			last, ok := b.sectors.Max()
			if !ok || idx > last.idx {
				b.mu.Unlock()

				return
			}

			data := zeroSector
			if s, ok := b.sectors.Get(sector{idx: idx}); ok {
				data = s.data
			}

			b.mu.Unlock()

			if !yield(data) {
				return
			}
		}
	}

	return seq, nil
}

// AllocatedSectors returns the number of sectors currently backed by
// real memory. Useful for asserting that sparse writes and truncation
// actually release or avoid allocations.
func (b *Buffer) AllocatedSectors() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed != nil {
		return 0, b.freed
	}

	return b.sectors.Len(), nil
}

// getOrCreateSector must be called with b.mu held.
func (b *Buffer) getOrCreateSector(idx int64) []byte {
	if s, ok := b.sectors.Get(sector{idx: idx}); ok {
		return s.data
	}

	data := make([]byte, SectorSize)
	b.sectors.ReplaceOrInsert(sector{idx: idx, data: data})

	return data
}

// callSite identifies the caller of the exported function two frames up.
func callSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}

	return fmt.Sprintf("%s:%d", file, line)
}
