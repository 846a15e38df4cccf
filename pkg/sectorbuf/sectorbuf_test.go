package sectorbuf_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/memfs/pkg/sectorbuf"
)

// pattern returns n bytes of a deterministic non-zero pattern derived
// from seed, so stale or shifted bytes are detectable in round trips.
func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251) + 1
	}

	return p
}

func readAll(t *testing.T, b *sectorbuf.Buffer, off int64, n int) []byte {
	t.Helper()

	p := make([]byte, n)
	if err := b.ReadAt(p, off); err != nil {
		t.Fatalf("ReadAt(off=%d, n=%d): %v", off, n, err)
	}

	return p
}

func Test_Read_Returns_Zeros_For_Unwritten_Regions(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	offsets := []int64{0, 1, 1023, 1024, 4096, 1 << 20, 1 << 40}
	for _, off := range offsets {
		got := readAll(t, buf, off, 3000)
		if !bytes.Equal(got, make([]byte, 3000)) {
			t.Fatalf("read at offset %d: expected all zeros", off)
		}
	}

	// None of those reads may have allocated anything.
	allocated, err := buf.AllocatedSectors()
	if err != nil {
		t.Fatalf("AllocatedSectors: %v", err)
	}

	if allocated != 0 {
		t.Fatalf("reads allocated %d sectors, want 0", allocated)
	}
}

func Test_Write_Read_Round_Trips_At_Arbitrary_Offsets(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		off  int64
		n    int
	}{
		{name: "AtZero", off: 0, n: 10},
		{name: "InsideFirstSector", off: 100, n: 200},
		{name: "ExactlyOneSector", off: 0, n: sectorbuf.SectorSize},
		{name: "StraddlingSectorBoundary", off: sectorbuf.SectorSize - 7, n: 14},
		{name: "FarFromOrigin", off: 1 << 30, n: 500},
		{name: "EndingAtSectorBoundary", off: 512, n: 512},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			buf := sectorbuf.New()
			want := pattern(tc.n, 42)

			if err := buf.WriteAt(want, tc.off); err != nil {
				t.Fatalf("WriteAt: %v", err)
			}

			if got := readAll(t, buf, tc.off, tc.n); !bytes.Equal(got, want) {
				t.Fatalf("round trip mismatch at offset %d", tc.off)
			}
		})
	}
}

func Test_Write_Spanning_Three_Sectors_Round_Trips(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	// Starts inside sector 1, ends inside sector 3: exercises the
	// residual carry across two boundaries.
	off := int64(sectorbuf.SectorSize + 300)
	want := pattern(2*sectorbuf.SectorSize+100, 7)

	if err := buf.WriteAt(want, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if got := readAll(t, buf, off, len(want)); !bytes.Equal(got, want) {
		t.Fatal("cross-sector round trip mismatch")
	}

	// Bytes before the write are still zero.
	if got := readAll(t, buf, 0, int(off)); !bytes.Equal(got, make([]byte, off)) {
		t.Fatal("bytes before the written range are not zero")
	}
}

func Test_Append_Writes_At_Current_Size(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	off, err := buf.Append([]byte("abc"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if off != 0 {
		t.Fatalf("first append offset = %d, want 0", off)
	}

	off, err = buf.Append([]byte("def"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if off != 3 {
		t.Fatalf("second append offset = %d, want 3", off)
	}

	if got := readAll(t, buf, 0, 6); !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("contents = %q, want %q", got, "abcdef")
	}

	// After growing via Truncate, appends land at the new size, past
	// the zero gap.
	if err := buf.Truncate(2 * sectorbuf.SectorSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	off, err = buf.Append([]byte("tail"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if off != 2*sectorbuf.SectorSize {
		t.Fatalf("append offset after growth = %d, want %d", off, 2*sectorbuf.SectorSize)
	}

	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 2*sectorbuf.SectorSize+4 {
		t.Fatalf("size = %d, want %d", n, 2*sectorbuf.SectorSize+4)
	}
}

func Test_Size_Grows_With_Writes_And_Never_Shrinks_On_Write(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	size := func() int64 {
		t.Helper()

		n, err := buf.Size()
		if err != nil {
			t.Fatalf("Size: %v", err)
		}

		return n
	}

	if size() != 0 {
		t.Fatalf("fresh buffer size = %d, want 0", size())
	}

	if err := buf.WriteAt(pattern(100, 1), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if size() != 100 {
		t.Fatalf("size = %d, want 100", size())
	}

	if err := buf.WriteAt(pattern(50, 2), 5000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if size() != 5050 {
		t.Fatalf("size = %d, want 5050", size())
	}

	// A write entirely inside the current size leaves it unchanged.
	if err := buf.WriteAt(pattern(10, 3), 200); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if size() != 5050 {
		t.Fatalf("size = %d after interior write, want 5050", size())
	}
}

func Test_Operations_Reject_Negative_Arguments(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(600, 9), 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.WriteAt([]byte("x"), -1); !errors.Is(err, sectorbuf.ErrInvalidInput) {
		t.Fatalf("WriteAt(-1) = %v, want ErrInvalidInput", err)
	}

	if err := buf.ReadAt(make([]byte, 1), -1); !errors.Is(err, sectorbuf.ErrInvalidInput) {
		t.Fatalf("ReadAt(-1) = %v, want ErrInvalidInput", err)
	}

	if err := buf.Truncate(-1); !errors.Is(err, sectorbuf.ErrInvalidInput) {
		t.Fatalf("Truncate(-1) = %v, want ErrInvalidInput", err)
	}

	// Failed calls must leave the buffer exactly as it was.
	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 700 {
		t.Fatalf("size = %d after rejected calls, want 700", n)
	}

	if got := readAll(t, buf, 100, 600); !bytes.Equal(got, pattern(600, 9)) {
		t.Fatal("contents changed by rejected calls")
	}
}

func Test_Truncate_Zero_Fills_Partial_Sector_Tail(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	// Fully occupy two sectors with non-zero data, then cut into the
	// middle of the second one.
	if err := buf.WriteAt(pattern(2*sectorbuf.SectorSize, 5), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(1536); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 1536 {
		t.Fatalf("size = %d, want 1536", n)
	}

	if got := readAll(t, buf, 0, 1536); !bytes.Equal(got, pattern(2*sectorbuf.SectorSize, 5)[:1536]) {
		t.Fatal("bytes below the new size changed")
	}

	if got := readAll(t, buf, 1536, 512); !bytes.Equal(got, make([]byte, 512)) {
		t.Fatal("tail of the boundary sector was not zero-filled")
	}
}

func Test_Truncate_Discards_Trailing_Sectors(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(10*sectorbuf.SectorSize, 3), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	allocated, err := buf.AllocatedSectors()
	if err != nil {
		t.Fatalf("AllocatedSectors: %v", err)
	}

	if allocated != 1 {
		t.Fatalf("%d sectors allocated after truncate, want 1", allocated)
	}

	// Growing back past the discarded region must not resurrect the
	// old bytes.
	if err := buf.WriteAt([]byte{0xFF}, 8*sectorbuf.SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if got := readAll(t, buf, 2*sectorbuf.SectorSize, sectorbuf.SectorSize); !bytes.Equal(got, make([]byte, sectorbuf.SectorSize)) {
		t.Fatal("discarded sector contents resurfaced after regrowth")
	}
}

func Test_Truncate_To_Zero_Discards_Everything(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(3000, 8), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	allocated, err := buf.AllocatedSectors()
	if err != nil {
		t.Fatalf("AllocatedSectors: %v", err)
	}

	if allocated != 0 {
		t.Fatalf("%d sectors allocated after truncate to 0, want 0", allocated)
	}

	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 0 {
		t.Fatalf("size = %d, want 0", n)
	}
}

func Test_Truncate_At_Exact_Sector_Boundary_Keeps_Boundary_Sector_Intact(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()
	want := pattern(2*sectorbuf.SectorSize, 6)

	if err := buf.WriteAt(want, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(sectorbuf.SectorSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if got := readAll(t, buf, 0, sectorbuf.SectorSize); !bytes.Equal(got, want[:sectorbuf.SectorSize]) {
		t.Fatal("boundary sector was zero-filled on an exact-boundary truncate")
	}

	if got := readAll(t, buf, sectorbuf.SectorSize, sectorbuf.SectorSize); !bytes.Equal(got, make([]byte, sectorbuf.SectorSize)) {
		t.Fatal("sector beyond the boundary still has data")
	}
}

func Test_Truncate_To_Grow_Exposes_Zeros_Without_Allocating(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(100, 4), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(1 << 20); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 1<<20 {
		t.Fatalf("size = %d, want %d", n, 1<<20)
	}

	allocated, err := buf.AllocatedSectors()
	if err != nil {
		t.Fatalf("AllocatedSectors: %v", err)
	}

	if allocated != 1 {
		t.Fatalf("truncate-to-grow allocated sectors: %d, want 1", allocated)
	}

	if got := readAll(t, buf, 100, 2000); !bytes.Equal(got, make([]byte, 2000)) {
		t.Fatal("region exposed by growth is not zero")
	}
}

func Test_Snapshot_Is_Independent_Of_Source(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()
	original := pattern(3*sectorbuf.SectorSize, 11)

	if err := buf.WriteAt(original, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	dup, err := buf.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Mutate the source in both directions: overwrite and truncate.
	if err := buf.WriteAt(bytes.Repeat([]byte{0xAA}, 100), 50); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	dupSize, err := dup.Size()
	if err != nil {
		t.Fatalf("dup.Size: %v", err)
	}

	if dupSize != int64(len(original)) {
		t.Fatalf("dup size = %d, want %d", dupSize, len(original))
	}

	if got := readAll(t, dup, 0, len(original)); !bytes.Equal(got, original) {
		t.Fatal("mutating the source changed the snapshot")
	}

	// And the other way: mutating the snapshot leaves the source alone.
	if err := dup.WriteAt([]byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("dup.WriteAt: %v", err)
	}

	srcSize, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if srcSize != 10 {
		t.Fatalf("source size = %d after snapshot mutation, want 10", srcSize)
	}
}

func Test_Snapshot_Preserves_Sparse_Layout(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(10, 1), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.WriteAt(pattern(10, 2), 5*sectorbuf.SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	dup, err := buf.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	srcAllocated, err := buf.AllocatedSectors()
	if err != nil {
		t.Fatalf("AllocatedSectors: %v", err)
	}

	dupAllocated, err := dup.AllocatedSectors()
	if err != nil {
		t.Fatalf("dup.AllocatedSectors: %v", err)
	}

	if diff := cmp.Diff(srcAllocated, dupAllocated); diff != "" {
		t.Fatalf("allocated sector counts differ (-src +dup):\n%s", diff)
	}

	if got, want := readAll(t, dup, 5*sectorbuf.SectorSize, 10), pattern(10, 2); !bytes.Equal(got, want) {
		t.Fatal("snapshot lost sparse sector contents")
	}
}

func Test_Free_Makes_Every_Operation_Fail(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	if err := buf.WriteAt(pattern(10, 1), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}

	operations := map[string]func() error{
		"WriteAt": func() error { return buf.WriteAt([]byte{1}, 0) },
		"Append": func() error {
			_, err := buf.Append([]byte{1})

			return err
		},
		"ReadAt":  func() error { return buf.ReadAt(make([]byte, 1), 0) },
		"Size": func() error {
			_, err := buf.Size()

			return err
		},
		"Truncate": func() error { return buf.Truncate(0) },
		"Snapshot": func() error {
			_, err := buf.Snapshot()

			return err
		},
		"Sectors": func() error {
			_, err := buf.Sectors()

			return err
		},
		"AllocatedSectors": func() error {
			_, err := buf.AllocatedSectors()

			return err
		},
		"Free": func() error { return buf.Free() },
	}

	for name, op := range operations {
		err := op()
		if !errors.Is(err, sectorbuf.ErrFreed) {
			t.Fatalf("%s after Free = %v, want ErrFreed", name, err)
		}

		var freedErr *sectorbuf.FreedError
		if !errors.As(err, &freedErr) {
			t.Fatalf("%s after Free: error is not a *FreedError: %v", name, err)
		}

		if !strings.Contains(freedErr.FreedAt, "sectorbuf_test.go") {
			t.Fatalf("%s after Free: provenance %q does not point at the Free call site", name, freedErr.FreedAt)
		}
	}
}

func Test_Empty_Buffer_Has_Empty_Sector_Sequence_And_Zero_Size(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	seq, err := buf.Sectors()
	if err != nil {
		t.Fatalf("Sectors: %v", err)
	}

	for range seq {
		t.Fatal("empty buffer yielded a sector")
	}

	n, err := buf.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if n != 0 {
		t.Fatalf("size = %d, want 0", n)
	}
}

func Test_Sectors_Yields_Shared_Zero_View_For_Gaps(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	first := pattern(sectorbuf.SectorSize, 1)
	third := pattern(sectorbuf.SectorSize, 2)

	if err := buf.WriteAt(first, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.WriteAt(third, 2*sectorbuf.SectorSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	seq, err := buf.Sectors()
	if err != nil {
		t.Fatalf("Sectors: %v", err)
	}

	var views [][]byte
	for view := range seq {
		if len(view) != sectorbuf.SectorSize {
			t.Fatalf("view length = %d, want %d", len(view), sectorbuf.SectorSize)
		}

		views = append(views, view)
	}

	if len(views) != 3 {
		t.Fatalf("got %d sectors, want 3 (last allocated index is 2)", len(views))
	}

	if !bytes.Equal(views[0], first) {
		t.Fatal("sector 0 view mismatch")
	}

	if !bytes.Equal(views[1], make([]byte, sectorbuf.SectorSize)) {
		t.Fatal("gap sector view is not all zero")
	}

	if !bytes.Equal(views[2], third) {
		t.Fatal("sector 2 view mismatch")
	}
}

func Test_Sectors_Stops_After_Last_Allocated_Sector(t *testing.T) {
	t.Parallel()

	buf := sectorbuf.New()

	// Size extends past the last allocated sector; iteration is bounded
	// by allocation, not logical size.
	if err := buf.WriteAt(pattern(10, 1), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := buf.Truncate(100 * sectorbuf.SectorSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	seq, err := buf.Sectors()
	if err != nil {
		t.Fatalf("Sectors: %v", err)
	}

	count := 0
	for range seq {
		count++
	}

	if count != 1 {
		t.Fatalf("iterated %d sectors, want 1", count)
	}
}
