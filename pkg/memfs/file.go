package memfs

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/calvinalkan/memfs/pkg/fs"
)

// errWriteAtInAppendMode mirrors the os package's refusal to combine
// WriteAt with O_APPEND.
var errWriteAtInAppendMode = errors.New("memfs: invalid use of WriteAt on file opened with O_APPEND")

// memFile is an open handle into a [Mem] tree. Each handle has its own
// position; the underlying buffer serializes the actual byte transfers.
type memFile struct {
	fs   *Mem
	node *node
	name string
	fd   uint64
	flag int

	mu      sync.Mutex
	pos     int64
	closed  bool
	flocked bool
}

func (f *memFile) readable() bool {
	return f.flag&os.O_WRONLY == 0
}

func (f *memFile) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *memFile) size() (int64, error) {
	return f.node.buf.Size()
}

// touch updates the node's modification time.
func (f *memFile) touch() {
	f.fs.mu.Lock()
	f.node.modTime = time.Now()
	f.fs.mu.Unlock()
}

func (f *memFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("read", f.name, os.ErrClosed)
	}

	if f.node.dir {
		return 0, pathErr("read", f.name, syscall.EISDIR)
	}

	if !f.readable() {
		return 0, pathErr("read", f.name, syscall.EBADF)
	}

	size, err := f.size()
	if err != nil {
		return 0, pathErr("read", f.name, err)
	}

	if f.pos >= size {
		return 0, io.EOF
	}

	n := len(p)
	if remaining := size - f.pos; int64(n) > remaining {
		n = int(remaining)
	}

	if err := f.node.buf.ReadAt(p[:n], f.pos); err != nil {
		return 0, pathErr("read", f.name, err)
	}

	f.pos += int64(n)

	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("read", f.name, os.ErrClosed)
	}

	if f.node.dir {
		return 0, pathErr("read", f.name, syscall.EISDIR)
	}

	if !f.readable() {
		return 0, pathErr("read", f.name, syscall.EBADF)
	}

	if off < 0 {
		return 0, pathErr("read", f.name, syscall.EINVAL)
	}

	size, err := f.size()
	if err != nil {
		return 0, pathErr("read", f.name, err)
	}

	if off >= size {
		return 0, io.EOF
	}

	n := len(p)
	if remaining := size - off; int64(n) > remaining {
		n = int(remaining)
	}

	if err := f.node.buf.ReadAt(p[:n], off); err != nil {
		return 0, pathErr("read", f.name, err)
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("write", f.name, os.ErrClosed)
	}

	if !f.writable() {
		return 0, pathErr("write", f.name, syscall.EBADF)
	}

	if f.flag&os.O_APPEND != 0 {
		// Offset resolution and the write must be one atomic step:
		// reading the size separately would let two appending handles
		// land on the same offset and lose one of the writes.
		off, err := f.node.buf.Append(p)
		if err != nil {
			return 0, pathErr("write", f.name, err)
		}

		f.pos = off + int64(len(p))
		f.touch()

		return len(p), nil
	}

	if err := f.node.buf.WriteAt(p, f.pos); err != nil {
		return 0, pathErr("write", f.name, err)
	}

	f.pos += int64(len(p))
	f.touch()

	return len(p), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("write", f.name, os.ErrClosed)
	}

	if !f.writable() {
		return 0, pathErr("write", f.name, syscall.EBADF)
	}

	if f.flag&os.O_APPEND != 0 {
		return 0, errWriteAtInAppendMode
	}

	if off < 0 {
		return 0, pathErr("write", f.name, syscall.EINVAL)
	}

	if err := f.node.buf.WriteAt(p, off); err != nil {
		return 0, pathErr("write", f.name, err)
	}

	f.touch()

	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, pathErr("seek", f.name, os.ErrClosed)
	}

	if f.node.dir {
		return 0, pathErr("seek", f.name, syscall.EISDIR)
	}

	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		size, err := f.size()
		if err != nil {
			return 0, pathErr("seek", f.name, err)
		}

		base = size
	default:
		return 0, pathErr("seek", f.name, syscall.EINVAL)
	}

	pos := base + offset
	if pos < 0 {
		return 0, pathErr("seek", f.name, syscall.EINVAL)
	}

	// Seeking past EOF is legal; a later write there leaves a
	// zero-filled gap, exactly like a sparse file.
	f.pos = pos

	return pos, nil
}

func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("truncate", f.name, os.ErrClosed)
	}

	if f.node.dir {
		return pathErr("truncate", f.name, syscall.EISDIR)
	}

	if !f.writable() {
		return pathErr("truncate", f.name, syscall.EINVAL)
	}

	if size < 0 {
		return pathErr("truncate", f.name, syscall.EINVAL)
	}

	if err := f.node.buf.Truncate(size); err != nil {
		return pathErr("truncate", f.name, err)
	}

	f.touch()

	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, pathErr("stat", f.name, os.ErrClosed)
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	info, err := f.fs.infoLocked(f.name, f.node)
	if err != nil {
		return nil, pathErr("stat", f.name, err)
	}

	return info, nil
}

// Sync is a no-op: there is no stable storage to flush to.
func (f *memFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("sync", f.name, os.ErrClosed)
	}

	return nil
}

func (f *memFile) Chmod(mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("chmod", f.name, os.ErrClosed)
	}

	f.fs.mu.Lock()
	f.node.mode = mode.Perm()
	f.fs.mu.Unlock()

	return nil
}

// Fd returns the synthetic descriptor number of this handle. It is not
// an OS file descriptor; see [fs.File].
func (f *memFile) Fd() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ^uintptr(0)
	}

	return uintptr(f.fd)
}

func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("close", f.name, os.ErrClosed)
	}

	f.closed = true

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.flocked {
		f.flocked = false

		if f.node.lockOwner == f {
			f.node.lockOwner = nil
		}
	}

	f.node.handles--

	if f.node.unlinked && f.node.handles == 0 && !f.node.dir {
		if err := f.node.buf.Free(); err != nil {
			return pathErr("close", f.name, err)
		}
	}

	return nil
}

// TryFlock implements [fs.Flocker] with in-memory advisory locking.
// The lock is exclusive per file and follows the handle: Close releases
// it, like flock(2).
func (f *memFile) TryFlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("flock", f.name, os.ErrClosed)
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	switch f.node.lockOwner {
	case nil:
		f.node.lockOwner = f
		f.flocked = true

		return nil
	case f:
		return nil
	default:
		return fs.ErrWouldBlock
	}
}

// Funlock implements [fs.Flocker]. Unlocking a handle that holds no
// lock is a no-op, like flock(2) with LOCK_UN.
func (f *memFile) Funlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return pathErr("funlock", f.name, os.ErrClosed)
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.node.lockOwner == f {
		f.node.lockOwner = nil
		f.flocked = false
	}

	return nil
}

// Compile-time interface checks.
var (
	_ fs.File    = (*memFile)(nil)
	_ fs.Flocker = (*memFile)(nil)
)
