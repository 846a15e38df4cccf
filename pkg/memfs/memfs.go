// Package memfs implements the [fs.FS] abstraction entirely in volatile
// memory.
//
// Every file's bytes live in a [sectorbuf.Buffer], so large files that
// are mostly unwritten cost memory proportional to the bytes actually
// touched, and sector-level semantics (lazy allocation, zero-filled
// gaps, truncation) behave like a sparse disk file.
//
// Mem is a stand-in for a real disk in tests of storage code: same
// os-like flags, errors, and positional I/O, no hardware, no cleanup.
// [Mem.Snapshot] produces a consistent point-in-time copy of the whole
// tree, which makes before/after comparisons and restore points cheap.
//
// Paths are normalized to slash-separated absolute paths; relative
// paths are interpreted as rooted at "/".
package memfs

import (
	"iter"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	iofs "io/fs"

	"github.com/calvinalkan/memfs/pkg/fs"
	"github.com/calvinalkan/memfs/pkg/sectorbuf"
)

// Mem is an in-memory filesystem. Construct with [New].
//
// Mem is safe for concurrent use. The directory tree is guarded by one
// mutex; file contents are guarded by each file's own buffer lock.
type Mem struct {
	mu     sync.Mutex
	nodes  map[string]*node
	nextFd uint64
}

// node is a file or directory in the tree. Guarded by Mem.mu except for
// buf, which has its own lock.
type node struct {
	dir       bool
	mode      os.FileMode
	modTime   time.Time
	buf       *sectorbuf.Buffer // files only
	handles   int
	unlinked  bool
	lockOwner *memFile
}

// New returns an empty in-memory filesystem containing only the root
// directory "/".
func New() *Mem {
	return &Mem{
		nodes: map[string]*node{
			"/": {dir: true, mode: 0o755, modTime: time.Now()},
		},
		// Far away from any real descriptor, so accidental use of a
		// synthetic fd with a syscall fails loudly.
		nextFd: 1 << 30,
	}
}

// normalize converts p to the canonical slash-separated absolute form
// used as the tree key.
func normalize(p string) string {
	p = strings.ReplaceAll(p, string(os.PathSeparator), "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p)
}

func pathErr(op, p string, err error) error {
	return &iofs.PathError{Op: op, Path: p, Err: err}
}

// Open opens the named file for reading.
func (m *Mem) Open(p string) (fs.File, error) {
	return m.OpenFile(p, os.O_RDONLY, 0)
}

// Create creates or truncates the named file, open for reading and
// writing.
func (m *Mem) Create(p string) (fs.File, error) {
	return m.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens the named file with os-like flag semantics.
func (m *Mem) OpenFile(p string, flag int, perm os.FileMode) (fs.File, error) {
	np := normalize(p)
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]

	switch {
	case ok && n.dir:
		if writable {
			return nil, pathErr("open", p, syscall.EISDIR)
		}

	case ok:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, pathErr("open", p, syscall.EEXIST)
		}

	default:
		if flag&os.O_CREATE == 0 {
			return nil, pathErr("open", p, syscall.ENOENT)
		}

		parent, found := m.nodes[path.Dir(np)]
		if !found {
			return nil, pathErr("open", p, syscall.ENOENT)
		}

		if !parent.dir {
			return nil, pathErr("open", p, syscall.ENOTDIR)
		}

		n = &node{
			mode:    perm.Perm(),
			modTime: time.Now(),
			buf:     sectorbuf.New(),
		}
		m.nodes[np] = n
	}

	if !n.dir && writable && flag&os.O_TRUNC != 0 {
		if err := n.buf.Truncate(0); err != nil {
			return nil, pathErr("open", p, err)
		}

		n.modTime = time.Now()
	}

	n.handles++
	m.nextFd++

	return &memFile{
		fs:   m,
		node: n,
		name: np,
		fd:   m.nextFd,
		flag: flag,
	}, nil
}

// ReadFile returns the full contents of the named file.
func (m *Mem) ReadFile(p string) ([]byte, error) {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return nil, pathErr("open", p, syscall.ENOENT)
	}

	if n.dir {
		return nil, pathErr("read", p, syscall.EISDIR)
	}

	size, err := n.buf.Size()
	if err != nil {
		return nil, pathErr("read", p, err)
	}

	data := make([]byte, size)
	if err := n.buf.ReadAt(data, 0); err != nil {
		return nil, pathErr("read", p, err)
	}

	return data, nil
}

// WriteFile writes data to the named file, creating it if necessary and
// truncating it if it exists.
func (m *Mem) WriteFile(p string, data []byte, perm os.FileMode) error {
	f, err := m.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, writeErr := f.Write(data)

	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}

	return closeErr
}

// Truncate changes the size of the named file.
func (m *Mem) Truncate(p string, size int64) error {
	if size < 0 {
		return pathErr("truncate", p, syscall.EINVAL)
	}

	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return pathErr("truncate", p, syscall.ENOENT)
	}

	if n.dir {
		return pathErr("truncate", p, syscall.EISDIR)
	}

	if err := n.buf.Truncate(size); err != nil {
		return pathErr("truncate", p, err)
	}

	n.modTime = time.Now()

	return nil
}

// ReadDir returns the entries of the named directory, sorted by name.
func (m *Mem) ReadDir(p string) ([]os.DirEntry, error) {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return nil, pathErr("open", p, syscall.ENOENT)
	}

	if !n.dir {
		return nil, pathErr("readdir", p, syscall.ENOTDIR)
	}

	var entries []os.DirEntry

	for key, child := range m.nodes {
		if key == "/" || path.Dir(key) != np {
			continue
		}

		info, err := m.infoLocked(key, child)
		if err != nil {
			return nil, pathErr("readdir", p, err)
		}

		entries = append(entries, dirEntry{info})
	}

	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})

	return entries, nil
}

// MkdirAll creates the named directory and any missing parents.
func (m *Mem) MkdirAll(p string, perm os.FileMode) error {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := "/"
	for _, segment := range strings.Split(strings.TrimPrefix(np, "/"), "/") {
		if segment == "" {
			continue
		}

		prefix = path.Join(prefix, segment)

		if n, ok := m.nodes[prefix]; ok {
			if !n.dir {
				return pathErr("mkdir", prefix, syscall.ENOTDIR)
			}

			continue
		}

		m.nodes[prefix] = &node{dir: true, mode: perm.Perm(), modTime: time.Now()}
	}

	return nil
}

// Stat returns info for the named file or directory.
func (m *Mem) Stat(p string) (os.FileInfo, error) {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return nil, pathErr("stat", p, syscall.ENOENT)
	}

	info, err := m.infoLocked(np, n)
	if err != nil {
		return nil, pathErr("stat", p, err)
	}

	return info, nil
}

// Exists reports whether the named path exists.
func (m *Mem) Exists(p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.nodes[normalize(p)]

	return ok, nil
}

// Remove deletes the named file or empty directory.
//
// Removing an open file unlinks it: existing handles keep working, and
// the file's memory is freed once the last handle closes. A handle used
// after that point fails with [sectorbuf.ErrFreed].
func (m *Mem) Remove(p string) error {
	np := normalize(p)
	if np == "/" {
		return pathErr("remove", p, syscall.EBUSY)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return pathErr("remove", p, syscall.ENOENT)
	}

	if n.dir {
		for key := range m.nodes {
			if key != "/" && path.Dir(key) == np {
				return pathErr("remove", p, syscall.ENOTEMPTY)
			}
		}

		delete(m.nodes, np)

		return nil
	}

	delete(m.nodes, np)

	return m.unlinkLocked(np, n)
}

// RemoveAll deletes the named path and everything under it. Removing
// the root clears the filesystem but keeps "/" itself.
func (m *Mem) RemoveAll(p string) error {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, n := range m.nodes {
		if key == "/" {
			continue
		}

		if key != np && !strings.HasPrefix(key, np+"/") && np != "/" {
			continue
		}

		delete(m.nodes, key)

		if !n.dir {
			if err := m.unlinkLocked(key, n); err != nil {
				return err
			}
		}
	}

	return nil
}

// Rename moves oldpath to newpath. An existing file at newpath is
// replaced atomically, like rename(2) on a single filesystem.
func (m *Mem) Rename(oldpath, newpath string) error {
	from := normalize(oldpath)
	to := normalize(newpath)

	if from == "/" || to == "/" {
		return pathErr("rename", oldpath, syscall.EBUSY)
	}

	if to == from {
		return nil
	}

	if strings.HasPrefix(to, from+"/") {
		return pathErr("rename", oldpath, syscall.EINVAL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[from]
	if !ok {
		return pathErr("rename", oldpath, syscall.ENOENT)
	}

	parent, ok := m.nodes[path.Dir(to)]
	if !ok {
		return pathErr("rename", newpath, syscall.ENOENT)
	}

	if !parent.dir {
		return pathErr("rename", newpath, syscall.ENOTDIR)
	}

	if existing, ok := m.nodes[to]; ok {
		if existing.dir {
			return pathErr("rename", newpath, syscall.EEXIST)
		}

		delete(m.nodes, to)

		if err := m.unlinkLocked(to, existing); err != nil {
			return err
		}
	}

	if n.dir {
		moved := make(map[string]*node)

		for key, child := range m.nodes {
			if strings.HasPrefix(key, from+"/") {
				moved[to+strings.TrimPrefix(key, from)] = child
				delete(m.nodes, key)
			}
		}

		for key, child := range moved {
			m.nodes[key] = child
		}
	}

	delete(m.nodes, from)
	m.nodes[to] = n

	return nil
}

// unlinkLocked drops a file node from the tree, freeing its buffer if
// no handle still references it. np is the normalized tree key.
// Must be called with m.mu held.
func (m *Mem) unlinkLocked(np string, n *node) error {
	n.unlinked = true

	if n.handles > 0 {
		return nil
	}

	if err := n.buf.Free(); err != nil {
		return pathErr("remove", np, err)
	}

	return nil
}

// Sectors returns the sector-sized views of the named file's backing
// buffer together with its logical size.
//
// The sequence is the linear-export surface: walking it visits every
// sector from 0 through the last allocated one, with gaps appearing as
// a shared all-zero sector. Consumers stream it out (for example to a
// real file) and stop at size bytes. The views are read-only.
func (m *Mem) Sectors(p string) (iter.Seq[[]byte], int64, error) {
	np := normalize(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[np]
	if !ok {
		return nil, 0, pathErr("open", p, syscall.ENOENT)
	}

	if n.dir {
		return nil, 0, pathErr("read", p, syscall.EISDIR)
	}

	size, err := n.buf.Size()
	if err != nil {
		return nil, 0, pathErr("read", p, err)
	}

	seq, err := n.buf.Sectors()
	if err != nil {
		return nil, 0, pathErr("read", p, err)
	}

	return seq, size, nil
}

// infoLocked builds a point-in-time FileInfo. Must be called with m.mu
// held.
func (m *Mem) infoLocked(np string, n *node) (fileInfo, error) {
	info := fileInfo{
		name:    path.Base(np),
		mode:    n.mode,
		modTime: n.modTime,
		dir:     n.dir,
	}

	if !n.dir {
		size, err := n.buf.Size()
		if err != nil {
			return fileInfo{}, err
		}

		info.size = size
	}

	return info, nil
}

// Compile-time interface check.
var _ fs.FS = (*Mem)(nil)
