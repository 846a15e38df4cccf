package fs

import (
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"syscall"
)

// FaultConfig controls fault injection probabilities for [Faulty].
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type FaultConfig struct {
	// OpenFailRate controls how often Open, Create, and OpenFile fail.
	// Returns EACCES, EIO, or EMFILE.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read and File.ReadAt fail,
	// returning zero bytes and EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write and File.WriteAt fail,
	// returning zero bytes written and EIO or ENOSPC.
	WriteFailRate float64

	// TruncateFailRate controls how often File.Truncate and FS.Truncate
	// fail, returning EIO or ENOSPC.
	TruncateFailRate float64

	// RemoveFailRate controls how often Remove and RemoveAll fail.
	// Returns EACCES, EBUSY, or EIO.
	RemoveFailRate float64

	// RenameFailRate controls how often Rename fails. Returns an
	// *os.LinkError with EACCES, EIO, or EXDEV.
	RenameFailRate float64

	// StatFailRate controls how often Stat and Exists fail on a path.
	// Returns EACCES or EIO.
	StatFailRate float64

	// SyncFailRate controls how often File.Sync fails. Returns EIO
	// or ENOSPC.
	SyncFailRate float64
}

// Faulty wraps an FS and injects deterministic, seed-reproducible
// failures according to a [FaultConfig]. Operations that do not fail
// are passed through to the underlying filesystem unchanged.
//
// A test that observes a failure can log the seed it constructed the
// Faulty with and replay the exact same fault sequence.
type Faulty struct {
	inner FS
	cfg   FaultConfig

	mu  sync.Mutex
	rng *rand.Rand

	// Injected counts the faults injected so far. Tests use it to
	// verify a run actually exercised failure paths.
	injected int
}

// NewFaulty wraps fsys with fault injection driven by seed.
// Panics if fsys is nil.
func NewFaulty(fsys FS, seed uint64, cfg FaultConfig) *Faulty {
	if fsys == nil {
		panic("fs: NewFaulty called with nil FS")
	}

	return &Faulty{
		inner: fsys,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// InjectedFaults reports how many faults have been injected so far.
func (f *Faulty) InjectedFaults() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.injected
}

// roll decides whether to inject a fault at the given rate and, if so,
// picks one of the candidate errnos.
func (f *Faulty) roll(rate float64, candidates ...syscall.Errno) (syscall.Errno, bool) {
	if rate <= 0 {
		return 0, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rng.Float64() >= rate {
		return 0, false
	}

	f.injected++

	return candidates[f.rng.IntN(len(candidates))], true
}

func (f *Faulty) pathErr(op, path string, errno syscall.Errno) error {
	return &fs.PathError{Op: op, Path: path, Err: errno}
}

func (f *Faulty) Open(name string) (File, error) {
	if errno, ok := f.roll(f.cfg.OpenFailRate, syscall.EACCES, syscall.EIO, syscall.EMFILE); ok {
		return nil, f.pathErr("open", name, errno)
	}

	file, err := f.inner.Open(name)
	if err != nil {
		return nil, err
	}

	return &faultyFile{inner: file, fs: f, name: name}, nil
}

func (f *Faulty) Create(name string) (File, error) {
	if errno, ok := f.roll(f.cfg.OpenFailRate, syscall.EACCES, syscall.EIO, syscall.ENOSPC); ok {
		return nil, f.pathErr("open", name, errno)
	}

	file, err := f.inner.Create(name)
	if err != nil {
		return nil, err
	}

	return &faultyFile{inner: file, fs: f, name: name}, nil
}

func (f *Faulty) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if errno, ok := f.roll(f.cfg.OpenFailRate, syscall.EACCES, syscall.EIO, syscall.EMFILE); ok {
		return nil, f.pathErr("open", name, errno)
	}

	file, err := f.inner.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{inner: file, fs: f, name: name}, nil
}

func (f *Faulty) ReadFile(name string) ([]byte, error) {
	if errno, ok := f.roll(f.cfg.ReadFailRate, syscall.EIO); ok {
		return nil, f.pathErr("read", name, errno)
	}

	return f.inner.ReadFile(name)
}

func (f *Faulty) WriteFile(name string, data []byte, perm os.FileMode) error {
	if errno, ok := f.roll(f.cfg.WriteFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return f.pathErr("write", name, errno)
	}

	return f.inner.WriteFile(name, data, perm)
}

func (f *Faulty) Truncate(name string, size int64) error {
	if errno, ok := f.roll(f.cfg.TruncateFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return f.pathErr("truncate", name, errno)
	}

	return f.inner.Truncate(name, size)
}

func (f *Faulty) Remove(name string) error {
	if errno, ok := f.roll(f.cfg.RemoveFailRate, syscall.EACCES, syscall.EBUSY, syscall.EIO); ok {
		return f.pathErr("remove", name, errno)
	}

	return f.inner.Remove(name)
}

func (f *Faulty) RemoveAll(name string) error {
	if errno, ok := f.roll(f.cfg.RemoveFailRate, syscall.EACCES, syscall.EBUSY, syscall.EIO); ok {
		return f.pathErr("remove", name, errno)
	}

	return f.inner.RemoveAll(name)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if errno, ok := f.roll(f.cfg.RenameFailRate, syscall.EACCES, syscall.EIO, syscall.EXDEV); ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errno}
	}

	return f.inner.Rename(oldpath, newpath)
}

func (f *Faulty) Stat(name string) (os.FileInfo, error) {
	if errno, ok := f.roll(f.cfg.StatFailRate, syscall.EACCES, syscall.EIO); ok {
		return nil, f.pathErr("stat", name, errno)
	}

	return f.inner.Stat(name)
}

func (f *Faulty) Exists(name string) (bool, error) {
	if errno, ok := f.roll(f.cfg.StatFailRate, syscall.EACCES, syscall.EIO); ok {
		return false, f.pathErr("stat", name, errno)
	}

	return f.inner.Exists(name)
}

func (f *Faulty) ReadDir(name string) ([]os.DirEntry, error) {
	if errno, ok := f.roll(f.cfg.ReadFailRate, syscall.EACCES, syscall.EIO); ok {
		return nil, f.pathErr("readdir", name, errno)
	}

	return f.inner.ReadDir(name)
}

func (f *Faulty) MkdirAll(name string, perm os.FileMode) error {
	if errno, ok := f.roll(f.cfg.OpenFailRate, syscall.EACCES, syscall.EIO, syscall.ENOSPC); ok {
		return f.pathErr("mkdir", name, errno)
	}

	return f.inner.MkdirAll(name, perm)
}

var _ FS = (*Faulty)(nil)

// faultyFile wraps a File handle with the same injection machinery.
type faultyFile struct {
	inner File
	fs    *Faulty
	name  string
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if errno, ok := ff.fs.roll(ff.fs.cfg.ReadFailRate, syscall.EIO); ok {
		return 0, ff.fs.pathErr("read", ff.name, errno)
	}

	return ff.inner.Read(p)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if errno, ok := ff.fs.roll(ff.fs.cfg.ReadFailRate, syscall.EIO); ok {
		return 0, ff.fs.pathErr("read", ff.name, errno)
	}

	return ff.inner.ReadAt(p, off)
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if errno, ok := ff.fs.roll(ff.fs.cfg.WriteFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return 0, ff.fs.pathErr("write", ff.name, errno)
	}

	return ff.inner.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if errno, ok := ff.fs.roll(ff.fs.cfg.WriteFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return 0, ff.fs.pathErr("write", ff.name, errno)
	}

	return ff.inner.WriteAt(p, off)
}

func (ff *faultyFile) Seek(offset int64, whence int) (int64, error) {
	return ff.inner.Seek(offset, whence)
}

func (ff *faultyFile) Truncate(size int64) error {
	if errno, ok := ff.fs.roll(ff.fs.cfg.TruncateFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return ff.fs.pathErr("truncate", ff.name, errno)
	}

	return ff.inner.Truncate(size)
}

func (ff *faultyFile) Sync() error {
	if errno, ok := ff.fs.roll(ff.fs.cfg.SyncFailRate, syscall.EIO, syscall.ENOSPC); ok {
		return ff.fs.pathErr("sync", ff.name, errno)
	}

	return ff.inner.Sync()
}

func (ff *faultyFile) Stat() (os.FileInfo, error) {
	if errno, ok := ff.fs.roll(ff.fs.cfg.StatFailRate, syscall.EIO); ok {
		return nil, ff.fs.pathErr("stat", ff.name, errno)
	}

	return ff.inner.Stat()
}

func (ff *faultyFile) Chmod(mode os.FileMode) error {
	return ff.inner.Chmod(mode)
}

func (ff *faultyFile) Fd() uintptr {
	return ff.inner.Fd()
}

// Close never injects: the underlying handle must always be released
// to avoid leaks in long fuzzing runs.
func (ff *faultyFile) Close() error {
	return ff.inner.Close()
}

var _ File = (*faultyFile)(nil)
