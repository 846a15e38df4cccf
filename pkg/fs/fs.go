// Package fs defines the filesystem abstraction consumed and implemented
// by this module.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//
// The in-memory implementation lives in pkg/memfs; storage code written
// against [FS] runs unchanged on a real disk or entirely in memory, which
// is the point: deterministic tests without touching physical media.
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.Open("data.bin")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	// Works with all stdlib io functions:
//	data, _ := io.ReadAll(f)
package fs

import (
	"io"
	"os"
)

// File represents an open file.
//
// The intent is os-like behavior: implementations must behave like
// [os.File], including positional I/O via [io.ReaderAt]/[io.WriterAt]
// that does not disturb the seek position. Storage code exercises files
// at arbitrary byte offsets, so the positional surface is part of the
// contract, not an optional extra.
//
// Note: [File] includes [io.Writer] even for read-only handles. Like
// [os.File], implementations return an error from Write when the file
// wasn't opened for writing.
//
// [File.Fd] returns a descriptor number. For [Real] files it is a real
// OS file descriptor usable with syscalls until the file is closed; for
// in-memory files it is a synthetic handle number. Code that needs
// advisory locking should go through [TryLockFile] rather than flock the
// descriptor directly.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	// Embedded interfaces from the [io] package. These provide Read,
	// Write, Close, Seek, ReadAt, and WriteAt.
	io.ReadWriteCloser
	io.Seeker
	io.ReaderAt
	io.WriterAt

	// Truncate changes the size of the file. See [os.File.Truncate].
	// It does not change the seek position.
	Truncate(size int64) error

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage. See
	// [os.File.Sync]. In-memory implementations treat it as a no-op.
	Sync() error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS defines filesystem operations for reading, writing, and managing
// files.
//
// Implementations in this module:
//   - [Real]: production use, wraps the [os] package
//   - memfs.Mem: testing use, everything in volatile memory
//
// All methods mirror their [os] package equivalents. Paths use OS
// semantics (like the os package and path/filepath), not the
// slash-separated paths of the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// Create creates or truncates a file for writing. See [os.Create].
	// The file is created with mode 0666 (before umask).
	Create(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See
	// [os.OpenFile]. Use this for fine-grained control (append,
	// exclusive create, etc).
	//
	// Common flags: [os.O_RDONLY], [os.O_WRONLY], [os.O_RDWR],
	// [os.O_APPEND], [os.O_CREATE], [os.O_EXCL], [os.O_TRUNC].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. See
	// [os.WriteFile].
	//
	// Note: WriteFile is not atomic or durable. For atomicity, use
	// [AtomicWriter].
	WriteFile(path string, data []byte, perm os.FileMode) error

	// Truncate changes the size of the named file. See [os.Truncate].
	// Truncating below the current size discards the tail; truncating
	// above it exposes zeros.
	Truncate(path string, size int64) error

	// ReadDir reads a directory and returns its entries sorted by name.
	// See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	// No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if the path doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll].
	// No error if the path doesn't exist.
	RemoveAll(path string) error

	// Rename moves/renames a file or directory. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
