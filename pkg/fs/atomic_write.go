package fs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrDirSync indicates the parent directory could not be synced after
// the rename step of an atomic write.
//
// When returned, the new file is in place but its durability is not
// guaranteed. Callers can detect this with errors.Is(err, ErrDirSync).
var ErrDirSync = errors.New("fs: dir sync")

// AtomicWriter writes files atomically using the temp-file-and-rename
// pattern, over any [FS].
//
// Running it against an in-memory filesystem is a cheap way to verify
// that code relying on rename atomicity behaves, without a disk.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter creates an AtomicWriter that uses the given
// filesystem. Panics if fsys is nil.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fsys is nil")
	}

	return &AtomicWriter{fs: fsys}
}

// Write writes data from r to path atomically.
//
// It writes to a temp file in the same directory, syncs it, renames it
// over path, then syncs the parent directory. Readers of path observe
// either the old contents or the new contents, never a mix.
//
// If only the final directory sync fails, the returned error satisfies
// errors.Is(err, [ErrDirSync]); the file itself is in place.
func (w *AtomicWriter) Write(path string, r io.Reader, perm os.FileMode) error {
	if r == nil {
		panic("reader is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if perm == 0 {
		return errors.New("perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == string(os.PathSeparator) || base == "." {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := w.createTemp(dir, base, perm)
	if err != nil {
		return err
	}

	discard := func() error {
		closeErr := tmp.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("close temp file %q: %w", tmpPath, closeErr)
		}

		removeErr := w.fs.Remove(tmpPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			removeErr = fmt.Errorf("remove temp file %q: %w", tmpPath, removeErr)
		} else {
			removeErr = nil
		}

		return errors.Join(closeErr, removeErr)
	}

	if err := tmp.Chmod(perm); err != nil {
		return errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), discard())
	}

	if _, err := io.Copy(tmp, r); err != nil {
		return errors.Join(fmt.Errorf("write temp file %q: %w", tmpPath, err), discard())
	}

	if err := tmp.Sync(); err != nil {
		return errors.Join(fmt.Errorf("sync temp file %q: %w", tmpPath, err), discard())
	}

	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("close temp file %q: %w", tmpPath, err), w.fs.Remove(tmpPath))
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		removeErr := w.fs.Remove(tmpPath)
		if removeErr != nil && os.IsNotExist(removeErr) {
			removeErr = nil
		}

		return errors.Join(fmt.Errorf("rename: %w", err), removeErr)
	}

	return w.syncDir(dir)
}

// WriteBytes writes data to path atomically with mode 0644.
func (w *AtomicWriter) WriteBytes(path string, data []byte) error {
	return w.Write(path, bytes.NewReader(data), 0o644)
}

const tempAttempts = 10000

var tempCounter atomic.Uint64

func (w *AtomicWriter) createTemp(dir, base string, perm os.FileMode) (File, string, error) {
	for range tempAttempts {
		seq := tempCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func (w *AtomicWriter) syncDir(dir string) error {
	handle, err := w.fs.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := handle.Sync()
	closeErr := handle.Close()

	if closeErr != nil {
		closeErr = fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	if syncErr == nil {
		return closeErr
	}

	return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
}
