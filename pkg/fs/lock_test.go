package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/memfs/pkg/fs"
)

func Test_TryLockFile_Uses_Flock_For_Real_Files(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "lockfile")

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Two separate opens are two open file descriptions, so flock
	// conflicts even within one process.
	a, err := fsys.Open(path)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}

	defer a.Close()

	b, err := fsys.Open(path)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	defer b.Close()

	if err := fs.TryLockFile(a); err != nil {
		t.Fatalf("TryLockFile(a): %v", err)
	}

	if err := fs.TryLockFile(b); !errors.Is(err, fs.ErrWouldBlock) {
		t.Fatalf("TryLockFile(b) = %v, want ErrWouldBlock", err)
	}

	if err := fs.UnlockFile(a); err != nil {
		t.Fatalf("UnlockFile(a): %v", err)
	}

	if err := fs.TryLockFile(b); err != nil {
		t.Fatalf("TryLockFile(b) after unlock: %v", err)
	}

	if err := fs.UnlockFile(b); err != nil {
		t.Fatalf("UnlockFile(b): %v", err)
	}
}
