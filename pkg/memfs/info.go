package memfs

import (
	"os"
	"time"
)

// fileInfo is a point-in-time snapshot of a node's metadata.
type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	dir     bool
}

func (fi fileInfo) Name() string { return fi.name }

func (fi fileInfo) Size() int64 { return fi.size }

func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return fi.mode | os.ModeDir
	}

	return fi.mode
}

func (fi fileInfo) ModTime() time.Time { return fi.modTime }

func (fi fileInfo) IsDir() bool { return fi.dir }

func (fi fileInfo) Sys() any { return nil }

// dirEntry adapts fileInfo to the os.DirEntry interface for ReadDir.
type dirEntry struct {
	fileInfo
}

func (d dirEntry) Type() os.FileMode { return d.Mode().Type() }

func (d dirEntry) Info() (os.FileInfo, error) { return d.fileInfo, nil }

// Compile-time interface checks.
var (
	_ os.FileInfo = fileInfo{}
	_ os.DirEntry = dirEntry{}
)
