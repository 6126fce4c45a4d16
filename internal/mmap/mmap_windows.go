//go:build windows

package mmap

import (
	"fmt"
	"os"
)

// File is a read-only view of a file's bytes. On windows this is a plain
// read into memory rather than a real mapping -- the teacher's own
// filewatcher_windows.go takes the same "no native syscall, just the
// portable stdlib path" approach for the one platform its unix-specific
// code never reached either.
type File struct {
	data []byte
}

// Open reads path's full contents.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &File{data: data}, nil
}

// Bytes returns the file contents.
func (f *File) Bytes() []byte { return f.data }

// Close is a no-op: there is no mapping to release, only a heap buffer for
// the garbage collector to reclaim.
func (f *File) Close() error { return nil }
