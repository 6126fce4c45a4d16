//go:build !windows

package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a read-only memory-mapped view of a file's bytes. Bytes() returns
// the mapping directly -- every front-end and the DWARF reader treat input
// files as immutable shared memory, never copying them, exactly as the
// scan driver's concurrency model requires.
type File struct {
	data []byte
}

// Open maps path's full contents read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return &File{data: []byte{}}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: mmap %s: %w", path, err)
	}
	return &File{data: data}, nil
}

// Bytes returns the mapped file contents.
func (f *File) Bytes() []byte { return f.data }

// Close unmaps the file. It is a no-op (and safe to call) on a zero-length
// mapping, since unix.Mmap is never invoked for one.
func (f *File) Close() error {
	if len(f.data) == 0 {
		return nil
	}
	if err := unix.Munmap(f.data); err != nil {
		return fmt.Errorf("mmap: munmap: %w", err)
	}
	return nil
}
