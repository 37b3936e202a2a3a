// Package backend provides the host file I/O abstraction that the cluster
// manager builds on: open/create the backing file, read and write at an
// absolute offset, and zero-extend the file when it grows.
//
// Everything above this layer only ever talks to a Storage; nothing here
// knows about clusters, chains or entries.
package backend

import (
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/evfs-project/evfs/errs"
)

// zeroChunkSize is the size of the scratch buffer used by ZeroExtend. Writes
// are chunked so that growing a large file does not require allocating a
// buffer the size of the whole extension.
const zeroChunkSize = 64 * 1024

// Storage is the minimal interface the cluster manager needs from a backing
// file. *FileBackend is the only implementation evfs ships, but tests may
// supply an in-memory one.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Stat returns file metadata, notably the current size.
	Stat() (os.FileInfo, error)
	// Sync flushes any buffered writes to stable storage.
	Sync() error
}

// FileBackend is a Storage backed by a single *os.File.
type FileBackend struct {
	file *os.File
}

var _ Storage = (*FileBackend)(nil)

// CreateFile creates a new backing file at path, truncating any existing
// content, and leaves it open for read/write. It does not size the file;
// callers use ZeroExtend to grow it to the desired size.
func CreateFile(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.IO(err)
	}
	fb := &FileBackend{file: f}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	// Truncate only once the lock is held, so a second CreateFile on a
	// path that is already open fails without wiping its content.
	if err := f.Truncate(0); err != nil {
		unlockFile(f)
		_ = f.Close()
		return nil, errs.IO(err)
	}
	return fb, nil
}

// OpenFile opens an existing backing file at path for read/write.
func OpenFile(path string) (*FileBackend, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("backing file %q does not exist", path)
		}
		return nil, errs.IO(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.IO(err)
	}
	fb := &FileBackend{file: f}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return fb, nil
}

func (f *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errs.IO(err)
	}
	return n, err
}

func (f *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.file.WriteAt(p, off)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return n, errs.NoSpace("host filesystem full writing %q", f.file.Name())
		}
		return n, errs.IO(err)
	}
	return n, nil
}

func (f *FileBackend) Stat() (os.FileInfo, error) {
	info, err := f.file.Stat()
	if err != nil {
		return nil, errs.IO(err)
	}
	return info, nil
}

func (f *FileBackend) Sync() error {
	if err := f.file.Sync(); err != nil {
		return errs.IO(err)
	}
	return nil
}

func (f *FileBackend) Close() error {
	unlockFile(f.file)
	if err := f.file.Close(); err != nil {
		return errs.IO(err)
	}
	return nil
}

// ZeroExtend grows storage from its current size of "from" bytes to "to"
// bytes by writing zeros, chunked into zeroChunkSize blocks with the
// remainder written separately, then flushes. It is a no-op if to <= from.
//
// Atomicity is whatever the host filesystem provides: either all the zero
// bytes land, or (on a failure mid-write) the caller can retry from "from"
// again. There is no journaling on top of that.
func ZeroExtend(s Storage, from, to int64) error {
	if to <= from {
		return nil
	}
	zero := make([]byte, zeroChunkSize)
	pos := from
	for pos < to {
		n := to - pos
		if n > zeroChunkSize {
			n = zeroChunkSize
		}
		if _, err := s.WriteAt(zero[:n], pos); err != nil {
			return err
		}
		pos += n
	}
	return s.Sync()
}
