package evfs

import (
	"io"
	"io/fs"
	"time"

	"github.com/evfs-project/evfs/errs"
)

// AsFS exposes the volume's entries as a flat, read-only io/fs.FS: every
// entry's key is a top-level file name. There is no directory nesting,
// matching evfs's flat keyspace, and no write path — mutation always goes
// through CreateEntry/OpenEntryByKey/EraseEntryByKey.
func (f *FS) AsFS() fs.FS {
	return &fsAdapter{fs: f}
}

type fsAdapter struct {
	fs *FS
}

func (a *fsAdapter) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return a.openRoot()
	}
	h, err := a.fs.OpenEntryByKey(name)
	if err != nil {
		if _, ok := err.(*errs.NotFoundError); ok {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	size, err := h.EntrySize()
	if err != nil {
		_ = h.Close()
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &adapterFile{h: h, name: name, size: size}, nil
}

func (a *fsAdapter) openRoot() (fs.File, error) {
	var entries []fs.DirEntry
	var it *Iterator
	for {
		next, err := a.fs.IterateEntries(it)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: ".", Err: err}
		}
		if next == nil {
			break
		}
		entries = append(entries, adapterDirEntry{name: next.Key, size: next.Size})
		it = next
	}
	return &rootDir{entries: entries}, nil
}

// adapterFile is a read-only fs.File over one entry, backed by an ordinary
// Handle.
type adapterFile struct {
	h    *Handle
	name string
	size int64
}

func (f *adapterFile) Stat() (fs.FileInfo, error) {
	return adapterFileInfo{name: f.name, size: f.size}, nil
}

func (f *adapterFile) Read(p []byte) (int, error) {
	n, err := f.h.Read(p)
	if err != nil && err != io.EOF {
		return n, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

func (f *adapterFile) Close() error {
	return f.h.Close()
}

type adapterFileInfo struct {
	name string
	size int64
}

func (fi adapterFileInfo) Name() string       { return fi.name }
func (fi adapterFileInfo) Size() int64        { return fi.size }
func (fi adapterFileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi adapterFileInfo) ModTime() time.Time { return time.Time{} }
func (fi adapterFileInfo) IsDir() bool        { return false }
func (fi adapterFileInfo) Sys() any           { return nil }

type adapterDirEntry struct {
	name string
	size int64
}

func (e adapterDirEntry) Name() string               { return e.name }
func (e adapterDirEntry) IsDir() bool                { return false }
func (e adapterDirEntry) Type() fs.FileMode          { return 0o444 }
func (e adapterDirEntry) Info() (fs.FileInfo, error) { return adapterFileInfo{name: e.name, size: e.size}, nil }

// rootDir is the synthesized "." directory listing every entry.
type rootDir struct {
	entries []fs.DirEntry
	pos     int
}

func (d *rootDir) Stat() (fs.FileInfo, error) {
	return adapterFileInfo{name: ".", size: 0}, nil
}

func (d *rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: fs.ErrInvalid}
}

func (d *rootDir) Close() error { return nil }

func (d *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		rest := d.entries[d.pos:]
		d.pos = len(d.entries)
		return rest, nil
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	batch := d.entries[d.pos:end]
	d.pos = end
	return batch, nil
}
