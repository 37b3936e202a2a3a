package evfs

import "github.com/evfs-project/evfs/errs"

// entryOptions carries the opt-in, supplemented-feature flags attached to
// an entry at creation time. Zero options reproduce exactly spec.md's
// mandatory behavior.
type entryOptions struct {
	compressed bool
}

// EntryOption configures optional, non-mandatory entry behavior.
type EntryOption func(*entryOptions)

// WithCompression marks an entry for transparent xz compression via
// (*Handle).WriteCompressed / ReadAllDecompressed. It does not change the
// mandatory on-disk cluster format; compression happens purely in the
// codec layer around the ordinary read/write path.
func WithCompression() EntryOption {
	return func(o *entryOptions) { o.compressed = true }
}

// CreateEntry creates a new entry under key and returns a handle positioned
// at logical offset 0. Fails with AlreadyExists if a live entry already
// uses this key.
func (f *FS) CreateEntry(key string, opts ...EntryOption) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureOpenLocked(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if idx, _ := f.dir.findByKey(key); idx >= 0 {
		return nil, errs.AlreadyExists("entry %q already exists", key)
	}

	var eo entryOptions
	for _, o := range opts {
		o(&eo)
	}
	var flags byte
	if eo.compressed {
		flags |= flagCompressed
	}

	var k [32]byte
	copy(k[:], key)
	c, err := newChain(f, k)
	if err != nil {
		return nil, err
	}
	if err := f.dir.append(c.head, key, flags); err != nil {
		_ = c.freeAll()
		return nil, err
	}
	return f.newHandleLocked(c, key, flags), nil
}

// OpenEntryByKey looks up key in the directory and returns a fresh handle
// over it positioned at logical offset 0. Fails with NotFound if no live
// entry uses this key.
func (f *FS) OpenEntryByKey(key string) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureOpenLocked(); err != nil {
		return nil, err
	}
	idx, rec := f.dir.findByKey(key)
	if idx < 0 {
		return nil, errs.NotFound("entry %q not found", key)
	}
	c := &chain{fs: f, head: rec.entryID}
	return f.newHandleLocked(c, key, rec.flags), nil
}

// EraseEntryByKey frees every cluster of the entry under key and removes
// its directory record. Any open handles on that entry become invalid.
func (f *FS) EraseEntryByKey(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureOpenLocked(); err != nil {
		return err
	}
	idx, rec := f.dir.findByKey(key)
	if idx < 0 {
		return errs.NotFound("entry %q not found", key)
	}
	c := &chain{fs: f, head: rec.entryID}
	if err := c.freeAll(); err != nil {
		return err
	}
	if err := f.dir.markDeleted(idx); err != nil {
		return err
	}
	f.invalidateHandlesForEntryLocked(rec.entryID)
	return nil
}

// EraseEntry erases the entry h is open on, by key.
func (f *FS) EraseEntry(h *Handle) error {
	return f.EraseEntryByKey(h.key)
}

func (f *FS) invalidateHandlesForEntryLocked(entryID uint32) {
	for id, h := range f.handles {
		if h.entryID == entryID {
			h.closed = true
			delete(f.handles, id)
		}
	}
}

func (f *FS) newHandleLocked(c *chain, key string, flags byte) *Handle {
	f.nextHandle++
	h := &Handle{fs: f, id: f.nextHandle, chain: c, key: key, entryID: c.head, flags: flags}
	f.handles[h.id] = h
	return h
}

func (f *FS) ensureOpenLocked() error {
	if f.mgr == nil {
		return errs.ErrNotReady
	}
	return nil
}

// Iterator walks directory records in append order, skipping erased
// entries. A nil *Iterator starts iteration; IterateEntries returns nil
// once exhausted.
type Iterator struct {
	next    int
	EntryID uint32
	Key     string
	Size    int64
}

// IterateEntries advances it (or starts iteration if it is nil) and
// returns the next live entry's iterator, or nil at the end.
func (f *FS) IterateEntries(it *Iterator) (*Iterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureOpenLocked(); err != nil {
		return nil, err
	}
	start := 0
	if it != nil {
		start = it.next
	}
	for i := start; i < len(f.dir.records); i++ {
		rec := f.dir.records[i]
		if rec.entryID == 0 {
			continue
		}
		c := &chain{fs: f, head: rec.entryID}
		size, err := c.size()
		if err != nil {
			return nil, err
		}
		return &Iterator{next: i + 1, EntryID: rec.entryID, Key: keyString(rec.key), Size: size}, nil
	}
	return nil, nil
}
