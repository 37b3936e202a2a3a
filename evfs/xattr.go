package evfs

import (
	"fmt"
	"strings"

	"github.com/pkg/xattr"

	"github.com/evfs-project/evfs/errs"
)

// Extended attributes are not part of evfs's cluster format; pkg/xattr
// operates on real host file paths via syscalls, so per-entry attributes
// are stored as genuine extended attributes on the backing file itself,
// namespaced per entry id so one host file can carry every entry's
// attributes without collision. This is best-effort: on filesystems or
// platforms without xattr support, SetXattr, RemoveXattr and ListXattr fail
// with IOError, and GetXattr reports every failure as NotFound.
func xattrName(entryID uint32, name string) string {
	return fmt.Sprintf("user.evfs.%d.%s", entryID, name)
}

func xattrPrefix(entryID uint32) string {
	return fmt.Sprintf("user.evfs.%d.", entryID)
}

// SetXattr stores value under name as a host extended attribute associated
// with this handle's entry.
func (h *Handle) SetXattr(name string, value []byte) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	if err := xattr.Set(h.fs.path, xattrName(h.entryID, name), value); err != nil {
		return errs.IO(err)
	}
	return nil
}

// GetXattr returns the value previously stored under name for this
// handle's entry, or NotFound if it was never set.
func (h *Handle) GetXattr(name string) ([]byte, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return nil, errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	v, err := xattr.Get(h.fs.path, xattrName(h.entryID, name))
	if err != nil {
		return nil, errs.NotFound("xattr %q not set on entry %q: %v", name, h.key, err)
	}
	return v, nil
}

// RemoveXattr deletes the attribute name from this handle's entry, if set.
func (h *Handle) RemoveXattr(name string) error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	if err := xattr.Remove(h.fs.path, xattrName(h.entryID, name)); err != nil {
		return errs.IO(err)
	}
	return nil
}

// ListXattr returns the names of every extended attribute set on this
// handle's entry.
func (h *Handle) ListXattr() ([]string, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return nil, errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	all, err := xattr.List(h.fs.path)
	if err != nil {
		return nil, errs.IO(err)
	}
	prefix := xattrPrefix(h.entryID)
	var names []string
	for _, n := range all {
		if strings.HasPrefix(n, prefix) {
			names = append(names, strings.TrimPrefix(n, prefix))
		}
	}
	return names, nil
}
