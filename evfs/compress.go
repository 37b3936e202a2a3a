package evfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/evfs-project/evfs/errs"
)

// WriteCompressed replaces the entry's entire content with the xz
// compression of p, positioning the cursor back at 0. The entry must have
// been created with WithCompression(); compression happens purely in this
// codec layer, never inside the chain-walk or cluster format.
func (h *Handle) WriteCompressed(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return 0, errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	if h.flags&flagCompressed == 0 {
		return 0, errs.Invalid("entry %q was not created with WithCompression", h.key)
	}

	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		return 0, errs.IO(err)
	}
	if _, err := zw.Write(p); err != nil {
		return 0, errs.IO(err)
	}
	if err := zw.Close(); err != nil {
		return 0, errs.IO(err)
	}

	if err := h.chain.truncate(0); err != nil {
		return 0, err
	}
	if _, err := h.chain.writeAt(buf.Bytes(), 0); err != nil {
		return 0, err
	}
	h.cursor = 0
	return len(p), nil
}

// ReadAllDecompressed reads the entry's full stored content and returns
// its xz decompression.
func (h *Handle) ReadAllDecompressed() ([]byte, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return nil, errs.NotFound("handle on entry %q is closed or erased", h.key)
	}
	if h.flags&flagCompressed == 0 {
		return nil, errs.Invalid("entry %q was not created with WithCompression", h.key)
	}

	size, err := h.chain.size()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if _, err := h.chain.readAt(raw, 0); err != nil {
		return nil, err
	}
	zr, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Corrupt("xz stream for entry %q is corrupt: %v", h.key, err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errs.Corrupt("xz stream for entry %q is corrupt: %v", h.key, err)
	}
	return out, nil
}
