package evfs

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/evfs-project/evfs/errs"
)

// maxKeyLen is the longest key a caller may supply; the stored key field is
// always 32 bytes with a guaranteed trailing NUL.
const maxKeyLen = 31

// dirRecordSize is entry_id (4, little-endian) + key (32) + flags (1).
// The flags byte is this implementation's own addition to the packed
// record spec.md §4.4 describes; it never appears in the authoritative
// cross-implementation wire format of §6 (which only covers cluster
// headers and the superblock), so widening the directory's internal
// record is safe.
const dirRecordSize = 4 + 32 + 1

const (
	flagCompressed = 1 << 0
)

type dirRecord struct {
	entryID uint32
	key     [32]byte
	flags   byte
}

func (r dirRecord) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], r.entryID)
	copy(b[4:36], r.key[:])
	b[36] = r.flags
}

func decodeDirRecord(b []byte) dirRecord {
	var r dirRecord
	r.entryID = binary.LittleEndian.Uint32(b[0:4])
	copy(r.key[:], b[4:36])
	r.flags = b[36]
	return r
}

// directory is the packed (entry_id, key, flags) record list, itself
// stored as an ordinary entry chain rooted at the superblock's
// directory_head field.
type directory struct {
	fs      *FS
	chain   *chain // nil until the first entry is created
	records []dirRecord
}

func newDirectory(fs *FS) *directory {
	return &directory{fs: fs}
}

// initEmpty sets up a directory with no backing chain yet, used right
// after Create.
func (d *directory) initEmpty() error {
	d.chain = nil
	d.records = nil
	return nil
}

// load reads the directory's chain (if any has been created) and decodes
// its records, used right after Open.
func (d *directory) load() error {
	head := d.fs.mgr.DirectoryHead()
	if head == 0 {
		d.chain = nil
		d.records = nil
		return nil
	}
	d.chain = &chain{fs: d.fs, head: head}
	size, err := d.chain.size()
	if err != nil {
		return err
	}
	if size == 0 {
		d.records = nil
		return nil
	}
	buf := make([]byte, size)
	if _, err := d.chain.readAt(buf, 0); err != nil {
		return err
	}
	n := int(size) / dirRecordSize
	d.records = make([]dirRecord, n)
	for i := 0; i < n; i++ {
		d.records[i] = decodeDirRecord(buf[i*dirRecordSize : (i+1)*dirRecordSize])
	}
	return nil
}

// persist re-serializes every record and writes the whole directory chain,
// creating the chain (and publishing directory_head) on first use.
func (d *directory) persist() error {
	if d.chain == nil {
		var zeroKey [32]byte
		c, err := newChain(d.fs, zeroKey)
		if err != nil {
			return err
		}
		d.chain = c
		if err := d.fs.mgr.SetDirectoryHead(c.head); err != nil {
			return err
		}
	}
	buf := make([]byte, len(d.records)*dirRecordSize)
	for i, r := range d.records {
		r.encode(buf[i*dirRecordSize : (i+1)*dirRecordSize])
	}
	if err := d.chain.truncate(int64(len(buf))); err != nil {
		return err
	}
	if len(buf) > 0 {
		if _, err := d.chain.writeAt(buf, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *directory) findByKey(key string) (int, *dirRecord) {
	for i := range d.records {
		r := &d.records[i]
		if r.entryID == 0 {
			continue
		}
		if keyString(r.key) == key {
			return i, r
		}
	}
	return -1, nil
}

func (d *directory) append(entryID uint32, key string, flags byte) error {
	var k [32]byte
	copy(k[:], key)
	d.records = append(d.records, dirRecord{entryID: entryID, key: k, flags: flags})
	return d.persist()
}

// markDeleted tombstones the record at index. If that empties the
// directory of every live record, the directory's own chain is freed and
// directory_head reset to 0 rather than persisted as an empty chain, so an
// idle volume with no entries costs nothing beyond the superblock.
func (d *directory) markDeleted(index int) error {
	d.records[index].entryID = 0
	if d.liveCount() == 0 {
		return d.freeChain()
	}
	return d.persist()
}

func (d *directory) freeChain() error {
	if d.chain != nil {
		if err := d.chain.freeAll(); err != nil {
			return err
		}
		d.chain = nil
	}
	d.records = nil
	return d.fs.mgr.SetDirectoryHead(0)
}

func (d *directory) liveCount() int {
	n := 0
	for _, r := range d.records {
		if r.entryID != 0 {
			n++
		}
	}
	return n
}

func keyString(k [32]byte) string {
	for i, b := range k {
		if b == 0 {
			return string(k[:i])
		}
	}
	return string(k[:])
}

func validateKey(key string) error {
	if key == "" {
		return errs.Invalid("entry key must not be empty")
	}
	if len(key) > maxKeyLen {
		return errs.Invalid("entry key %q is longer than %d bytes", key, maxKeyLen)
	}
	if !utf8.ValidString(key) {
		return errs.Invalid("entry key must be UTF-8 clean")
	}
	return nil
}
