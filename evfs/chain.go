package evfs

import (
	"github.com/evfs-project/evfs/cluster"
	"github.com/evfs-project/evfs/errs"
)

// chain is a singly-linked cluster chain: a directory entry or a user
// entry. head is the head cluster's index, which doubles as the entry_id.
// All chain-walk arithmetic follows spec.md §4.4: logical offset L within
// the entry maps to "remaining = L + 32" against the head cluster, since
// the head cluster's payload begins with the 32-byte key.
type chain struct {
	fs   *FS
	head uint32
}

// size returns the chain's logical length: the sum of data_seg_size across
// every cluster in the chain, minus the 32 key bytes carried by the head.
func (c *chain) size() (int64, error) {
	var total int64
	cur := c.head
	visited := make(map[uint32]bool)
	clusterCount := c.fs.mgr.ClusterCount()
	for {
		if visited[cur] || uint32(len(visited)) > clusterCount {
			return 0, errs.Corrupt("entry chain loops at cluster %d", cur)
		}
		visited[cur] = true
		cbuf, err := c.fs.readCluster(cur)
		if err != nil {
			return 0, err
		}
		hdr := cluster.DecodeHeader(cbuf)
		total += int64(hdr.DataSegSize)
		if hdr.NextClusterID == 0 {
			break
		}
		cur = hdr.NextClusterID
	}
	return total - 32, nil
}

// readAt copies up to len(p) bytes starting at logical offset into p,
// crossing cluster boundaries transparently, and stops at the entry's
// logical end. It returns the number of bytes actually copied.
func (c *chain) readAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errs.Invalid("read offset must be >= 0")
	}
	if len(p) == 0 {
		return 0, nil
	}
	payloadMax := int64(c.fs.mgr.PayloadMax())
	remaining := offset + 32
	cur := c.head
	read := 0
	for read < len(p) {
		cbuf, err := c.fs.readCluster(cur)
		if err != nil {
			return read, err
		}
		hdr := cluster.DecodeHeader(cbuf)
		if remaining >= int64(hdr.DataSegSize) {
			if hdr.NextClusterID == 0 {
				break
			}
			remaining -= payloadMax
			cur = hdr.NextClusterID
			continue
		}
		avail := int64(hdr.DataSegSize) - remaining
		n := int64(len(p) - read)
		if n > avail {
			n = avail
		}
		start := cluster.HeaderSize + int(remaining)
		copy(p[read:read+int(n)], cbuf[start:start+int(n)])
		read += int(n)
		remaining += n
	}
	return read, nil
}

// writeAt copies p into the chain starting at logical offset, allocating
// new tail clusters and zero-filling any gap as needed. It returns the
// number of bytes actually written; on an allocation failure the partial
// prefix that was written remains valid and is reflected in the returned
// count.
func (c *chain) writeAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errs.Invalid("write offset must be >= 0")
	}
	if len(p) == 0 {
		return 0, nil
	}
	payloadMax := c.fs.mgr.PayloadMax()
	clusterSize := c.fs.mgr.ClusterSize()
	remaining := offset + 32
	cur := c.head
	written := 0

	for len(p) > 0 {
		cbuf, err := c.fs.readCluster(cur)
		if err != nil {
			return written, err
		}
		hdr := cluster.DecodeHeader(cbuf)

		// The write's current position lies beyond this cluster's payload
		// entirely: skip past it, extending it to full and allocating a
		// new tail first if the chain doesn't reach that far yet. This is
		// the §4.4 write-extend walk: "subtract payloadMax, advance",
		// repeated until the target cluster is reached, however many
		// clusters that takes.
		if remaining >= int64(payloadMax) {
			if hdr.NextClusterID == 0 {
				if hdr.DataSegSize < uint32(payloadMax) {
					gapStart := cluster.HeaderSize + int(hdr.DataSegSize)
					gapEnd := cluster.HeaderSize + int(payloadMax)
					for i := gapStart; i < gapEnd; i++ {
						cbuf[i] = 0
					}
					hdr.DataSegSize = uint32(payloadMax)
				}
				id, err := c.fs.allocateCluster()
				if err != nil {
					hdr.Encode(cbuf[0:cluster.HeaderSize])
					_ = c.fs.writeCluster(cur, cbuf)
					return written, err
				}
				hdr.NextClusterID = id
				hdr.Encode(cbuf[0:cluster.HeaderSize])
				if err := c.fs.writeCluster(cur, cbuf); err != nil {
					return written, err
				}
				newBuf := make([]byte, clusterSize)
				newHdr := cluster.Header{DataSegSize: 0, NextClusterID: 0, HeadClusterID: c.head}
				newHdr.Encode(newBuf[0:cluster.HeaderSize])
				if err := c.fs.writeCluster(id, newBuf); err != nil {
					return written, err
				}
				remaining -= int64(payloadMax)
				cur = id
				continue
			}
			remaining -= int64(payloadMax)
			cur = hdr.NextClusterID
			continue
		}

		localStart := remaining
		space := int64(payloadMax) - localStart
		chunkLen := int64(len(p))
		if chunkLen > space {
			chunkLen = space
		}

		if localStart > int64(hdr.DataSegSize) {
			gapStart := cluster.HeaderSize + int(hdr.DataSegSize)
			gapEnd := cluster.HeaderSize + int(localStart)
			for i := gapStart; i < gapEnd; i++ {
				cbuf[i] = 0
			}
		}
		dst := cluster.HeaderSize + int(localStart)
		copy(cbuf[dst:dst+int(chunkLen)], p[:chunkLen])
		newDataSegSize := uint32(localStart + chunkLen)
		if newDataSegSize > hdr.DataSegSize {
			hdr.DataSegSize = newDataSegSize
		}

		needAlloc := chunkLen < int64(len(p)) && hdr.NextClusterID == 0
		nextID := hdr.NextClusterID
		if needAlloc {
			id, err := c.fs.allocateCluster()
			if err != nil {
				hdr.Encode(cbuf[0:cluster.HeaderSize])
				_ = c.fs.writeCluster(cur, cbuf)
				written += int(chunkLen)
				return written, err
			}
			nextID = id
			hdr.NextClusterID = id
		}
		hdr.Encode(cbuf[0:cluster.HeaderSize])
		if err := c.fs.writeCluster(cur, cbuf); err != nil {
			return written, err
		}
		if needAlloc {
			newBuf := make([]byte, clusterSize)
			newHdr := cluster.Header{DataSegSize: 0, NextClusterID: 0, HeadClusterID: c.head}
			newHdr.Encode(newBuf[0:cluster.HeaderSize])
			if err := c.fs.writeCluster(nextID, newBuf); err != nil {
				return written, err
			}
		}

		written += int(chunkLen)
		p = p[chunkLen:]
		remaining = 0
		cur = nextID
		if len(p) > 0 && cur == 0 {
			return written, errs.Corrupt("write ran off the end of the chain without a tail cluster")
		}
	}
	return written, nil
}

// truncate resizes the chain to newLength, freeing clusters wholly beyond
// it when shrinking, or zero-extending when growing. The head cluster's
// 32-byte key prefix is never touched.
func (c *chain) truncate(newLength int64) error {
	if newLength < 0 {
		return errs.Invalid("truncate length must be >= 0")
	}
	cur, err := c.size()
	if err != nil {
		return err
	}
	if newLength == cur {
		return nil
	}
	if newLength > cur {
		zeros := make([]byte, newLength-cur)
		_, err := c.writeAt(zeros, cur)
		return err
	}

	payloadMax := int64(c.fs.mgr.PayloadMax())
	remaining := newLength + 32
	id := c.head
	for {
		cbuf, err := c.fs.readCluster(id)
		if err != nil {
			return err
		}
		hdr := cluster.DecodeHeader(cbuf)
		if remaining <= int64(hdr.DataSegSize) {
			oldNext := hdr.NextClusterID
			hdr.DataSegSize = uint32(remaining)
			hdr.NextClusterID = 0
			hdr.Encode(cbuf[0:cluster.HeaderSize])
			if err := c.fs.writeCluster(id, cbuf); err != nil {
				return err
			}
			return c.freeChainFrom(oldNext)
		}
		remaining -= payloadMax
		if hdr.NextClusterID == 0 {
			return errs.Corrupt("truncate: chain shorter than its reported size")
		}
		id = hdr.NextClusterID
	}
}

// freeChainFrom frees every cluster from id onward, following
// next_cluster_id links captured before each cluster is freed.
func (c *chain) freeChainFrom(id uint32) error {
	for id != 0 {
		cbuf, err := c.fs.readCluster(id)
		if err != nil {
			return err
		}
		hdr := cluster.DecodeHeader(cbuf)
		next := hdr.NextClusterID
		if err := c.fs.freeCluster(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

// freeAll releases every cluster in the chain, including the head.
func (c *chain) freeAll() error {
	return c.freeChainFrom(c.head)
}

// newChain allocates a fresh single-cluster chain whose head payload
// begins with the given 32-byte key (all-zero for the directory's own
// chain, which is never looked up by key).
func newChain(fs *FS, key [32]byte) (*chain, error) {
	id, err := fs.allocateCluster()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fs.mgr.ClusterSize())
	hdr := cluster.Header{DataSegSize: 32, NextClusterID: 0, HeadClusterID: id}
	hdr.Encode(buf[0:cluster.HeaderSize])
	copy(buf[cluster.HeaderSize:cluster.HeaderSize+32], key[:])
	if err := fs.writeCluster(id, buf); err != nil {
		_ = fs.freeCluster(id)
		return nil, err
	}
	return &chain{fs: fs, head: id}, nil
}
