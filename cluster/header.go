package cluster

import "encoding/binary"

// HeaderSize is the fixed size, in bytes, of the header that prefixes every
// cluster on disk, including the superblock cluster.
const HeaderSize = 12

// Header is the 12-byte header present at the start of every cluster.
type Header struct {
	// DataSegSize is the number of payload bytes currently in use,
	// 0..cluster_size-HeaderSize.
	DataSegSize uint32
	// NextClusterID is the index of the next cluster in this entry's
	// chain, or 0 for the tail.
	NextClusterID uint32
	// HeadClusterID is the index of the first cluster of the chain this
	// cluster belongs to.
	HeadClusterID uint32
}

// DecodeHeader parses the 12-byte cluster header out of the front of b.
// Exported so the evfs package can read/rewrite headers embedded in
// buffers it pulls out of the cache without bouncing through the manager.
func DecodeHeader(b []byte) Header {
	return Header{
		DataSegSize:   binary.LittleEndian.Uint32(b[0:4]),
		NextClusterID: binary.LittleEndian.Uint32(b[4:8]),
		HeadClusterID: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Encode writes h as the 12-byte cluster header at the front of b.
func (h Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.DataSegSize)
	binary.LittleEndian.PutUint32(b[4:8], h.NextClusterID)
	binary.LittleEndian.PutUint32(b[8:12], h.HeadClusterID)
}
