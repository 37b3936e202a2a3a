package cluster

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/evfs-project/evfs/errs"
)

// superblockMagic identifies an evfs file. Stored little-endian as the first
// four bytes of cluster 0's payload.
const superblockMagic = 0x73667665 // "evfs" read as a little-endian uint32

const (
	// MinClusterSize and MaxClusterSize bound cluster_size; it must also be
	// a power of two.
	MinClusterSize = 64
	MaxClusterSize = 4096

	// MaxFileSize is the upper bound on cluster_size * cluster_count: files
	// at or above 1 GiB are out of scope.
	MaxFileSize = 1 << 30
)

// superblockPayloadUsed is the number of payload bytes (that is, bytes after
// the 12-byte cluster header) the superblock actually writes. The remainder
// of cluster 0, up to cluster_size, stays zero.
//
// magic(4) + cluster_size(4) + cluster_count(4) + expand_cluster_count(4) +
// free_list_head(4) + directory_head(4) + volume_id(16) + flags(1) = 41.
// The volume_id and flags fields are this implementation's addition on top
// of the six fields spec.md names; cross-implementation wire compatibility
// is out of scope, so growing into the reserved padding is safe.
const superblockPayloadUsed = 41

const (
	sbOffMagic              = 0
	sbOffClusterSize        = 4
	sbOffClusterCount       = 8
	sbOffExpandClusterCount = 12
	sbOffFreeListHead       = 16
	sbOffDirectoryHead      = 20
	sbOffVolumeID           = 24
	sbOffFlags              = 40
)

type superblock struct {
	clusterSize        uint32
	clusterCount       uint32
	expandClusterCount uint32
	freeListHead       uint32
	directoryHead      uint32
	volumeID           uuid.UUID
	flags              byte
}

// encode writes the superblock into buf, which must be at least
// HeaderSize+superblockPayloadUsed bytes (the caller zero-fills the rest of
// the cluster). buf[0:HeaderSize] is left untouched; callers write the
// cluster header separately.
func (s *superblock) encode(buf []byte) {
	p := buf[HeaderSize:]
	binary.LittleEndian.PutUint32(p[sbOffMagic:], superblockMagic)
	binary.LittleEndian.PutUint32(p[sbOffClusterSize:], s.clusterSize)
	binary.LittleEndian.PutUint32(p[sbOffClusterCount:], s.clusterCount)
	binary.LittleEndian.PutUint32(p[sbOffExpandClusterCount:], s.expandClusterCount)
	binary.LittleEndian.PutUint32(p[sbOffFreeListHead:], s.freeListHead)
	binary.LittleEndian.PutUint32(p[sbOffDirectoryHead:], s.directoryHead)
	copy(p[sbOffVolumeID:sbOffVolumeID+16], s.volumeID[:])
	p[sbOffFlags] = s.flags
}

// decodeSuperblock parses the superblock payload out of buf, which must be
// at least HeaderSize+superblockPayloadUsed bytes (buf[0:HeaderSize] is the
// cluster header and is ignored here).
func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) < HeaderSize+superblockPayloadUsed {
		return nil, errs.BadFormat("file too small to hold a superblock")
	}
	p := buf[HeaderSize:]
	magic := binary.LittleEndian.Uint32(p[sbOffMagic:])
	if magic != superblockMagic {
		return nil, errs.BadFormat("bad magic %#08x", magic)
	}
	sb := &superblock{
		clusterSize:        binary.LittleEndian.Uint32(p[sbOffClusterSize:]),
		clusterCount:       binary.LittleEndian.Uint32(p[sbOffClusterCount:]),
		expandClusterCount: binary.LittleEndian.Uint32(p[sbOffExpandClusterCount:]),
		freeListHead:       binary.LittleEndian.Uint32(p[sbOffFreeListHead:]),
		directoryHead:      binary.LittleEndian.Uint32(p[sbOffDirectoryHead:]),
		flags:              p[sbOffFlags],
	}
	copy(sb.volumeID[:], p[sbOffVolumeID:sbOffVolumeID+16])
	return sb, nil
}

// ValidateGeometry checks cluster_size and cluster_count against the
// invariants spec.md lays out: cluster_size is a power of two in
// [MinClusterSize, MaxClusterSize], and cluster_size * cluster_count is
// strictly less than MaxFileSize.
func ValidateGeometry(clusterSize, clusterCount uint32) error {
	if clusterSize < MinClusterSize || clusterSize > MaxClusterSize {
		return errs.Invalid("cluster size %d out of range [%d, %d]", clusterSize, MinClusterSize, MaxClusterSize)
	}
	if clusterSize&(clusterSize-1) != 0 {
		return errs.Invalid("cluster size %d is not a power of two", clusterSize)
	}
	if clusterCount == 0 {
		return errs.Invalid("cluster count must be at least 1")
	}
	total := uint64(clusterSize) * uint64(clusterCount)
	if total >= MaxFileSize {
		return errs.Invalid("cluster_size * cluster_count = %d is at or above the %d byte limit", total, MaxFileSize)
	}
	return nil
}
