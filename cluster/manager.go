// Package cluster implements the fixed-size cluster allocator and superblock
// that evfs's single backing file is built from: formatting, opening,
// growing, and reading/writing individual clusters by index. Nothing in this
// package knows about entry chains or keys; it only knows about cluster 0
// (the superblock) and the free list threaded through cluster headers.
package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evfs-project/evfs/backend"
	"github.com/evfs-project/evfs/errs"
)

type lifecycleState int32

const (
	stateNotReady lifecycleState = iota
	stateInitializing
	stateReady
	stateClosing
)

// Manager owns a backing file's superblock and cluster geometry. It is safe
// for concurrent use: Format/Open/Close are guarded by an atomic lifecycle
// state, and cluster I/O is serialized by an internal mutex, matching
// evfs's single-resident-instance-per-file model.
type Manager struct {
	state atomic.Int32

	mu    sync.Mutex
	store backend.Storage

	clusterSize        uint32
	payloadMax         uint32
	clusterCount       uint32
	expandClusterCount uint32
	freeListHead       uint32
	freeListTail       uint32
	freeListCount      uint32
	directoryHead      uint32
	volumeID           uuid.UUID
	flags              byte

	log *logrus.Entry
}

// New returns a Manager in the NotReady state; call Format or Open to make
// it usable.
func New() *Manager {
	m := &Manager{log: logrus.WithField("component", "cluster")}
	m.state.Store(int32(stateNotReady))
	return m
}

func (m *Manager) ensureReady() error {
	if lifecycleState(m.state.Load()) != stateReady {
		return errs.ErrNotReady
	}
	return nil
}

// Format creates a new backing file at path and writes an empty superblock
// and free list. expandClusterCount is the number of clusters Expand adds
// each time the free list runs dry.
func (m *Manager) Format(path string, clusterSize, clusterCount, expandClusterCount uint32) (err error) {
	if !m.state.CompareAndSwap(int32(stateNotReady), int32(stateInitializing)) {
		return errs.AlreadyExists("cluster manager is already open or initializing")
	}
	ready := false
	defer func() {
		if !ready {
			m.state.Store(int32(stateNotReady))
		}
	}()

	if err := ValidateGeometry(clusterSize, clusterCount); err != nil {
		return err
	}
	if expandClusterCount == 0 {
		return errs.Invalid("expand cluster count must be at least 1")
	}

	store, err := backend.CreateFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if !ready {
			_ = store.Close()
		}
	}()

	m.store = store
	m.clusterSize = clusterSize
	m.payloadMax = clusterSize - HeaderSize
	m.clusterCount = clusterCount
	m.expandClusterCount = expandClusterCount
	m.freeListHead = 0
	m.freeListTail = 0
	m.freeListCount = 0
	m.directoryHead = 0
	m.volumeID = uuid.New()
	m.flags = 0

	totalSize := int64(clusterSize) * int64(clusterCount)
	if err := backend.ZeroExtend(store, 0, totalSize); err != nil {
		return err
	}
	if err := m.chainFreeRange(1, clusterCount); err != nil {
		return err
	}
	if err := m.persistSuperblockLocked(); err != nil {
		return err
	}
	if err := store.Sync(); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"path":          path,
		"cluster_size":  clusterSize,
		"cluster_count": clusterCount,
		"volume_id":     m.volumeID,
	}).Debug("formatted evfs file")

	ready = true
	m.state.Store(int32(stateReady))
	return nil
}

// Open opens an existing backing file at path, validating the superblock
// and the file's actual size against it.
func (m *Manager) Open(path string) (err error) {
	if !m.state.CompareAndSwap(int32(stateNotReady), int32(stateInitializing)) {
		return errs.AlreadyExists("cluster manager is already open or initializing")
	}
	ready := false
	defer func() {
		if !ready {
			m.state.Store(int32(stateNotReady))
		}
	}()

	store, err := backend.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if !ready {
			_ = store.Close()
		}
	}()

	buf := make([]byte, HeaderSize+superblockPayloadUsed)
	if _, err := store.ReadAt(buf, 0); err != nil {
		return errs.IO(err)
	}
	hdr := DecodeHeader(buf[0:HeaderSize])
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}
	if err := ValidateGeometry(sb.clusterSize, sb.clusterCount); err != nil {
		return errs.BadFormat("invalid geometry in superblock: %v", err)
	}
	if hdr.DataSegSize != superblockPayloadUsed || hdr.NextClusterID != 0 || hdr.HeadClusterID != 0 {
		return errs.BadFormat("superblock cluster header is inconsistent")
	}

	info, err := store.Stat()
	if err != nil {
		return err
	}
	expectedSize := int64(sb.clusterSize) * int64(sb.clusterCount)
	if info.Size() != expectedSize {
		return errs.BadFormat("file size %d does not match cluster_size*cluster_count=%d", info.Size(), expectedSize)
	}

	m.store = store
	m.clusterSize = sb.clusterSize
	m.payloadMax = sb.clusterSize - HeaderSize
	m.clusterCount = sb.clusterCount
	m.expandClusterCount = sb.expandClusterCount
	m.freeListHead = sb.freeListHead
	m.directoryHead = sb.directoryHead
	m.volumeID = sb.volumeID
	m.flags = sb.flags

	tail, count, err := m.walkFreeList(sb.freeListHead)
	if err != nil {
		return err
	}
	m.freeListTail = tail
	m.freeListCount = count

	m.log.WithFields(logrus.Fields{
		"path":          path,
		"cluster_size":  m.clusterSize,
		"cluster_count": m.clusterCount,
		"volume_id":     m.volumeID,
	}).Debug("opened evfs file")

	ready = true
	m.state.Store(int32(stateReady))
	return nil
}

// Close flushes and releases the backing file. After Close, the Manager may
// be reused via Format or Open.
func (m *Manager) Close() error {
	if !m.state.CompareAndSwap(int32(stateReady), int32(stateClosing)) {
		return errs.ErrNotReady
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Close()
	m.store = nil
	m.state.Store(int32(stateNotReady))
	return err
}

// ClusterSize returns the fixed on-disk size of every cluster, header
// included.
func (m *Manager) ClusterSize() uint32 { return m.clusterSize }

// PayloadMax returns the maximum number of payload bytes a single cluster
// can carry (ClusterSize - HeaderSize).
func (m *Manager) PayloadMax() uint32 { return m.payloadMax }

// ClusterCount returns the current total number of clusters, including
// cluster 0.
func (m *Manager) ClusterCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clusterCount
}

// ExpandClusterCount returns the number of clusters Expand adds per call.
func (m *Manager) ExpandClusterCount() uint32 { return m.expandClusterCount }

// VolumeID returns the volume's UUID, generated at Format time.
func (m *Manager) VolumeID() uuid.UUID { return m.volumeID }

// DirectoryHead returns the head cluster index of the directory chain, or 0
// if none has been established yet.
func (m *Manager) DirectoryHead() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.directoryHead
}

// SetDirectoryHead persists the directory chain's head cluster index.
func (m *Manager) SetDirectoryHead(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return err
	}
	m.directoryHead = id
	return m.persistSuperblockLocked()
}

// FreeListHead returns the current head of the free cluster chain (0 if
// empty).
func (m *Manager) FreeListHead() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeListHead
}

// FreeClusterCount returns the number of clusters currently on the free
// list, used by QueryStat-style reporting.
func (m *Manager) FreeClusterCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeListCount
}

// ReadCluster returns the full ClusterSize() bytes of cluster index,
// header included.
func (m *Manager) ReadCluster(index uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return nil, err
	}
	return m.readClusterLocked(index)
}

func (m *Manager) readClusterLocked(index uint32) ([]byte, error) {
	if index >= m.clusterCount {
		return nil, errs.Invalid("cluster index %d out of range [0, %d)", index, m.clusterCount)
	}
	buf := make([]byte, m.clusterSize)
	off := int64(index) * int64(m.clusterSize)
	if _, err := m.store.ReadAt(buf, off); err != nil {
		return nil, errs.IO(err)
	}
	return buf, nil
}

// WriteCluster writes buf, which must be exactly ClusterSize() bytes, as
// cluster index. Writing cluster 0 re-derives the manager's in-memory
// superblock fields from buf, so the cache's write-back of a dirty
// superblock stays consistent with Format/Open's own bookkeeping.
func (m *Manager) WriteCluster(index uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return err
	}
	return m.writeClusterLocked(index, buf)
}

func (m *Manager) writeClusterLocked(index uint32, buf []byte) error {
	if index >= m.clusterCount {
		return errs.Invalid("cluster index %d out of range [0, %d)", index, m.clusterCount)
	}
	if uint32(len(buf)) != m.clusterSize {
		return errs.Invalid("cluster buffer is %d bytes, want %d", len(buf), m.clusterSize)
	}
	off := int64(index) * int64(m.clusterSize)
	if _, err := m.store.WriteAt(buf, off); err != nil {
		return err
	}
	if index == 0 {
		sb, err := decodeSuperblock(buf)
		if err != nil {
			return err
		}
		m.clusterCount = sb.clusterCount
		m.expandClusterCount = sb.expandClusterCount
		m.freeListHead = sb.freeListHead
		m.directoryHead = sb.directoryHead
		m.flags = sb.flags
	}
	return nil
}

// ReadClusterHeader reads just the 12-byte header of cluster index, without
// paying for the full payload.
func (m *Manager) ReadClusterHeader(index uint32) (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return Header{}, err
	}
	return m.readClusterHeaderLocked(index)
}

func (m *Manager) readClusterHeaderLocked(index uint32) (Header, error) {
	if index >= m.clusterCount {
		return Header{}, errs.Invalid("cluster index %d out of range [0, %d)", index, m.clusterCount)
	}
	buf := make([]byte, HeaderSize)
	off := int64(index) * int64(m.clusterSize)
	if _, err := m.store.ReadAt(buf, off); err != nil {
		return Header{}, errs.IO(err)
	}
	return DecodeHeader(buf), nil
}

// WriteClusterHeader overwrites just the 12-byte header of cluster index,
// leaving its payload untouched.
func (m *Manager) WriteClusterHeader(index uint32, h Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return err
	}
	return m.writeClusterHeaderLocked(index, h)
}

func (m *Manager) writeClusterHeaderLocked(index uint32, h Header) error {
	if index >= m.clusterCount {
		return errs.Invalid("cluster index %d out of range [0, %d)", index, m.clusterCount)
	}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	off := int64(index) * int64(m.clusterSize)
	if _, err := m.store.WriteAt(buf, off); err != nil {
		return err
	}
	return nil
}

// persistSuperblockLocked re-serializes the in-memory superblock fields and
// writes them to cluster 0. Callers must hold m.mu.
func (m *Manager) persistSuperblockLocked() error {
	buf := make([]byte, m.clusterSize)
	hdr := Header{DataSegSize: superblockPayloadUsed, NextClusterID: 0, HeadClusterID: 0}
	hdr.Encode(buf)
	sb := &superblock{
		clusterSize:        m.clusterSize,
		clusterCount:       m.clusterCount,
		expandClusterCount: m.expandClusterCount,
		freeListHead:       m.freeListHead,
		directoryHead:      m.directoryHead,
		volumeID:           m.volumeID,
		flags:              m.flags,
	}
	sb.encode(buf)
	off := int64(0)
	if _, err := m.store.WriteAt(buf, off); err != nil {
		return err
	}
	return nil
}

// chainFreeRange links clusters [from, count) into a free chain and makes
// it the manager's free list, overwriting whatever free list state existed.
// Callers must hold m.mu (or call this before Format publishes the
// manager).
func (m *Manager) chainFreeRange(from, count uint32) error {
	if from >= count {
		m.freeListHead = 0
		m.freeListTail = 0
		m.freeListCount = 0
		return nil
	}
	for i := from; i < count; i++ {
		var next uint32
		if i+1 < count {
			next = i + 1
		}
		h := Header{DataSegSize: 0, NextClusterID: next, HeadClusterID: 0}
		if err := m.writeClusterHeaderLocked(i, h); err != nil {
			return err
		}
	}
	m.freeListHead = from
	m.freeListTail = count - 1
	m.freeListCount = count - from
	return nil
}

// walkFreeList walks the free chain rooted at head to find its tail and
// length, used to rebuild in-memory bookkeeping at Open time.
func (m *Manager) walkFreeList(head uint32) (tail uint32, count uint32, err error) {
	if head == 0 {
		return 0, 0, nil
	}
	seen := make(map[uint32]bool)
	cur := head
	for {
		if seen[cur] {
			return 0, 0, errs.Corrupt("free list contains a cycle at cluster %d", cur)
		}
		seen[cur] = true
		count++
		h, err := m.readClusterHeaderLocked(cur)
		if err != nil {
			return 0, 0, err
		}
		if h.NextClusterID == 0 {
			return cur, count, nil
		}
		cur = h.NextClusterID
	}
}

// Expand grows the backing file by ExpandClusterCount() clusters and
// appends them to the tail of the free list. It returns the index of the
// first newly added cluster and how many were added.
func (m *Manager) Expand() (firstNew uint32, added uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return 0, 0, err
	}

	oldCount := m.clusterCount
	newCount := oldCount + m.expandClusterCount
	newTotal := uint64(m.clusterSize) * uint64(newCount)
	if newTotal >= MaxFileSize {
		return 0, 0, errs.NoSpace("expanding by %d clusters would exceed the %d byte file size limit", m.expandClusterCount, MaxFileSize)
	}

	oldTotal := int64(m.clusterSize) * int64(oldCount)
	if err := backend.ZeroExtend(m.store, oldTotal, int64(newTotal)); err != nil {
		return 0, 0, err
	}

	for i := oldCount; i < newCount; i++ {
		var next uint32
		if i+1 < newCount {
			next = i + 1
		}
		h := Header{DataSegSize: 0, NextClusterID: next, HeadClusterID: 0}
		if err := m.writeClusterHeaderLocked(i, h); err != nil {
			return 0, 0, err
		}
	}

	if m.freeListHead == 0 {
		m.freeListHead = oldCount
	} else {
		tailHdr, err := m.readClusterHeaderLocked(m.freeListTail)
		if err != nil {
			return 0, 0, err
		}
		tailHdr.NextClusterID = oldCount
		if err := m.writeClusterHeaderLocked(m.freeListTail, tailHdr); err != nil {
			return 0, 0, err
		}
	}
	m.freeListTail = newCount - 1
	m.freeListCount += m.expandClusterCount
	m.clusterCount = newCount

	if err := m.persistSuperblockLocked(); err != nil {
		return 0, 0, err
	}

	m.log.WithFields(logrus.Fields{
		"old_cluster_count": oldCount,
		"new_cluster_count": newCount,
	}).Debug("expanded evfs file")

	return oldCount, m.expandClusterCount, nil
}

// AllocateCluster pops a cluster off the free list, expanding the file once
// if the list is empty. It returns NoSpace if expansion itself cannot make
// room (host filesystem full, or the 1 GiB size limit would be exceeded).
//
// This reads and writes the popped cluster's header straight through the
// backend, bypassing cache.Cache entirely, same as every other free-list
// operation. That is only coherent because evfs.FS serializes every
// entry-manager call behind its own mutex and always calls freeCluster
// (which invalidates the cache entry first) before a freed index can be
// reallocated here — a caller driving Manager directly, without that
// invalidate-before-free discipline, could read a stale cached payload
// for a cluster this just repurposed.
func (m *Manager) AllocateCluster() (uint32, error) {
	m.mu.Lock()
	if err := m.ensureReady(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	empty := m.freeListHead == 0
	m.mu.Unlock()

	if empty {
		if _, _, err := m.Expand(); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freeListHead == 0 {
		return 0, errs.NoSpace("free list is empty after expand")
	}
	id := m.freeListHead
	hdr, err := m.readClusterHeaderLocked(id)
	if err != nil {
		return 0, err
	}
	m.freeListHead = hdr.NextClusterID
	m.freeListCount--
	if m.freeListHead == 0 {
		m.freeListTail = 0
	}
	if err := m.persistSuperblockLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// FreeCluster returns cluster id to the head of the free list, rewriting
// its header with data_seg_size and head_cluster_id zero and
// next_cluster_id pointing at the previous free-list head.
func (m *Manager) FreeCluster(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureReady(); err != nil {
		return err
	}
	if id == 0 || id >= m.clusterCount {
		return errs.Invalid("cannot free cluster index %d", id)
	}
	h := Header{DataSegSize: 0, NextClusterID: m.freeListHead, HeadClusterID: 0}
	if err := m.writeClusterHeaderLocked(id, h); err != nil {
		return err
	}
	if m.freeListHead == 0 {
		m.freeListTail = id
	}
	m.freeListHead = id
	m.freeListCount++
	return m.persistSuperblockLocked()
}
