// Package evfs is the entry manager: the top-level façade users construct
// (mirroring the role go-diskfs/disk.Disk plays for a disk image), owning
// the cluster manager, the write-back cache, the directory, and the table
// of open handles.
package evfs

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/evfs-project/evfs/cache"
	"github.com/evfs-project/evfs/cluster"
	"github.com/evfs-project/evfs/errs"
)

// FS is an open evfs volume. The zero value is not usable; construct with
// Create or Open. FS is safe for concurrent use from multiple goroutines;
// spec.md's single reentrant mutex is realized here as an ordinary
// sync.Mutex guarding every public method body, with private *Locked
// helpers that assume it is already held so one exported call can invoke
// another without deadlocking on itself.
type FS struct {
	mu sync.Mutex

	mgr   *cluster.Manager
	cache *cache.Cache

	dir *directory

	handles   map[int]*Handle
	nextHandle int

	path string
	log  *logrus.Entry
}

// Create formats a new backing file at path with the given geometry and
// opens it. cacheBlocks is the cluster cache's initial capacity (0 means no
// cache).
func Create(path string, clusterSize uint32, clusterCount uint32, cacheBlocks int) (*FS, error) {
	if cacheBlocks < 0 {
		return nil, errs.Invalid("cache blocks must be >= 0, got %d", cacheBlocks)
	}
	mgr := cluster.New()
	expandClusterCount := clusterCount
	if expandClusterCount == 0 {
		expandClusterCount = 1
	}
	if err := mgr.Format(path, clusterSize, clusterCount, expandClusterCount); err != nil {
		return nil, err
	}
	f := newFS(path, mgr, cacheBlocks)
	f.dir = newDirectory(f)
	if err := f.dir.initEmpty(); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return f, nil
}

// Open opens an existing backing file at path.
func Open(path string, cacheBlocks int) (*FS, error) {
	if cacheBlocks < 0 {
		return nil, errs.Invalid("cache blocks must be >= 0, got %d", cacheBlocks)
	}
	mgr := cluster.New()
	if err := mgr.Open(path); err != nil {
		return nil, err
	}
	f := newFS(path, mgr, cacheBlocks)
	f.dir = newDirectory(f)
	if err := f.dir.load(); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return f, nil
}

func newFS(path string, mgr *cluster.Manager, cacheBlocks int) *FS {
	f := &FS{
		mgr:     mgr,
		handles: make(map[int]*Handle),
		path:    path,
		log:     logrus.WithField("component", "evfs"),
	}
	f.cache = cache.New(cacheBlocks, f.writeBackCluster)
	return f
}

// writeBackCluster is the cache's WriteBackFunc: it never touches cluster 0
// directly, since the superblock is mutated independently by allocator
// bookkeeping (free list head, directory head, cluster count) and is never
// placed in the cache.
func (f *FS) writeBackCluster(index uint32, data []byte) error {
	return f.mgr.WriteCluster(index, data)
}

func (f *FS) fetchCluster(index uint32) ([]byte, error) {
	return f.mgr.ReadCluster(index)
}

// readCluster returns a cluster's current bytes, routed through the cache
// for every index except 0 (the superblock, owned directly by the
// cluster manager).
func (f *FS) readCluster(index uint32) ([]byte, error) {
	if index == 0 {
		return f.mgr.ReadCluster(0)
	}
	return f.cache.Read(index, f.fetchCluster)
}

// writeCluster stages a cluster's bytes for write-back, except cluster 0
// which is written straight through the manager.
func (f *FS) writeCluster(index uint32, data []byte) error {
	if index == 0 {
		return f.mgr.WriteCluster(0, data)
	}
	return f.cache.Write(index, data)
}

func (f *FS) invalidateCluster(index uint32) {
	if index == 0 {
		return
	}
	f.cache.Invalidate(index)
}

// Close flushes the cache and closes the backing file. Idempotent: closing
// an already-closed FS returns nil.
func (f *FS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr == nil {
		return nil
	}
	flushErr := f.cache.Flush()
	closeErr := f.mgr.Close()
	f.mgr = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// SetCacheBlockNum resizes the cluster cache. Calling it twice with the
// same n is a no-op beyond re-applying the same capacity.
func (f *FS) SetCacheBlockNum(n int) error {
	if n < 0 {
		return errs.Invalid("cache blocks must be >= 0, got %d", n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Resize(n)
}

// Stat reports aggregate volume statistics.
type Stat struct {
	ClusterSize   uint32
	ClusterCount  uint32
	ClusterIdle   uint32
	ClusterBusy   uint32
	EntryCount    int
	CacheBlockNum int
	CacheHitRate  float64
}

// QueryStat returns the volume's current statistics.
func (f *FS) QueryStat() (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mgr == nil {
		return Stat{}, errs.ErrNotReady
	}
	idle := f.mgr.FreeClusterCount()
	count := f.mgr.ClusterCount()
	stats := f.cache.Stats()
	return Stat{
		ClusterSize:   f.mgr.ClusterSize(),
		ClusterCount:  count,
		ClusterIdle:   idle,
		ClusterBusy:   count - idle - 1,
		EntryCount:    f.dir.liveCount(),
		CacheBlockNum: stats.Capacity,
		CacheHitRate:  stats.HitRate(),
	}, nil
}

func (f *FS) allocateCluster() (uint32, error) {
	return f.mgr.AllocateCluster()
}

func (f *FS) freeCluster(id uint32) error {
	f.invalidateCluster(id)
	return f.mgr.FreeCluster(id)
}
