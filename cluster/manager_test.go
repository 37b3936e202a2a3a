package cluster

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/evfs-project/evfs/errs"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t.db")
}

func TestFormatOpenRoundTrip(t *testing.T) {
	path := tempPath(t)

	m := New()
	if err := m.Format(path, 128, 10, 4); err != nil {
		t.Fatalf("Format: %v", err)
	}
	vol := m.VolumeID()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2 := New()
	if err := m2.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m2.Close()

	if m2.ClusterSize() != 128 {
		t.Errorf("ClusterSize = %d, want 128", m2.ClusterSize())
	}
	if m2.ClusterCount() != 10 {
		t.Errorf("ClusterCount = %d, want 10", m2.ClusterCount())
	}
	if m2.VolumeID() != vol {
		t.Errorf("VolumeID changed across reopen: %v != %v", m2.VolumeID(), vol)
	}
	if got := m2.FreeClusterCount(); got != 9 {
		t.Errorf("FreeClusterCount = %d, want 9", got)
	}
}

func TestGeometryBoundaries(t *testing.T) {
	cases := []struct {
		name        string
		clusterSize uint32
		wantErr     bool
	}{
		{"min-ok", 64, false},
		{"max-ok", 4096, false},
		{"not-power-of-two", 127, true},
		{"too-large", 8192, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := New()
			err := m.Format(tempPath(t), c.clusterSize, 4, 4)
			if c.wantErr && !errors.Is(err, &errs.InvalidError{}) {
				t.Fatalf("Format(%d) = %v, want InvalidError", c.clusterSize, err)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("Format(%d) = %v, want success", c.clusterSize, err)
			}
			if err == nil {
				_ = m.Close()
			}
		})
	}
}

func TestTotalSizeLimit(t *testing.T) {
	// 4096 * 262144 == 1 GiB exactly: must fail.
	m := New()
	err := m.Format(tempPath(t), 4096, 262144, 4)
	if !errors.Is(err, &errs.InvalidError{}) {
		t.Fatalf("Format(exactly 1 GiB) = %v, want InvalidError", err)
	}

	// One cluster less must succeed.
	m2 := New()
	if err := m2.Format(tempPath(t), 4096, 262143, 4); err != nil {
		t.Fatalf("Format(just under 1 GiB) = %v, want success", err)
	}
	_ = m2.Close()
}

func TestDoubleCreateSamePathFails(t *testing.T) {
	path := tempPath(t)
	m1 := New()
	if err := m1.Format(path, 128, 10, 85); err != nil {
		t.Fatalf("first Format: %v", err)
	}
	defer m1.Close()

	m2 := New()
	err := m2.Format(path, 128, 10, 85)
	if !errors.Is(err, &errs.AlreadyExistsError{}) {
		t.Fatalf("second Format = %v, want AlreadyExistsError", err)
	}
}

func TestDoubleFormatSameManagerFails(t *testing.T) {
	m := New()
	if err := m.Format(tempPath(t), 128, 10, 4); err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer m.Close()

	err := m.Format(tempPath(t), 128, 10, 4)
	if !errors.Is(err, &errs.AlreadyExistsError{}) {
		t.Fatalf("second Format on same manager = %v, want AlreadyExistsError", err)
	}
}

func TestOpsBeforeReadyFail(t *testing.T) {
	m := New()
	if _, err := m.ReadCluster(0); !errors.Is(err, errs.ErrNotReady) {
		t.Errorf("ReadCluster before ready = %v, want ErrNotReady", err)
	}
	if _, _, err := m.Expand(); !errors.Is(err, errs.ErrNotReady) {
		t.Errorf("Expand before ready = %v, want ErrNotReady", err)
	}
}

func TestAllocateAndFreeCluster(t *testing.T) {
	m := New()
	if err := m.Format(tempPath(t), 128, 4, 2); err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer m.Close()

	id1, err := m.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster: %v", err)
	}
	if id1 == 0 {
		t.Fatalf("AllocateCluster returned cluster 0")
	}
	if got := m.FreeClusterCount(); got != 2 {
		t.Errorf("FreeClusterCount after one alloc = %d, want 2", got)
	}

	if err := m.FreeCluster(id1); err != nil {
		t.Fatalf("FreeCluster: %v", err)
	}
	if got := m.FreeClusterCount(); got != 3 {
		t.Errorf("FreeClusterCount after free = %d, want 3", got)
	}

	id2, err := m.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster (reuse): %v", err)
	}
	if id2 != id1 {
		t.Errorf("expected freed cluster %d reused first (LIFO head), got %d", id1, id2)
	}
}

func TestAllocateTriggersExpand(t *testing.T) {
	m := New()
	// cluster_count=2 means exactly one data cluster (index 1); the free
	// list starts with a single entry.
	if err := m.Format(tempPath(t), 128, 2, 3); err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer m.Close()

	if _, err := m.AllocateCluster(); err != nil {
		t.Fatalf("first AllocateCluster: %v", err)
	}
	// free list is now empty; the next allocation must trigger Expand.
	before := m.ClusterCount()
	id, err := m.AllocateCluster()
	if err != nil {
		t.Fatalf("AllocateCluster after exhaustion: %v", err)
	}
	after := m.ClusterCount()
	if after != before+3 {
		t.Errorf("ClusterCount after expand = %d, want %d", after, before+3)
	}
	if id < before {
		t.Errorf("allocated cluster %d should come from the newly expanded range starting at %d", id, before)
	}
	if got := m.FreeClusterCount(); got != 2 {
		t.Errorf("FreeClusterCount after expand+alloc = %d, want 2", got)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := tempPath(t)
	m := New()
	if err := m.Format(path, 128, 4, 4); err != nil {
		t.Fatalf("Format: %v", err)
	}
	buf, err := m.ReadCluster(0)
	if err != nil {
		t.Fatalf("ReadCluster: %v", err)
	}
	buf[HeaderSize] ^= 0xff // corrupt the magic byte
	// WriteCluster(0, ...) re-decodes the superblock and rejects a bad
	// magic, so write the corrupted bytes straight to the backing store.
	if _, err := m.store.WriteAt(buf, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	_ = m.Close()

	m2 := New()
	err = m2.Open(path)
	if !errors.Is(err, &errs.BadFormatError{}) {
		t.Fatalf("Open(corrupted magic) = %v, want BadFormatError", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	m := New()
	err := m.Open(tempPath(t))
	if !errors.Is(err, &errs.NotFoundError{}) {
		t.Fatalf("Open(missing) = %v, want NotFoundError", err)
	}
}

func TestSetDirectoryHeadPersists(t *testing.T) {
	path := tempPath(t)
	m := New()
	if err := m.Format(path, 128, 4, 4); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := m.SetDirectoryHead(2); err != nil {
		t.Fatalf("SetDirectoryHead: %v", err)
	}
	_ = m.Close()

	m2 := New()
	if err := m2.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m2.Close()
	if m2.DirectoryHead() != 2 {
		t.Errorf("DirectoryHead after reopen = %d, want 2", m2.DirectoryHead())
	}
}
