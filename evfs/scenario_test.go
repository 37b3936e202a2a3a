package evfs

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evfs-project/evfs/errs"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t.db")
}

func TestScenarioBasicWriteRead(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("test.txt")
	require.NoError(t, err)

	n, err := h.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	_, err = h.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 11)
	n, err = h.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))

	size, err := h.EntrySize()
	require.NoError(t, err)
	require.EqualValues(t, 11, size)
}

func TestScenarioWriteAcrossClusterBoundary(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("test.txt")
	require.NoError(t, err)
	_, err = h.Write([]byte("hello world"))
	require.NoError(t, err)

	_, err = h.Seek(80, 0)
	require.NoError(t, err)
	n, err := h.Write([]byte("step over cluster boundary"))
	require.NoError(t, err)
	require.Equal(t, 26, n)

	size, err := h.EntrySize()
	require.NoError(t, err)
	require.EqualValues(t, 106, size)

	_, err = h.Seek(80, 0)
	require.NoError(t, err)
	buf := make([]byte, 26)
	_, err = h.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "step over cluster boundary", string(buf))

	_, err = h.Seek(0, 0)
	require.NoError(t, err)
	buf = make([]byte, 11)
	_, err = h.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))

	_, err = h.Seek(11, 0)
	require.NoError(t, err)
	gap := make([]byte, 80-11)
	_, err = h.Read(gap)
	require.NoError(t, err)
	require.True(t, bytes.Equal(gap, make([]byte, len(gap))))
}

func TestScenarioWriteBeyondEndLeavesGapZeroed(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("a")
	require.NoError(t, err)

	_, err = h.Seek(300, 0)
	require.NoError(t, err)
	n, err := h.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	size, err := h.EntrySize()
	require.NoError(t, err)
	require.EqualValues(t, 311, size)

	_, err = h.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 128*2)
	_, _ = h.Read(buf)
	require.True(t, bytes.Equal(buf[:300], make([]byte, 300)))
}

func TestScenarioTruncateGrowAndShrink(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("a")
	require.NoError(t, err)
	_, err = h.Write([]byte("hello world"))
	require.NoError(t, err)

	require.NoError(t, h.Truncate(20))
	size, err := h.EntrySize()
	require.NoError(t, err)
	require.EqualValues(t, 20, size)

	require.NoError(t, h.Truncate(100))
	size, err = h.EntrySize()
	require.NoError(t, err)
	require.EqualValues(t, 100, size)

	_, err = h.Seek(20, 0)
	require.NoError(t, err)
	buf := make([]byte, 80)
	_, err = h.Read(buf)
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf, make([]byte, 80)))
}

func TestScenarioEraseEntryFreesClustersAndInvalidatesHandle(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("x")
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x61}, 1408)
	n, err := h.Write(payload)
	require.NoError(t, err)
	require.Equal(t, 1408, n)

	require.NoError(t, f.EraseEntryByKey("x"))

	_, err = h.Read(make([]byte, 1))
	require.True(t, errors.Is(err, &errs.NotFoundError{}), "read on erased handle = %v, want NotFoundError", err)

	_, err = f.OpenEntryByKey("x")
	require.Error(t, err)

	stat, err := f.QueryStat()
	require.NoError(t, err)
	require.EqualValues(t, stat.ClusterCount-1, stat.ClusterIdle)
}

func TestScenarioDoubleCreateSamePathFails(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 85)
	require.NoError(t, err)
	defer f.Close()

	_, err = Create(path, 128, 10, 85)
	require.Error(t, err)
}

func TestSeekBoundaries(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("a")
	require.NoError(t, err)

	_, err = h.Seek(-1, 0)
	require.Error(t, err)

	_, err = h.Seek(1<<62, 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := h.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func TestGeometryBoundariesAtEvfsLevel(t *testing.T) {
	cases := []struct {
		name        string
		clusterSize uint32
		count       uint32
		wantErr     bool
	}{
		{"min-ok", 64, 4, false},
		{"max-ok", 4096, 4, false},
		{"not-power-of-two", 127, 4, true},
		{"too-large", 8192, 4, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := tempPath(t)
			f, err := Create(path, tc.clusterSize, tc.count, tc.count)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, f.Close())
		})
	}
}
