package evfs

import (
	"io"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsFSReadsEntryContent(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("greeting.txt")
	require.NoError(t, err)
	_, err = h.Write([]byte("hello world"))
	require.NoError(t, err)

	data, err := fs.ReadFile(f.AsFS(), "greeting.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestAsFSMissingEntryIsNotExist(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.AsFS().Open("nope")
	require.Error(t, err)
	require.True(t, isNotExist(err))
}

func isNotExist(err error) bool {
	pe, ok := err.(*fs.PathError)
	return ok && pe.Err == fs.ErrNotExist
}

func TestAsFSReadDirListsEntries(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	for _, key := range []string{"a", "b", "c"} {
		h, err := f.CreateEntry(key)
		require.NoError(t, err)
		_, err = h.Write([]byte(key))
		require.NoError(t, err)
	}

	entries, err := fs.ReadDir(f.AsFS(), ".")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	require.True(t, names["a"] && names["b"] && names["c"])
}

func TestAsFSFileIsReadOnly(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 10, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("x")
	require.NoError(t, err)
	_, err = h.Write([]byte("abc"))
	require.NoError(t, err)

	file, err := f.AsFS().Open("x")
	require.NoError(t, err)
	defer file.Close()

	_, writable := file.(io.Writer)
	require.False(t, writable, "AsFS files must not expose a Write method")

	buf, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf))
}
