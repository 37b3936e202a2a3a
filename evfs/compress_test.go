package evfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCompressedRoundTrip(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 20, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("blob", WithCompression())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 40)
	n, err := h.WriteCompressed(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out, err := h.ReadAllDecompressed()
	require.NoError(t, err)
	require.Equal(t, payload, out)

	stored, err := h.EntrySize()
	require.NoError(t, err)
	require.Less(t, stored, int64(len(payload)))
}

func TestWriteCompressedRequiresOption(t *testing.T) {
	path := tempPath(t)
	f, err := Create(path, 128, 20, 8)
	require.NoError(t, err)
	defer f.Close()

	h, err := f.CreateEntry("plain")
	require.NoError(t, err)

	_, err = h.WriteCompressed([]byte("data"))
	require.Error(t, err)
}
