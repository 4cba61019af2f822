package cursor_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/cursor"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

func writeSortedFile(t *testing.T, real *fs.Real, path string, entries []limestone.Entry) {
	t.Helper()

	var buf bytes.Buffer
	for _, e := range entries {
		require.NoError(t, wire.Encode(&buf, e))
	}

	require.NoError(t, real.WriteFile(path, buf.Bytes(), 0o644))
}

func collect(t *testing.T, c *cursor.Cursor) []limestone.Entry {
	t.Helper()

	var out []limestone.Entry
	for c.Next() {
		out = append(out, limestone.NormalEntry(c.Storage(), append([]byte{}, c.Key()...), append([]byte{}, c.Value()...), limestone.WriteVersion{}))
	}

	require.NoError(t, c.Err())

	return out
}

func TestCursor_ScansSnapshotOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	path := filepath.Join(dir, "snapshot")

	writeSortedFile(t, real, path, []limestone.Entry{
		limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 1}),
		limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 1}),
	})

	c, err := cursor.Open(real, path, "")
	require.NoError(t, err)
	defer c.Close()

	entries := collect(t, c)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("b"), entries[1].Key)
}

func TestCursor_MergesSnapshotAndCompactedFile_GreaterVersionWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	snapPath := filepath.Join(dir, "snapshot")
	compPath := filepath.Join(dir, "compacted")

	writeSortedFile(t, real, snapPath, []limestone.Entry{
		limestone.NormalEntry(1, []byte("a"), []byte("old"), limestone.WriteVersion{Major: 1}),
		limestone.NormalEntry(1, []byte("c"), []byte("only-in-snapshot"), limestone.WriteVersion{Major: 1}),
	})
	writeSortedFile(t, real, compPath, []limestone.Entry{
		limestone.NormalEntry(1, []byte("a"), []byte("new"), limestone.WriteVersion{Major: 2}),
		limestone.NormalEntry(1, []byte("b"), []byte("only-in-compacted"), limestone.WriteVersion{Major: 1}),
	})

	c, err := cursor.Open(real, snapPath, compPath)
	require.NoError(t, err)
	defer c.Close()

	entries := collect(t, c)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("new"), entries[0].Value)
	require.Equal(t, []byte("b"), entries[1].Key)
	require.Equal(t, []byte("c"), entries[2].Key)
}

func TestCursor_Scan_PositionsAtFirstKeyGreaterOrEqual(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	path := filepath.Join(dir, "snapshot")

	writeSortedFile(t, real, path, []limestone.Entry{
		limestone.NormalEntry(1, []byte("a"), []byte("1"), limestone.WriteVersion{Major: 1}),
		limestone.NormalEntry(1, []byte("b"), []byte("2"), limestone.WriteVersion{Major: 1}),
		limestone.NormalEntry(1, []byte("c"), []byte("3"), limestone.WriteVersion{Major: 1}),
	})

	c, err := cursor.Open(real, path, "")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Scan(1, []byte("b"), true))
	require.True(t, c.Next())
	require.Equal(t, []byte("b"), c.Key())

	require.NoError(t, c.Scan(1, []byte("b"), false))
	require.True(t, c.Next())
	require.Equal(t, []byte("c"), c.Key())
}

func TestGetPartitionedCursors_UnionEqualsFullScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	path := filepath.Join(dir, "snapshot")

	var entries []limestone.Entry
	for i := byte(0); i < 50; i++ {
		entries = append(entries, limestone.NormalEntry(1, []byte{i}, []byte("v"), limestone.WriteVersion{Major: 1}))
	}

	writeSortedFile(t, real, path, entries)

	full, err := cursor.Open(real, path, "")
	require.NoError(t, err)
	defer full.Close()

	fullKeys := collect(t, full)

	reg := cursor.NewRegistry()
	partitioned, err := cursor.GetPartitionedCursors(real, path, "", 4, 1, reg)
	require.NoError(t, err)

	var gotKeys []limestone.Entry
	for _, pc := range partitioned {
		gotKeys = append(gotKeys, collect(t, pc)...)
		require.NoError(t, pc.Close())
	}

	require.Len(t, gotKeys, len(fullKeys))
	require.False(t, reg.InUse(path), "registry references should be released after closing all partitioned cursors")

	for i := range fullKeys {
		require.Equal(t, fullKeys[i].Key, gotKeys[i].Key)
	}
}
