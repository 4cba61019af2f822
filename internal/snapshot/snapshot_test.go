package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/channel"
	"github.com/limestonedb/limestone/internal/snapshot"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

func readSnapshot(t *testing.T, real *fs.Real, path string) []limestone.Entry {
	t.Helper()

	f, err := real.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wire.NewDecoder(f)

	var out []limestone.Entry

	for {
		e, ok, err := dec.Decode()
		require.NoError(t, err)

		if !ok {
			break
		}

		out = append(out, e)
	}

	return out
}

func TestBuild_SingleWriterSingleEpoch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(5, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 5, Minor: 1})))
	require.NoError(t, ch.EndSession(5))
	require.NoError(t, ch.Close())

	outPath := filepath.Join(dir, "snapshot")
	require.NoError(t, snapshot.Build(real, zap.NewNop(), []string{ch.Path()}, outPath))

	entries := readSnapshot(t, real, outPath)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("x"), entries[0].Value)
	require.Equal(t, []byte("b"), entries[1].Key)
	require.Equal(t, []byte("y"), entries[1].Value)
}

func TestBuild_TombstoneWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(5, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch.EndSession(5))

	require.NoError(t, ch.BeginSession(6, nil))
	require.NoError(t, ch.AddEntry(limestone.RemoveEntryOf(1, []byte("a"), limestone.WriteVersion{Major: 6})))
	require.NoError(t, ch.EndSession(6))
	require.NoError(t, ch.Close())

	outPath := filepath.Join(dir, "snapshot")
	require.NoError(t, snapshot.Build(real, zap.NewNop(), []string{ch.Path()}, outPath))

	entries := readSnapshot(t, real, outPath)
	require.Empty(t, entries)
}

func TestBuild_ClearStorageFilter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(5, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch.EndSession(5))

	require.NoError(t, ch.BeginSession(6, nil))
	require.NoError(t, ch.AddEntry(limestone.ClearStorageEntry(1, limestone.WriteVersion{Major: 6})))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 6, Minor: 1})))
	require.NoError(t, ch.EndSession(6))
	require.NoError(t, ch.Close())

	outPath := filepath.Join(dir, "snapshot")
	require.NoError(t, snapshot.Build(real, zap.NewNop(), []string{ch.Path()}, outPath))

	entries := readSnapshot(t, real, outPath)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("b"), entries[0].Key)
	require.Equal(t, []byte("y"), entries[0].Value)
}

func TestBuild_CrashMidSession_TruncatesAndExcludesEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(5, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 5, Minor: 1})))
	require.NoError(t, ch.Close()) // simulate crash: no EndSession, file just closed

	path := filepath.Join(dir, channel.ActiveFileName(0))

	infoBefore, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, infoBefore.Size())

	outPath := filepath.Join(dir, "snapshot")
	require.NoError(t, snapshot.Build(real, zap.NewNop(), []string{path}, outPath))

	entries := readSnapshot(t, real, outPath)
	require.Empty(t, entries)

	infoAfter, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(0), infoAfter.Size(), "log file should be truncated back to the last session boundary")
}

func TestBuild_MergesAcrossMultipleInputFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch0, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch0.BeginSession(5, nil))
	require.NoError(t, ch0.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("old"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch0.EndSession(5))
	require.NoError(t, ch0.Close())

	ch1, err := channel.Open(real, dir, 1, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch1.BeginSession(6, nil))
	require.NoError(t, ch1.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("new"), limestone.WriteVersion{Major: 6})))
	require.NoError(t, ch1.EndSession(6))
	require.NoError(t, ch1.Close())

	outPath := filepath.Join(dir, "snapshot")
	require.NoError(t, snapshot.Build(real, zap.NewNop(), []string{ch0.Path(), ch1.Path()}, outPath))

	entries := readSnapshot(t, real, outPath)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("new"), entries[0].Value)
}
