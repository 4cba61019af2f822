package channel_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/channel"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

func TestChannel_BeginAddEnd_PersistsEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(5, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 5, Minor: 1})))
	require.NoError(t, ch.EndSession(5))

	epoch, ok := ch.LastCompletedEpoch()
	require.True(t, ok)
	require.Equal(t, uint64(5), epoch)

	require.NoError(t, ch.Close())

	data, err := real.ReadFile(ch.Path())
	require.NoError(t, err)

	dec := wire.NewDecoder(bytes.NewReader(data))

	var kinds []limestone.EntryKind
	for {
		e, ok, err := dec.Decode()
		require.NoError(t, err)

		if !ok {
			break
		}

		kinds = append(kinds, e.Kind)
	}

	require.Equal(t, []limestone.EntryKind{
		limestone.KindBeginSession,
		limestone.KindNormal,
		limestone.KindNormal,
		limestone.KindEndSession,
	}, kinds)
}

func TestChannel_BeginSession_FailsIfAlreadyOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ch, err := channel.Open(fs.NewReal(), dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(1, nil))
	require.ErrorIs(t, ch.BeginSession(2, nil), channel.ErrSessionAlreadyOpen)
}

func TestChannel_AddEntry_FailsWithoutOpenSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ch, err := channel.Open(fs.NewReal(), dir, 0, zap.NewNop())
	require.NoError(t, err)

	err = ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 1}))
	require.ErrorIs(t, err, channel.ErrNoOpenSession)
}

func TestChannel_Rotate_RenamesAndOpensEmptyActiveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	ch, err := channel.Open(real, dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(1, nil))
	require.NoError(t, ch.AddEntry(limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 1})))
	require.NoError(t, ch.EndSession(1))

	rotated, err := ch.Rotate("20260101T000000")
	require.NoError(t, err)
	require.NotEmpty(t, rotated)

	exists, err := real.Exists(rotated)
	require.NoError(t, err)
	require.True(t, exists)

	info, err := real.Stat(ch.Path())
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Size())
}

func TestChannel_Rotate_SkipsEmptyActiveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ch, err := channel.Open(fs.NewReal(), dir, 0, zap.NewNop())
	require.NoError(t, err)

	rotated, err := ch.Rotate("20260101T000000")
	require.NoError(t, err)
	require.Empty(t, rotated)
}

func TestChannel_InvalidateSession_DoesNotAdvanceCompletedEpoch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ch, err := channel.Open(fs.NewReal(), dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ch.BeginSession(3, nil))
	require.NoError(t, ch.InvalidateSession())

	_, ok := ch.LastCompletedEpoch()
	require.False(t, ok)
}
