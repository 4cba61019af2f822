package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/wire"
)

func TestRoundTrip_AllKinds(t *testing.T) {
	t.Parallel()

	entries := []limestone.Entry{
		limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5, Minor: 0}),
		limestone.RemoveEntryOf(1, []byte("a"), limestone.WriteVersion{Major: 6, Minor: 0}),
		limestone.ClearStorageEntry(1, limestone.WriteVersion{Major: 6, Minor: 0}),
		limestone.AddStorageEntry(2, limestone.WriteVersion{Major: 1, Minor: 0}),
		limestone.RemoveStorageEntry(2, limestone.WriteVersion{Major: 2, Minor: 0}),
		limestone.NormalWithBlobEntry(3, []byte("k"), []uint64{10, 20, 30}, limestone.WriteVersion{Major: 1, Minor: 2}),
		limestone.BeginSessionEntry(5),
		limestone.EndSessionEntry(5),
		limestone.DurableEpochEntry(5),
		limestone.InvalidatedSessionEntry(),
		limestone.NormalEntry(1, []byte(""), []byte(""), limestone.WriteVersion{}),
	}

	var buf bytes.Buffer

	for _, e := range entries {
		require.NoError(t, wire.Encode(&buf, e))
	}

	dec := wire.NewDecoder(&buf)

	for i, want := range entries {
		got, ok, err := dec.Decode()
		require.NoErrorf(t, err, "entry %d", i)
		require.Truef(t, ok, "entry %d: expected ok", i)

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("entry %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, ok, err := dec.Decode()
	require.NoError(t, err)
	require.False(t, ok, "expected clean EOF")
}

func TestDecode_TruncatedMidRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, wire.Encode(&buf, limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})))

	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-3])

	dec := wire.NewDecoder(truncated)

	_, ok, err := dec.Decode()
	require.False(t, ok)
	require.True(t, errors.Is(err, wire.ErrTruncated))
	require.Equal(t, int64(0), dec.Offset())
}

func TestDecode_TruncatedAfterCompleteRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	e1 := limestone.NormalEntry(1, []byte("a"), []byte("x"), limestone.WriteVersion{Major: 5})
	require.NoError(t, wire.Encode(&buf, e1))

	boundary := buf.Len()

	e2 := limestone.NormalEntry(1, []byte("b"), []byte("y"), limestone.WriteVersion{Major: 5, Minor: 1})
	require.NoError(t, wire.Encode(&buf, e2))

	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-2])

	dec := wire.NewDecoder(truncated)

	_, ok, err := dec.Decode()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = dec.Decode()
	require.False(t, ok)
	require.True(t, errors.Is(err, wire.ErrTruncated))
	require.Equal(t, int64(boundary), dec.Offset())
}

func TestDecode_EmptyStreamIsCleanEOF(t *testing.T) {
	t.Parallel()

	dec := wire.NewDecoder(bytes.NewReader(nil))

	_, ok, err := dec.Decode()
	require.NoError(t, err)
	require.False(t, ok)
}
