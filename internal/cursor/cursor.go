// Package cursor implements the cursor and partitioned cursor (C8): a pull
// iterator over a snapshot, optionally merged with one compacted file.
package cursor

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

// Cursor is a pull iterator over sorted (storage, key) records. Next must
// be called before the first Storage/Key/Value/BlobIDs access.
type Cursor struct {
	sources  []*source
	cur      limestone.Entry
	err      error
	registry *Registry
	regPaths []string
}

// source wraps one sorted input stream and its decode cursor.
type source struct {
	path   string
	f      fs.File
	dec    *wire.Decoder
	cur    limestone.Entry
	hasCur bool
	done   bool
	err    error
	upper  boundKey
}

type boundKey struct {
	set     bool
	storage limestone.StorageID
	key     []byte
}

func lessKey(aStorage limestone.StorageID, aKey []byte, bStorage limestone.StorageID, bKey []byte) bool {
	if aStorage != bStorage {
		return aStorage < bStorage
	}

	return bytes.Compare(aKey, bKey) < 0
}

func compareKey(aStorage limestone.StorageID, aKey []byte, bStorage limestone.StorageID, bKey []byte) int {
	if aStorage != bStorage {
		if aStorage < bStorage {
			return -1
		}

		return 1
	}

	return bytes.Compare(aKey, bKey)
}

func newSource(fsys fs.FS, path string) (*source, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cursor: open %q: %w", path, err)
	}

	return &source{path: path, f: f, dec: wire.NewDecoder(f)}, nil
}

// seek repositions the source's underlying file and decoder to offset,
// discarding any buffered current record.
func (s *source) seek(offset int64) error {
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("cursor: seek %q to %d: %w", s.path, offset, err)
	}

	s.dec = wire.NewDecoder(s.f)
	s.hasCur = false
	s.done = false

	return nil
}

func (s *source) advance() {
	if s.done || s.err != nil {
		return
	}

	for {
		e, ok, err := s.dec.Decode()
		if err != nil {
			s.err = fmt.Errorf("cursor: decode %q: %w", s.path, err)
			s.done = true
			s.hasCur = false

			return
		}

		if !ok {
			s.done = true
			s.hasCur = false

			return
		}

		if !e.IsDataRecord() {
			continue
		}

		if s.upper.set && compareKey(e.Storage, e.Key, s.upper.storage, s.upper.key) >= 0 {
			s.done = true
			s.hasCur = false

			return
		}

		s.cur = e
		s.hasCur = true

		return
	}
}

func (s *source) close() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("cursor: close %q: %w", s.path, err)
	}

	return nil
}

// Open builds a Cursor over the snapshot at snapshotPath, merged with the
// compacted file at compactedPath if non-empty.
func Open(fsys fs.FS, snapshotPath, compactedPath string) (*Cursor, error) {
	snap, err := newSource(fsys, snapshotPath)
	if err != nil {
		return nil, err
	}

	sources := []*source{snap}

	if compactedPath != "" {
		comp, err := newSource(fsys, compactedPath)
		if err != nil {
			_ = snap.close()
			return nil, err
		}

		sources = append(sources, comp)
	}

	for _, s := range sources {
		s.advance()
	}

	return &Cursor{sources: sources}, nil
}

// OpenRegistered behaves like Open, but acquires reg for every file it
// reads and releases it on Close. Used by the datastore facade so
// compaction's GC never deletes a file a live cursor depends on.
func OpenRegistered(fsys fs.FS, snapshotPath, compactedPath string, reg *Registry) (*Cursor, error) {
	cur, err := Open(fsys, snapshotPath, compactedPath)
	if err != nil {
		return nil, err
	}

	paths := []string{snapshotPath}
	if compactedPath != "" {
		paths = append(paths, compactedPath)
	}

	reg.Acquire(paths...)
	cur.registry = reg
	cur.regPaths = paths

	return cur, nil
}

// Next advances the cursor. Returns false at end of stream or on error;
// check Err to distinguish the two.
func (c *Cursor) Next() bool {
	for _, s := range c.sources {
		if s.err != nil {
			c.err = s.err
			return false
		}
	}

	winnerIdx := -1

	for i, s := range c.sources {
		if !s.hasCur {
			continue
		}

		if winnerIdx == -1 {
			winnerIdx = i
			continue
		}

		w := c.sources[winnerIdx]
		switch {
		case lessKey(s.cur.Storage, s.cur.Key, w.cur.Storage, w.cur.Key):
			winnerIdx = i
		case lessKey(w.cur.Storage, w.cur.Key, s.cur.Storage, s.cur.Key):
			// w stays
		default:
			// same (storage, key): higher write version wins; advance the loser.
			if s.cur.WriteVersion.Compare(w.cur.WriteVersion) > 0 {
				w.advance()
				winnerIdx = i
			} else {
				s.advance()
			}
		}
	}

	if winnerIdx == -1 {
		return false
	}

	c.cur = c.sources[winnerIdx].cur
	c.sources[winnerIdx].advance()

	return true
}

// Err returns the first I/O or decode error observed, if any.
func (c *Cursor) Err() error { return c.err }

// Storage returns the current record's storage id.
func (c *Cursor) Storage() limestone.StorageID { return c.cur.Storage }

// Key returns the current record's key.
func (c *Cursor) Key() []byte { return c.cur.Key }

// Value returns the current record's value. Empty for NormalWithBlob
// records; resolve BlobIDs instead.
func (c *Cursor) Value() []byte { return c.cur.Value }

// BlobIDs returns the current record's out-of-line blob ids, if any.
func (c *Cursor) BlobIDs() []uint64 { return c.cur.BlobIDs }

// Close releases the cursor's underlying file handles and, if it was
// opened via OpenRegistered, its registry references.
func (c *Cursor) Close() error {
	var firstErr error

	for _, s := range c.sources {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.registry != nil {
		c.registry.Release(c.regPaths...)
	}

	return firstErr
}

// Find positions the cursor so the next Next() call returns the exact
// (storage, key) match if present, or the first record past it otherwise.
func (c *Cursor) Find(storage limestone.StorageID, key []byte) error {
	return c.reposition(storage, key, true)
}

// Scan positions the cursor at the first record with (storage, key') >=
// (storage, key), or strictly > when inclusive is false.
func (c *Cursor) Scan(storage limestone.StorageID, key []byte, inclusive bool) error {
	return c.reposition(storage, key, inclusive)
}

func (c *Cursor) reposition(storage limestone.StorageID, key []byte, inclusive bool) error {
	c.err = nil

	for _, s := range c.sources {
		if err := s.seek(0); err != nil {
			return err
		}

		s.advance()

		// Skip records before the target without consuming the first one
		// at or past it, so the caller's next Next() returns that record.
		for s.hasCur {
			cmp := compareKey(s.cur.Storage, s.cur.Key, storage, key)
			if cmp > 0 || (cmp == 0 && inclusive) {
				break
			}

			s.advance()
		}

		if s.err != nil {
			return s.err
		}
	}

	return nil
}

// Split describes one partition's key range: [Start, End), with an unset
// Start/End meaning unbounded on that side. StartOffset is the snapshot
// file's known byte offset for Start, letting the primary source seek
// there directly instead of scanning from the beginning.
type Split struct {
	StartSet    bool
	Start       limestone.StorageID
	StartKey    []byte
	StartOffset int64

	EndSet bool
	End    limestone.StorageID
	EndKey []byte
}

// Partitions computes up to n split points over the snapshot at
// snapshotPath, balanced by byte offset rather than record count, by
// sampling the sorted file once. sampleInterval controls how many
// records separate consecutive index entries; values <= 0 default to 1
// (sample every record).
func Partitions(fsys fs.FS, snapshotPath string, n, sampleInterval int) ([]Split, error) {
	if n < 1 {
		n = 1
	}

	samples, size, err := sampleOffsets(fsys, snapshotPath, sampleInterval)
	if err != nil {
		return nil, err
	}

	if len(samples) == 0 || size == 0 {
		return []Split{{}}, nil
	}

	splits := make([]Split, 0, n)

	var (
		prevSet     bool
		prevStorage limestone.StorageID
		prevKey     []byte
		prevOffset  int64
	)

	for i := 1; i < n; i++ {
		targetOffset := size * int64(i) / int64(n)

		idx := sort.Search(len(samples), func(j int) bool { return samples[j].offset >= targetOffset })
		if idx >= len(samples) {
			break
		}

		sp := samples[idx]

		splits = append(splits, Split{
			StartSet: prevSet, Start: prevStorage, StartKey: prevKey, StartOffset: prevOffset,
			EndSet: true, End: sp.storage, EndKey: sp.key,
		})

		prevSet, prevStorage, prevKey, prevOffset = true, sp.storage, sp.key, sp.offset
	}

	splits = append(splits, Split{StartSet: prevSet, Start: prevStorage, StartKey: prevKey, StartOffset: prevOffset})

	return splits, nil
}

// GetPartitionedCursors returns one cursor per split of Partitions(n),
// each scanning its disjoint range over the snapshot merged with the
// optional compacted file. The union of all returned cursors visits
// exactly the same records as a single unbounded Cursor.
func GetPartitionedCursors(fsys fs.FS, snapshotPath, compactedPath string, n, sampleInterval int, reg *Registry) ([]*Cursor, error) {
	splits, err := Partitions(fsys, snapshotPath, n, sampleInterval)
	if err != nil {
		return nil, err
	}

	cursors := make([]*Cursor, 0, len(splits))

	for _, sp := range splits {
		cur, err := openBounded(fsys, snapshotPath, compactedPath, sp)
		if err != nil {
			for _, c := range cursors {
				_ = c.Close()
			}

			return nil, err
		}

		if reg != nil {
			paths := []string{snapshotPath}
			if compactedPath != "" {
				paths = append(paths, compactedPath)
			}

			reg.Acquire(paths...)
			cur.registry = reg
			cur.regPaths = paths
		}

		cursors = append(cursors, cur)
	}

	return cursors, nil
}

func openBounded(fsys fs.FS, snapshotPath, compactedPath string, sp Split) (*Cursor, error) {
	cur, err := Open(fsys, snapshotPath, compactedPath)
	if err != nil {
		return nil, err
	}

	for _, s := range cur.sources {
		if sp.EndSet {
			s.upper = boundKey{set: true, storage: sp.End, key: sp.EndKey}
		}
	}

	if sp.StartSet {
		for i, s := range cur.sources {
			// The snapshot is the only source with a known sampled byte
			// offset for this split point; seek straight there. Any other
			// source (the compacted file) lacks that index and instead
			// skips forward linearly from the start.
			seekTo := int64(0)
			if i == 0 {
				seekTo = sp.StartOffset
			}

			if err := s.seek(seekTo); err != nil {
				_ = cur.Close()
				return nil, err
			}

			s.advance()

			for s.hasCur && compareKey(s.cur.Storage, s.cur.Key, sp.Start, sp.StartKey) < 0 {
				s.advance()
			}
		}
	}

	return cur, nil
}

type sampleEntry struct {
	storage limestone.StorageID
	key     []byte
	offset  int64
}

// sampleOffsets scans snapshotPath once, recording the byte offset of
// every sampleInterval'th record (always including the very first) as
// split-point candidates.
func sampleOffsets(fsys fs.FS, snapshotPath string, sampleInterval int) ([]sampleEntry, int64, error) {
	if sampleInterval <= 0 {
		sampleInterval = 1
	}

	f, err := fsys.Open(snapshotPath)
	if err != nil {
		return nil, 0, fmt.Errorf("cursor: open %q: %w", snapshotPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("cursor: stat %q: %w", snapshotPath, err)
	}

	dec := wire.NewDecoder(f)

	var (
		samples []sampleEntry
		count   int
	)

	for {
		e, ok, err := dec.Decode()
		if err != nil {
			return nil, 0, fmt.Errorf("cursor: decode %q: %w", snapshotPath, err)
		}

		if !ok {
			break
		}

		// Offset(), read right after a successful Decode, reports the
		// byte offset that stood before this call started - i.e. exactly
		// where the record just decoded began.
		offset := dec.Offset()

		if count%sampleInterval == 0 {
			samples = append(samples, sampleEntry{storage: e.Storage, key: e.Key, offset: offset})
		}

		count++
	}

	return samples, info.Size(), nil
}
