package limestone

import (
	"fmt"

	"github.com/limestonedb/limestone/internal/cursor"
	"github.com/limestonedb/limestone/pkg/fs"
)

// Snapshot is a read handle over the datastore's current recovered state:
// the base snapshot merged with the latest compacted file, if any. It is
// cheap to obtain repeatedly - each cursor it issues opens its own file
// handles, so concurrent readers never block each other or writers.
type Snapshot struct {
	fsys           fs.FS
	snapshotPath   string
	compactedPath  string
	registry       *cursor.Registry
	sampleInterval int
}

// GetCursor opens a cursor positioned before the first record.
func (s *Snapshot) GetCursor() (*cursor.Cursor, error) {
	c, err := cursor.OpenRegistered(s.fsys, s.snapshotPath, s.compactedPath, s.registry)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err), withPath(s.snapshotPath))
	}

	return c, nil
}

// Find opens a cursor positioned at the first record with the exact
// (storage, key) pair, or the first record past it if no exact match
// exists.
func (s *Snapshot) Find(storage StorageID, key []byte) (*cursor.Cursor, error) {
	c, err := s.GetCursor()
	if err != nil {
		return nil, err
	}

	if err := c.Find(storage, key); err != nil {
		_ = c.Close()
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err), withStorage(storage))
	}

	return c, nil
}

// Scan opens a cursor positioned at the first record whose (storage, key)
// is greater than (or, if inclusive, greater than or equal to) the given
// pair.
func (s *Snapshot) Scan(storage StorageID, key []byte, inclusive bool) (*cursor.Cursor, error) {
	c, err := s.GetCursor()
	if err != nil {
		return nil, err
	}

	if err := c.Scan(storage, key, inclusive); err != nil {
		_ = c.Close()
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err), withStorage(storage))
	}

	return c, nil
}

// GetPartitionedCursors splits the snapshot into n byte-balanced, disjoint
// cursors suitable for parallel full scans (e.g. a backup job sharding
// work across goroutines). Each returned cursor must be closed by the
// caller.
func (s *Snapshot) GetPartitionedCursors(n int) ([]*cursor.Cursor, error) {
	cursors, err := cursor.GetPartitionedCursors(s.fsys, s.snapshotPath, s.compactedPath, n, s.sampleInterval, s.registry)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err), withPath(s.snapshotPath))
	}

	return cursors, nil
}
