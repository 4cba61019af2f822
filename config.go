package limestone

import (
	"time"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone/pkg/fs"
)

// Config configures a [Datastore]. Construction is purely programmatic:
// loading configuration from a file or flags is the embedding
// application's job, not the engine's.
type Config struct {
	// DataLocation is the root directory holding all of the datastore's
	// on-disk state (channels, epoch file, snapshot, catalog, blobs).
	// Required.
	DataLocation string

	// Logger receives diagnostic logging. Defaults to [zap.NewNop] - log
	// statements are diagnostic only and never replace a returned error.
	Logger *zap.Logger

	// FS is the filesystem implementation used for all I/O. Defaults to
	// [fs.NewReal]. Tests inject [fs.Chaos] to exercise crash-consistency
	// properties.
	FS fs.FS

	// LockTimeout bounds how long New waits to acquire the exclusive
	// data-directory lock before giving up. Defaults to 10s.
	LockTimeout time.Duration

	// CompactionIntervalHint is advisory: the embedding application may
	// consult it to decide when to call CompactNow. The engine itself
	// never schedules compaction on its own.
	CompactionIntervalHint time.Duration

	// PartitionSampleInterval controls how many snapshot records separate
	// consecutive entries of the sampled split-point index used by
	// GetPartitionedCursors. Find/Scan do not use the index; they scan
	// from the start of each file. Defaults to 256.
	PartitionSampleInterval int
}

const (
	defaultLockTimeout             = 10 * time.Second
	defaultPartitionSampleInterval = 256
)

// withDefaults returns a copy of cfg with zero-value fields filled in.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.FS == nil {
		c.FS = fs.NewReal()
	}

	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}

	if c.PartitionSampleInterval <= 0 {
		c.PartitionSampleInterval = defaultPartitionSampleInterval
	}

	return c
}
