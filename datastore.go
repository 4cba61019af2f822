package limestone

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone/internal/catalog"
	"github.com/limestonedb/limestone/internal/channel"
	"github.com/limestonedb/limestone/internal/compaction"
	"github.com/limestonedb/limestone/internal/cursor"
	"github.com/limestonedb/limestone/internal/epoch"
	"github.com/limestonedb/limestone/internal/rotation"
	"github.com/limestonedb/limestone/internal/snapshot"
	"github.com/limestonedb/limestone/pkg/fs"
)

const lockFileName = ".limestone.lock"

// snapshotSubDir is the subdirectory of DataLocation holding the snapshot.
const snapshotSubDir = "data"

// Datastore composes the log channels, epoch coordinator, rotation
// manager, and compactor into the embeddable engine described by the
// package doc comment. A Datastore is not safe to open twice over the
// same DataLocation from different processes concurrently - the
// exclusive data-directory lock rejects the second New.
type Datastore struct {
	cfg Config

	dataDir     string
	catalogPath string
	snapshotPat string

	lock *fs.Lock

	mu       sync.Mutex
	channels map[uint64]*channel.Channel

	epochCoord *epoch.Coordinator
	rotationMg *rotation.Manager
	compactor  *compaction.Compactor
	registry   *cursor.Registry

	ready atomic.Bool
}

// New opens (creating if necessary) the datastore rooted at
// cfg.DataLocation, acquiring an exclusive lock on the data directory.
func New(cfg Config) (*Datastore, error) {
	cfg = cfg.withDefaults()

	if cfg.DataLocation == "" {
		return nil, wrap(fmt.Errorf("%w: DataLocation is required", ErrInvariantViolation))
	}

	if err := cfg.FS.MkdirAll(cfg.DataLocation, 0o755); err != nil {
		return nil, wrap(fmt.Errorf("%w: create data location: %w", ErrIO, err), withPath(cfg.DataLocation))
	}

	snapshotDir := filepath.Join(cfg.DataLocation, snapshotSubDir)
	if err := cfg.FS.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, wrap(fmt.Errorf("%w: create snapshot directory: %w", ErrIO, err), withPath(snapshotDir))
	}

	locker := fs.NewLocker(cfg.FS)

	lock, err := locker.LockWithTimeout(filepath.Join(cfg.DataLocation, lockFileName), cfg.LockTimeout)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: acquire data directory lock: %w", ErrIO, err), withPath(cfg.DataLocation))
	}

	epochCoord, err := epoch.Open(cfg.FS, cfg.DataLocation, cfg.Logger)
	if err != nil {
		_ = lock.Close()
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err))
	}

	reg := cursor.NewRegistry()
	rot := rotation.New(nil, cfg.Logger)
	catalogPath := filepath.Join(cfg.DataLocation, catalog.FileName)
	comp := compaction.New(cfg.FS, cfg.DataLocation, rot, reg, cfg.Logger)

	return &Datastore{
		cfg:         cfg,
		dataDir:     cfg.DataLocation,
		catalogPath: catalogPath,
		snapshotPat: filepath.Join(snapshotDir, snapshot.FileName),
		lock:        lock,
		channels:    make(map[uint64]*channel.Channel),
		epochCoord:  epochCoord,
		rotationMg:  rot,
		compactor:   comp,
		registry:    reg,
	}, nil
}

// CreateChannel opens (creating if necessary) the log channel with the
// given ordinal and registers it with the epoch coordinator.
func (d *Datastore) CreateChannel(ordinal uint64) (*channel.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, ok := d.channels[ordinal]; ok {
		return ch, nil
	}

	ch, err := channel.Open(d.cfg.FS, d.dataDir, ordinal, d.cfg.Logger)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err), withChannel(ordinal))
	}

	d.epochCoord.RegisterChannel(ordinal)
	ch.SetOnSessionEnd(func(ord, completedEpoch uint64) {
		if err := d.epochCoord.NotifyCompletedEpoch(ord, completedEpoch); err != nil {
			d.cfg.Logger.Error("failed to notify epoch coordinator", zap.Uint64("channel", ord), zap.Error(err))
		}
	})

	d.channels[ordinal] = ch

	return ch, nil
}

func (d *Datastore) channelSlice() []*channel.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*channel.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}

	return out
}

// Ready recovers every non-migrated PWAL and the last compacted file (if
// any) into the current snapshot. It must complete before GetSnapshot
// succeeds.
func (d *Datastore) Ready(_ context.Context) error {
	cat, err := catalog.Load(d.cfg.FS, d.catalogPath)
	if err != nil {
		return wrap(fmt.Errorf("%w: load catalog: %w", ErrIO, err))
	}

	inputs, err := d.recoverableInputs(cat)
	if err != nil {
		return err
	}

	if err := snapshot.Build(d.cfg.FS, d.cfg.Logger, inputs, d.snapshotPat); err != nil {
		return wrap(fmt.Errorf("%w: build snapshot: %w", ErrIO, err))
	}

	d.ready.Store(true)

	return nil
}

func (d *Datastore) recoverableInputs(cat catalog.Catalog) ([]string, error) {
	migrated := make(map[string]bool, len(cat.MigratedPWALs))
	for _, name := range cat.MigratedPWALs {
		migrated[name] = true
	}

	entries, err := d.cfg.FS.ReadDir(d.dataDir)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: list data directory: %w", ErrIO, err), withPath(d.dataDir))
	}

	var inputs []string

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "pwal_") || strings.Contains(name, ".compacted.") {
			continue
		}

		if migrated[name] {
			continue
		}

		inputs = append(inputs, filepath.Join(d.dataDir, name))
	}

	if n := len(cat.CompactedFiles); n > 0 {
		inputs = append(inputs, filepath.Join(d.dataDir, cat.CompactedFiles[n-1].Name))
	}

	return inputs, nil
}

// SwitchEpoch advances the epoch new sessions stamp. e must be strictly
// greater than the current epoch.
func (d *Datastore) SwitchEpoch(e uint64) error {
	if err := d.epochCoord.SwitchEpoch(e); err != nil {
		return wrap(err, withEpoch(e))
	}

	return nil
}

// WaitForDurableEpoch blocks until durable_epoch >= e or ctx ends.
func (d *Datastore) WaitForDurableEpoch(ctx context.Context, e uint64) error {
	return d.epochCoord.WaitForDurableEpoch(ctx, e)
}

// DurableEpoch returns the largest epoch known durable across every
// channel that has completed at least one session.
func (d *Datastore) DurableEpoch() uint64 { return d.epochCoord.DurableEpoch() }

// RotateLogs freezes every channel's active file, returning the set of
// newly rotated (immutable) paths.
func (d *Datastore) RotateLogs() ([]string, error) {
	rotated, err := d.rotationMg.RotateAll(d.channelSlice())
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: %w", ErrIO, err))
	}

	return rotated, nil
}

// CompactNow runs one online compaction round: rotate, recover into a
// fresh compacted file, publish the catalog, and reclaim superseded files.
func (d *Datastore) CompactNow(_ context.Context) error {
	_, err := d.compactor.CompactNow(d.channelSlice(), d.epochCoord.DurableEpoch())
	if err != nil {
		return wrap(fmt.Errorf("%w: %w", ErrIO, err))
	}

	return nil
}

// GetSnapshot returns a handle for issuing cursors over the current
// snapshot merged with the latest compacted file. Fails with
// [ErrNotReady] until Ready has completed.
func (d *Datastore) GetSnapshot() (*Snapshot, error) {
	if !d.ready.Load() {
		return nil, wrap(ErrNotReady)
	}

	cat, err := catalog.Load(d.cfg.FS, d.catalogPath)
	if err != nil {
		return nil, wrap(fmt.Errorf("%w: load catalog: %w", ErrIO, err))
	}

	var compactedPath string
	if n := len(cat.CompactedFiles); n > 0 {
		compactedPath = filepath.Join(d.dataDir, cat.CompactedFiles[n-1].Name)
	}

	return &Snapshot{
		fsys:           d.cfg.FS,
		snapshotPath:   d.snapshotPat,
		compactedPath:  compactedPath,
		registry:       d.registry,
		sampleInterval: d.cfg.PartitionSampleInterval,
	}, nil
}

// Shutdown performs a two-phase drain: it stops accepting new sessions by
// closing every channel (any open session must have already ended - the
// caller is responsible for not calling BeginSession concurrently with
// Shutdown), then releases the epoch file and the data-directory lock.
func (d *Datastore) Shutdown(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error

	for _, ch := range d.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := d.epochCoord.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := d.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		return wrap(fmt.Errorf("%w: %w", ErrIO, firstErr))
	}

	return nil
}
