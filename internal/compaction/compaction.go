// Package compaction implements the online compactor (C7): it rotates
// active logs, folds them into a fresh compacted file, publishes the
// result to the catalog, and reclaims files the catalog no longer needs.
package compaction

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone/internal/catalog"
	"github.com/limestonedb/limestone/internal/channel"
	"github.com/limestonedb/limestone/internal/cursor"
	"github.com/limestonedb/limestone/internal/rotation"
	"github.com/limestonedb/limestone/internal/snapshot"
	"github.com/limestonedb/limestone/pkg/fs"
)

// compactedFilePrefix names compacted files. The spec's per-channel
// pattern ("pwal_<ordinal>.compacted.<id>") doesn't apply here: each
// compaction round merges across every channel into a single file, so
// "all" replaces the ordinal.
const compactedFilePrefix = "pwal_all.compacted."

// Compactor runs the C4(rotate) -> C5(snapshot-build) -> C6(catalog)
// pipeline and GCs files the resulting catalog no longer references.
type Compactor struct {
	fsys        fs.FS
	log         *zap.Logger
	dir         string
	rotation    *rotation.Manager
	registry    *cursor.Registry
	catalogPath string
}

// New creates a Compactor rooted at dir.
func New(fsys fs.FS, dir string, rot *rotation.Manager, registry *cursor.Registry, log *zap.Logger) *Compactor {
	return &Compactor{
		fsys:        fsys,
		log:         log,
		dir:         dir,
		rotation:    rot,
		registry:    registry,
		catalogPath: filepath.Join(dir, catalog.FileName),
	}
}

// CompactNow runs one compaction round over channels, stamping the
// resulting catalog entry with durableEpoch. Returns the path of the
// newly published compacted file, or "" (leaving the catalog untouched)
// when no channel had anything to rotate.
func (c *Compactor) CompactNow(channels []*channel.Channel, durableEpoch uint64) (string, error) {
	rotated, err := c.rotation.RotateAll(channels)
	if err != nil {
		return "", fmt.Errorf("compaction: rotate: %w", err)
	}

	cat, err := catalog.Load(c.fsys, c.catalogPath)
	if err != nil {
		return "", fmt.Errorf("compaction: load catalog: %w", err)
	}

	var prevCompacted string
	if n := len(cat.CompactedFiles); n > 0 {
		prevCompacted = filepath.Join(c.dir, cat.CompactedFiles[n-1].Name)
	}

	if len(rotated) == 0 {
		c.log.Debug("compaction: nothing to do, no rotated files")
		return "", nil
	}

	inputs := append([]string{}, rotated...)
	if prevCompacted != "" {
		inputs = append(inputs, prevCompacted)
	}

	id := cat.NextCompactedFileID()
	newName := fmt.Sprintf("%s%d", compactedFilePrefix, id)
	newPath := filepath.Join(c.dir, newName)

	if err := snapshot.Build(c.fsys, c.log, inputs, newPath); err != nil {
		return "", fmt.Errorf("compaction: build compacted file: %w", err)
	}

	rotatedNames := make([]string, len(rotated))
	for i, p := range rotated {
		rotatedNames[i] = filepath.Base(p)
	}

	newCatalog := catalog.Catalog{
		MaxEpochID:     durableEpoch,
		CompactedFiles: append(append([]catalog.CompactedFileRef{}, cat.CompactedFiles...), catalog.CompactedFileRef{Name: newName, ID: id}),
		MigratedPWALs:  append(append([]string{}, cat.MigratedPWALs...), rotatedNames...),
	}

	if err := catalog.Save(c.fsys, c.catalogPath, newCatalog); err != nil {
		return "", fmt.Errorf("compaction: publish catalog: %w", err)
	}

	c.log.Info("compaction round published", zap.String("compacted_file", newName),
		zap.Int("rotated", len(rotated)), zap.Uint64("max_epoch_id", durableEpoch))

	if err := c.gc(newCatalog, rotated); err != nil {
		return newPath, fmt.Errorf("compaction: gc: %w", err)
	}

	return newPath, nil
}

// gc removes rotated PWALs (no cursor ever reads them directly - only
// snapshot/compacted files) and any superseded compacted file not
// currently referenced by a live cursor, then republishes the catalog
// with those compacted files' entries dropped so they are not repeatedly
// considered again on the next round.
func (c *Compactor) gc(cat catalog.Catalog, rotated []string) error {
	for _, p := range rotated {
		if err := c.fsys.Remove(p); err != nil {
			c.log.Warn("compaction: gc failed to remove migrated pwal", zap.String("path", p), zap.Error(err))
		}
	}

	if len(cat.CompactedFiles) <= 1 {
		return nil
	}

	latest := cat.CompactedFiles[len(cat.CompactedFiles)-1]

	kept := []catalog.CompactedFileRef{latest}
	pruned := false

	for _, ref := range cat.CompactedFiles[:len(cat.CompactedFiles)-1] {
		path := filepath.Join(c.dir, ref.Name)

		if c.registry != nil && c.registry.InUse(path) {
			kept = append(kept, ref)
			continue
		}

		if err := c.fsys.Remove(path); err != nil {
			c.log.Warn("compaction: gc failed to remove superseded compacted file", zap.String("path", path), zap.Error(err))
			kept = append(kept, ref)

			continue
		}

		pruned = true
	}

	if !pruned {
		return nil
	}

	// Restore ascending-id order (latest was popped to the front above).
	ordered := append(kept[1:], latest)

	cat.CompactedFiles = ordered

	if err := catalog.Save(c.fsys, c.catalogPath, cat); err != nil {
		return fmt.Errorf("republish catalog after gc: %w", err)
	}

	return nil
}
