// Package rotation implements the rotation manager (C4): atomically
// freezing active channel files into timestamped immutable files.
package rotation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone/internal/channel"
)

// Clock returns the current time, injectable for deterministic tests.
type Clock func() time.Time

// Manager orchestrates rotation across every channel of a datastore.
type Manager struct {
	clock Clock
	log   *zap.Logger
}

// New creates a Manager. If clock is nil, [time.Now] is used.
func New(clock Clock, log *zap.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}

	return &Manager{clock: clock, log: log}
}

const timestampLayout = "20060102T150405.000000000"

// RotateAll rotates every given channel, returning the set of rotated
// (immutable) file paths. Channels whose active file is empty are
// skipped - rotation is only meaningful for files with content.
//
// Rotation is safe to invoke concurrently with writers: each channel's own
// serialization guarantees any in-progress session completes before the
// swap.
func (m *Manager) RotateAll(channels []*channel.Channel) ([]string, error) {
	timestamp := m.clock().UTC().Format(timestampLayout)

	var rotated []string

	for _, ch := range channels {
		path, err := ch.Rotate(timestamp)
		if err != nil {
			return rotated, fmt.Errorf("rotation: channel %d: %w", ch.Ordinal(), err)
		}

		if path == "" {
			continue
		}

		rotated = append(rotated, path)
		m.log.Debug("rotated log file", zap.Uint64("ordinal", ch.Ordinal()), zap.String("path", path))
	}

	return rotated, nil
}
