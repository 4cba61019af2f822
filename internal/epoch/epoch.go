// Package epoch implements the epoch coordinator (C3): it tracks the
// current writer epoch and advances the durable epoch across all
// registered channels, persisting each advance to a dedicated file.
package epoch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

// FileName is the on-disk name of the durable-epoch marker file.
const FileName = "epoch"

type channelState struct {
	lastCompleted uint64
	hasCompleted  bool
}

// Coordinator is one instance per datastore - never process-global. It is
// passed by reference to every component that needs to observe or wait
// for the durable epoch.
type Coordinator struct {
	fsys fs.FS
	log  *zap.Logger

	mu           sync.Mutex
	currentEpoch uint64
	durableEpoch uint64
	channels     map[uint64]channelState
	epochFile    fs.File
	waiters      []waiter
}

type waiter struct {
	epoch uint64
	ch    chan struct{}
}

// Open opens (creating if necessary) the epoch file under dir and returns
// a Coordinator seeded from its last recorded durable epoch.
func Open(fsys fs.FS, dir string, log *zap.Logger) (*Coordinator, error) {
	path := filepath.Join(dir, FileName)

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("epoch: open %q: %w", path, err)
	}

	last, err := readLastDurableEpoch(fsys, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Coordinator{
		fsys:         fsys,
		log:          log,
		durableEpoch: last,
		currentEpoch: last,
		channels:     make(map[uint64]channelState),
		epochFile:    f,
	}, nil
}

func readLastDurableEpoch(fsys fs.FS, path string) (uint64, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("epoch: open %q for read: %w", path, err)
	}
	defer f.Close()

	dec := wire.NewDecoder(f)

	var last uint64

	for {
		e, ok, err := dec.Decode()
		if err != nil {
			// A partial trailing DurableEpoch record is not a correctness
			// problem: the last fully-written value still stands. The tail
			// is cut off so the next successful advance appends a fresh,
			// complete record right after the last good one.
			if terr := f.Truncate(dec.Offset()); terr != nil {
				return 0, fmt.Errorf("epoch: truncate %q to %d: %w", path, dec.Offset(), terr)
			}

			break
		}

		if !ok {
			break
		}

		if e.Kind == limestone.KindDurableEpoch {
			last = e.Epoch
		}
	}

	return last, nil
}

// RegisterChannel adds a channel ordinal to the set participating in
// durable-epoch computation. Until it completes its first session it does
// not constrain the durable epoch.
func (c *Coordinator) RegisterChannel(ordinal uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channels[ordinal] = channelState{}
}

// CurrentEpoch returns the epoch new sessions should stamp.
func (c *Coordinator) CurrentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentEpoch
}

// DurableEpoch returns the largest epoch whose sessions are known durable
// across every channel that has completed at least one session.
func (c *Coordinator) DurableEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.durableEpoch
}

// SwitchEpoch advances the current epoch. e must be strictly greater than
// the current epoch.
func (c *Coordinator) SwitchEpoch(e uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e <= c.currentEpoch {
		return fmt.Errorf("%w: switch_epoch(%d) not greater than current_epoch(%d)",
			limestone.ErrInvariantViolation, e, c.currentEpoch)
	}

	c.currentEpoch = e

	return nil
}

// NotifyCompletedEpoch is called by a channel after EndSession completes.
// It records the channel's completed epoch and recomputes durable_epoch.
func (c *Coordinator) NotifyCompletedEpoch(ordinal, completedEpoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channels[ordinal] = channelState{lastCompleted: completedEpoch, hasCompleted: true}

	return c.recomputeDurableEpochLocked()
}

// recomputeDurableEpochLocked must be called with mu held.
func (c *Coordinator) recomputeDurableEpochLocked() error {
	var (
		min      uint64
		minSet   bool
		anyReady bool
	)

	for _, st := range c.channels {
		if !st.hasCompleted {
			continue
		}

		anyReady = true

		if !minSet || st.lastCompleted < min {
			min, minSet = st.lastCompleted, true
		}
	}

	if !anyReady || min <= c.durableEpoch {
		return nil
	}

	c.durableEpoch = min

	if err := wire.Encode(c.epochFile, limestone.DurableEpochEntry(min)); err != nil {
		return fmt.Errorf("epoch: append durable epoch marker: %w", err)
	}

	if err := c.epochFile.Sync(); err != nil {
		return fmt.Errorf("epoch: fsync epoch file: %w", err)
	}

	c.log.Debug("durable epoch advanced", zap.Uint64("durable_epoch", min))

	c.notifyWaitersLocked()

	return nil
}

func (c *Coordinator) notifyWaitersLocked() {
	remaining := c.waiters[:0]

	for _, w := range c.waiters {
		if c.durableEpoch >= w.epoch {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}

	c.waiters = remaining
}

// WaitForDurableEpoch blocks until durable_epoch >= e, or until ctx is
// done. Returns [limestone.ErrCancelled] if ctx was cancelled, or
// [limestone.ErrDeadlineExceeded] if ctx's deadline elapsed.
func (c *Coordinator) WaitForDurableEpoch(ctx context.Context, e uint64) error {
	c.mu.Lock()

	if c.durableEpoch >= e {
		c.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	c.waiters = append(c.waiters, waiter{epoch: e, ch: ch})
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded { //nolint:errorlint // context sentinel comparison is standard
			return limestone.ErrDeadlineExceeded
		}

		return limestone.ErrCancelled
	}
}

// Close closes the epoch file.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.epochFile.Close(); err != nil {
		return fmt.Errorf("epoch: close: %w", err)
	}

	return nil
}
