// Package channel implements the log channel (C2): a single-writer,
// single-file append stream with session and epoch markers.
package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

// ErrSessionAlreadyOpen is returned by BeginSession when a session is
// already open on this channel.
var ErrSessionAlreadyOpen = errors.New("channel: session already open")

// ErrNoOpenSession is returned by AddEntry/EndSession/InvalidateSession
// when no session is currently open.
var ErrNoOpenSession = errors.New("channel: no open session")

// ActiveFileName returns the active log file name for a channel ordinal,
// e.g. "pwal_3".
func ActiveFileName(ordinal uint64) string {
	return fmt.Sprintf("pwal_%d", ordinal)
}

// Channel is a single-writer append stream. Operations are serialized by
// the owning writer; [Channel.Rotate] waits for any in-progress session to
// complete before swapping files.
type Channel struct {
	ordinal uint64
	dir     string
	fsys    fs.FS
	log     *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	file        fs.File
	sessionOpen bool
	sessionTx   *uuid.UUID

	// lastCompletedEpoch is the epoch of the last session this channel
	// durably ended. Read by the epoch coordinator to compute the
	// durable epoch; zero until the first session completes.
	lastCompletedEpoch atomic.Uint64
	hasCompleted       atomic.Bool

	// onSessionEnd, if set, is invoked (with the channel lock held) after
	// every successful EndSession so the epoch coordinator can recompute
	// durable_epoch without polling.
	onSessionEnd func(ordinal, epoch uint64)
}

// Open opens (creating if necessary) the active log file for ordinal
// under dir.
func Open(fsys fs.FS, dir string, ordinal uint64, log *zap.Logger) (*Channel, error) {
	path := filepath.Join(dir, ActiveFileName(ordinal))

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("channel: open %q: %w", path, err)
	}

	c := &Channel{
		ordinal: ordinal,
		dir:     dir,
		fsys:    fsys,
		log:     log,
		file:    f,
	}
	c.cond = sync.NewCond(&c.mu)

	return c, nil
}

// Ordinal returns the channel's ordinal.
func (c *Channel) Ordinal() uint64 { return c.ordinal }

// Path returns the current active file path.
func (c *Channel) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return filepath.Join(c.dir, ActiveFileName(c.ordinal))
}

// SetOnSessionEnd installs the callback invoked after every successful
// EndSession, under the channel's lock. Intended for wiring to the epoch
// coordinator at datastore construction time.
func (c *Channel) SetOnSessionEnd(fn func(ordinal, epoch uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onSessionEnd = fn
}

// LastCompletedEpoch returns the epoch of the last session this channel
// durably ended, and whether any session has completed yet.
func (c *Channel) LastCompletedEpoch() (epoch uint64, ok bool) {
	return c.lastCompletedEpoch.Load(), c.hasCompleted.Load()
}

// BeginSession opens a new session at the given epoch. Fails if a session
// is already open.
func (c *Channel) BeginSession(epoch uint64, txID *uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionOpen {
		return ErrSessionAlreadyOpen
	}

	if err := wire.Encode(c.file, limestone.BeginSessionEntry(epoch)); err != nil {
		return fmt.Errorf("channel %d: begin session: %w", c.ordinal, err)
	}

	c.sessionOpen = true
	c.sessionTx = txID

	return nil
}

// AddEntry appends one record. Must be called inside a session.
func (c *Channel) AddEntry(e limestone.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessionOpen {
		return ErrNoOpenSession
	}

	if err := wire.Encode(c.file, e); err != nil {
		return fmt.Errorf("channel %d: add entry: %w", c.ordinal, err)
	}

	return nil
}

// EndSession closes the open session, fsyncing the file so every entry of
// the session is durable before returning.
func (c *Channel) EndSession(epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessionOpen {
		return ErrNoOpenSession
	}

	if err := wire.Encode(c.file, limestone.EndSessionEntry(epoch)); err != nil {
		return fmt.Errorf("channel %d: end session: %w", c.ordinal, err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("channel %d: fsync: %w", c.ordinal, err)
	}

	c.sessionOpen = false
	c.sessionTx = nil
	c.lastCompletedEpoch.Store(epoch)
	c.hasCompleted.Store(true)

	if c.onSessionEnd != nil {
		c.onSessionEnd(c.ordinal, epoch)
	}

	c.cond.Broadcast()

	return nil
}

// InvalidateSession marks the current session's entries as void; they are
// ignored on recovery. Does not advance lastCompletedEpoch.
func (c *Channel) InvalidateSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessionOpen {
		return ErrNoOpenSession
	}

	if err := wire.Encode(c.file, limestone.InvalidatedSessionEntry()); err != nil {
		return fmt.Errorf("channel %d: invalidate session: %w", c.ordinal, err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("channel %d: fsync: %w", c.ordinal, err)
	}

	c.sessionOpen = false
	c.sessionTx = nil
	c.cond.Broadcast()

	return nil
}

// Rotate closes the active file, renames it to a timestamped immutable
// name, and opens a fresh empty active file in its place. It waits for
// any in-progress session to complete before swapping.
//
// Returns the path of the newly rotated (immutable) file, or ("", nil) if
// the active file was empty and rotation was skipped.
func (c *Channel) Rotate(timestamp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.sessionOpen {
		c.cond.Wait()
	}

	info, err := c.file.Stat()
	if err != nil {
		return "", fmt.Errorf("channel %d: stat active file: %w", c.ordinal, err)
	}

	if info.Size() == 0 {
		return "", nil
	}

	activePath := filepath.Join(c.dir, ActiveFileName(c.ordinal))
	rotatedPath := activePath + "." + timestamp

	if err := c.file.Close(); err != nil {
		return "", fmt.Errorf("channel %d: close active file: %w", c.ordinal, err)
	}

	if err := c.fsys.Rename(activePath, rotatedPath); err != nil {
		return "", fmt.Errorf("channel %d: rename %q to %q: %w", c.ordinal, activePath, rotatedPath, err)
	}

	newFile, err := c.fsys.OpenFile(activePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("channel %d: open fresh active file: %w", c.ordinal, err)
	}

	c.file = newFile
	c.log.Debug("rotated channel", zap.Uint64("ordinal", c.ordinal), zap.String("rotated_path", rotatedPath))

	return rotatedPath, nil
}

// Close closes the underlying file handle. Any in-progress session should
// have been ended or invalidated before calling Close.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.file.Close(); err != nil {
		return fmt.Errorf("channel %d: close: %w", c.ordinal, err)
	}

	return nil
}
