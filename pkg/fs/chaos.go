package fs

import (
	"errors"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// fault injection.
type ChaosConfig struct {
	// WriteFailRate controls how often File.Write fails entirely, writing
	// zero bytes and returning EIO.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes only a prefix
	// of the requested bytes before failing, modeling a crash mid-append
	// to a log channel's active file.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync fails, returning EIO.
	// Used to exercise end_session's fsync barrier failing.
	SyncFailRate float64

	// RenameFailRate controls how often FS.Rename fails, returning EIO.
	// Used to exercise rotation/compaction/catalog publish failures.
	RenameFailRate float64
}

// ChaosStats holds counts of injected faults, useful for asserting a test
// actually exercised the fault paths it intended to.
type ChaosStats struct {
	WriteFails    int64
	PartialWrites int64
	SyncFails     int64
	RenameFails   int64
}

// chaosError marks an error as intentionally injected by [Chaos], so tests
// can distinguish injected faults from genuine filesystem errors.
type chaosError struct{ Err error }

func (e *chaosError) Error() string { return "chaos: " + e.Err.Error() }
func (e *chaosError) Unwrap() error { return e.Err }

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError
	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects the failures in [ChaosConfig], for
// crash-consistency property tests that need deterministic, seeded faults
// instead of actually killing a process.
//
// Chaos is a thin fault overlay, not a filesystem simulator: every call that
// isn't chosen for injection passes straight through to the wrapped FS.
type Chaos struct {
	fs     FS
	config ChaosConfig
	rngMu  sync.Mutex
	rng    *rand.Rand

	writeFails    atomic.Int64
	partialWrites atomic.Int64
	syncFails     atomic.Int64
	renameFails   atomic.Int64
}

// NewChaos wraps fsys with fault injection seeded by seed (tests pass a
// fixed seed for reproducibility).
func NewChaos(fsys FS, config ChaosConfig, seed uint64) *Chaos {
	return &Chaos{
		fs:     fsys,
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (c *Chaos) roll() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.Float64()
}

// Stats returns a snapshot of injected-fault counters.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SyncFails:     c.syncFails.Load(),
		RenameFails:   c.renameFails.Load(),
	}
}

func (c *Chaos) Open(path string) (File, error) { return c.wrap(c.fs.Open(path)) }

func (c *Chaos) Create(path string) (File, error) { return c.wrap(c.fs.Create(path)) }

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.wrap(c.fs.OpenFile(path, flag, perm))
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

func (c *Chaos) Remove(path string) error { return c.fs.Remove(path) }

func (c *Chaos) RemoveAll(path string) error { return c.fs.RemoveAll(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll() < c.config.RenameFailRate {
		c.renameFails.Add(1)
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: &chaosError{syscall.EIO}}
	}

	return c.fs.Rename(oldpath, newpath)
}

func (c *Chaos) wrap(f File, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, c: c}, nil
}

var _ FS = (*Chaos)(nil)

type chaosFile struct {
	f File
	c *Chaos
}

func (f *chaosFile) Read(p []byte) (int, error) { return f.f.Read(p) }

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.c.roll() < f.c.config.WriteFailRate {
		f.c.writeFails.Add(1)
		return 0, &fs.PathError{Op: "write", Path: "", Err: &chaosError{syscall.EIO}}
	}

	if f.c.roll() < f.c.config.PartialWriteRate && len(p) > 1 {
		f.c.partialWrites.Add(1)
		n := len(p) / 2
		written, _ := f.f.Write(p[:n])

		return written, &chaosError{io.ErrShortWrite}
	}

	return f.f.Write(p)
}

func (f *chaosFile) Close() error { return f.f.Close() }

func (f *chaosFile) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }

func (f *chaosFile) Fd() uintptr { return f.f.Fd() }

func (f *chaosFile) Stat() (os.FileInfo, error) { return f.f.Stat() }

func (f *chaosFile) Sync() error {
	if f.c.roll() < f.c.config.SyncFailRate {
		f.c.syncFails.Add(1)
		return &fs.PathError{Op: "sync", Path: "", Err: &chaosError{syscall.EIO}}
	}

	return f.f.Sync()
}

func (f *chaosFile) Chmod(mode os.FileMode) error { return f.f.Chmod(mode) }

func (f *chaosFile) Truncate(size int64) error { return f.f.Truncate(size) }

var _ File = (*chaosFile)(nil)
