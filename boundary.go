package limestone

import (
	"context"
	"io"
)

// This file defines the pure Go interfaces the engine exposes at the
// boundaries spec.md places out of scope (gRPC services, replication,
// backup, transaction coordination). Nothing here generates or depends
// on protobuf/gRPC stubs - an embedding application wires its own
// transport on top of these.

// BackupSource is the seam a backup job reads through. Immutable files
// (rotated channels, compacted files, the snapshot) are safe to copy
// byte-for-byte while the datastore keeps running; the active channel
// file is not and is deliberately excluded.
type BackupSource interface {
	// ImmutableFiles lists the paths currently safe to copy: the
	// snapshot, every compacted file still referenced by the catalog, and
	// every rotated (non-migrated) channel file. Paths are stable once
	// returned - none of them are mutated again in place.
	ImmutableFiles(ctx context.Context) ([]string, error)

	// OpenForBackup opens one of the paths returned by ImmutableFiles for
	// a streaming byte-range copy.
	OpenForBackup(ctx context.Context, path string) (io.ReadCloser, error)
}

// ReplicationFeed lets a replica follow durable_epoch without polling.
type ReplicationFeed interface {
	// DurableEpoch returns the current durable epoch.
	DurableEpoch() uint64

	// WaitForDurableEpoch blocks until durable_epoch >= e or ctx ends.
	WaitForDurableEpoch(ctx context.Context, e uint64) error
}

// TransactionObserver is the hook a transaction monitor uses to allocate
// write versions and learn when a session's writes became durable,
// without the engine itself implementing any cross-storage isolation.
type TransactionObserver interface {
	// NextWriteVersion allocates a write version a caller can stamp onto
	// entries before calling Channel.AddEntry. The engine does not
	// interpret write version ordering beyond the latest-wins tie-break
	// spec.md §4.5 describes.
	NextWriteVersion() WriteVersion

	// OnSessionDurable is invoked once the session ending at epoch e is
	// known durable (i.e. once WaitForDurableEpoch(ctx, e) would return
	// immediately).
	OnSessionDurable(channel uint64, epoch uint64)
}
