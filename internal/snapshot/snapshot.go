// Package snapshot implements the snapshot builder (C5): it recovers each
// input log file, merges surviving records by (storage, key), and
// publishes a sorted snapshot file.
package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/limestonedb/limestone"
	"github.com/limestonedb/limestone/internal/wire"
	"github.com/limestonedb/limestone/pkg/fs"
)

// FileName is the on-disk name of the current snapshot file, relative to
// its containing "data" subdirectory.
const FileName = "snapshot"

type recordKey struct {
	storage limestone.StorageID
	key     string
}

// Build recovers every file in inputs (in order), merges surviving
// records, and atomically publishes the result to outPath.
//
// Recovery of a file whose tail holds an unterminated session truncates
// that file back to the last session boundary (the offset right after its
// last EndSession or InvalidatedSession record, or after a later record
// that lies outside any session) - per-file, not just at
// decode-level record boundaries, since a crash mid-session can still
// leave well-formed individual records on disk with no closing marker.
func Build(fsys fs.FS, log *zap.Logger, inputs []string, outPath string) error {
	clearStorage := make(map[limestone.StorageID]limestone.WriteVersion)
	merged := make(map[recordKey]limestone.Entry)

	for _, path := range inputs {
		if err := recoverFile(fsys, log, path, clearStorage, merged); err != nil {
			return fmt.Errorf("snapshot: recover %q: %w", path, err)
		}
	}

	survivors := filter(clearStorage, merged)

	sort.Slice(survivors, func(i, j int) bool {
		return lessRecord(survivors[i], survivors[j])
	})

	var buf bytes.Buffer
	for _, e := range survivors {
		if err := wire.Encode(&buf, e); err != nil {
			return fmt.Errorf("snapshot: encode survivor: %w", err)
		}
	}

	writer := fs.NewAtomicWriter(fsys)
	if err := writer.WriteWithDefaults(outPath, &buf); err != nil {
		return fmt.Errorf("snapshot: publish %q: %w", outPath, err)
	}

	log.Info("snapshot built", zap.String("path", outPath), zap.Int("records", len(survivors)), zap.Int("inputs", len(inputs)))

	return nil
}

func lessRecord(a, b limestone.Entry) bool {
	if a.Storage != b.Storage {
		return a.Storage < b.Storage
	}

	return bytes.Compare(a.Key, b.Key) < 0
}

// recoverFile streams one input file through the codec, accumulating
// survivors from completed sessions (and records that lie outside any
// session, as in a compacted file) into clearStorage/merged, and
// truncates the file if it ends with an unterminated session or a
// corrupt tail.
func recoverFile(
	fsys fs.FS,
	log *zap.Logger,
	path string,
	clearStorage map[limestone.StorageID]limestone.WriteVersion,
	merged map[recordKey]limestone.Entry,
) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	dec := wire.NewDecoder(f)

	var (
		sessionOpen   bool
		buffer        []limestone.Entry
		lastSafe      int64
		pendingSafe   bool
		sawTruncation bool
	)

	flush := func() {
		for _, e := range buffer {
			applyRecord(e, clearStorage, merged)
		}

		buffer = buffer[:0]
	}

	for {
		e, ok, derr := dec.Decode()

		// dec.Offset(), read right after a Decode call, reports the byte
		// offset that stood *before* that call started - i.e. the end of
		// whatever record the previous iteration decoded. Checking
		// pendingSafe here (rather than right after marking a session
		// boundary) is what lets this correctly land past the boundary
		// record's own bytes, including when that record was the last
		// thing in the file.
		if pendingSafe {
			lastSafe = dec.Offset()
			pendingSafe = false
		}

		if derr != nil {
			sawTruncation = true

			break
		}

		if !ok {
			break
		}

		switch e.Kind {
		case limestone.KindBeginSession:
			sessionOpen = true
			buffer = buffer[:0]
		case limestone.KindEndSession:
			flush()

			sessionOpen = false
			pendingSafe = true
		case limestone.KindInvalidatedSession:
			buffer = buffer[:0]
			sessionOpen = false
			pendingSafe = true
		default:
			if sessionOpen {
				buffer = append(buffer, e)
			} else {
				// A record outside any session comes from a compacted or
				// snapshot file, which carries no session markers.
				applyRecord(e, clearStorage, merged)

				pendingSafe = true
			}
		}
	}

	if sessionOpen || sawTruncation {
		log.Warn("truncating log file at last safe session boundary",
			zap.String("path", path), zap.Int64("offset", lastSafe))

		if err := f.Truncate(lastSafe); err != nil {
			return fmt.Errorf("truncate to %d: %w", lastSafe, err)
		}
	}

	return nil
}

func applyRecord(
	e limestone.Entry,
	clearStorage map[limestone.StorageID]limestone.WriteVersion,
	merged map[recordKey]limestone.Entry,
) {
	switch e.Kind {
	case limestone.KindClearStorage:
		if cur, ok := clearStorage[e.Storage]; !ok || e.WriteVersion.Compare(cur) > 0 {
			clearStorage[e.Storage] = e.WriteVersion
		}
	case limestone.KindAddStorage, limestone.KindRemoveStorage:
		// Advisory lifecycle markers; they do not gate snapshot content.
	default:
		if !e.IsDataRecord() {
			return
		}

		k := recordKey{storage: e.Storage, key: string(e.Key)}

		cur, exists := merged[k]
		if !exists || e.WriteVersion.Compare(cur.WriteVersion) >= 0 {
			merged[k] = e
		}
	}
}

// filter drops RemoveEntry winners and any winner whose write version does
// not strictly exceed its storage's clear-storage watermark.
func filter(
	clearStorage map[limestone.StorageID]limestone.WriteVersion,
	merged map[recordKey]limestone.Entry,
) []limestone.Entry {
	survivors := make([]limestone.Entry, 0, len(merged))

	for _, e := range merged {
		if e.Kind == limestone.KindRemoveEntry {
			continue
		}

		if clear, ok := clearStorage[e.Storage]; ok && e.WriteVersion.Compare(clear) <= 0 {
			continue
		}

		survivors = append(survivors, e)
	}

	return survivors
}
