// Package catalog implements the compaction catalog (C6): the durable
// record of which compacted files and migrated PWALs are currently valid.
package catalog

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/limestonedb/limestone/pkg/fs"
)

// FileName is the on-disk name of the catalog file.
const FileName = "compaction_catalog"

const formatVersion = 1

// CompactedFileRef names one historical compacted file and its id, used to
// distinguish compacted files of the same generation during GC.
type CompactedFileRef struct {
	Name string
	ID   uint64
}

// Catalog is the compaction catalog's content. The zero value represents a
// fresh installation: no compacted files, no migrated PWALs, epoch zero.
type Catalog struct {
	MaxEpochID     uint64
	CompactedFiles []CompactedFileRef
	MigratedPWALs  []string
}

// Load reads the catalog at path. A missing file is not an error: it
// returns the zero Catalog, matching a fresh installation.
func Load(fsys fs.FS, path string) (Catalog, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog: stat %q: %w", path, err)
	}

	if !exists {
		return Catalog{}, nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog: read %q: %w", path, err)
	}

	return parse(data)
}

// Save publishes c to path atomically via temp file + rename.
func Save(fsys fs.FS, path string, c Catalog) error {
	writer := fs.NewAtomicWriter(fsys)

	if err := writer.WriteWithDefaults(path, bytes.NewReader(encode(c))); err != nil {
		return fmt.Errorf("catalog: publish %q: %w", path, err)
	}

	return nil
}

func encode(c Catalog) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "version=%d\n", formatVersion)
	fmt.Fprintf(&buf, "max_epoch_id=%d\n", c.MaxEpochID)

	for _, ref := range c.CompactedFiles {
		fmt.Fprintf(&buf, "compacted_file=%s,%d\n", ref.Name, ref.ID)
	}

	for _, name := range c.MigratedPWALs {
		fmt.Fprintf(&buf, "migrated_pwal=%s\n", name)
	}

	return buf.Bytes()
}

func parse(data []byte) (Catalog, error) {
	var c Catalog

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Catalog{}, fmt.Errorf("catalog: malformed line %q", line)
		}

		switch key {
		case "version":
			// Only format 1 exists so far; recorded for forward compatibility.
		case "max_epoch_id":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Catalog{}, fmt.Errorf("catalog: parse max_epoch_id: %w", err)
			}

			c.MaxEpochID = v
		case "compacted_file":
			name, idStr, ok := strings.Cut(value, ",")
			if !ok {
				return Catalog{}, fmt.Errorf("catalog: malformed compacted_file %q", value)
			}

			id, err := strconv.ParseUint(idStr, 10, 64)
			if err != nil {
				return Catalog{}, fmt.Errorf("catalog: parse compacted_file id: %w", err)
			}

			c.CompactedFiles = append(c.CompactedFiles, CompactedFileRef{Name: name, ID: id})
		case "migrated_pwal":
			c.MigratedPWALs = append(c.MigratedPWALs, value)
		default:
			return Catalog{}, fmt.Errorf("catalog: unknown field %q", key)
		}
	}

	if err := scanner.Err(); err != nil {
		return Catalog{}, fmt.Errorf("catalog: scan: %w", err)
	}

	return c, nil
}

// NextCompactedFileID returns the smallest id strictly greater than every
// id currently referenced in c, used to mint a fresh id for a new
// compacted file during compaction.
func (c Catalog) NextCompactedFileID() uint64 {
	var max uint64

	for _, ref := range c.CompactedFiles {
		if ref.ID > max {
			max = ref.ID
		}
	}

	return max + 1
}
