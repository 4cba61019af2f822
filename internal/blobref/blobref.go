// Package blobref resolves blob ids to on-disk paths (C9). Resolution is a
// pure function: the engine never opens blob files itself, it only tells
// callers where to look.
package blobref

import (
	"fmt"
	"path/filepath"
)

// Resolve returns the path of the blob with the given id under baseDir,
// bucketed two levels deep by the id's low bits to keep any one directory
// from accumulating too many entries.
func Resolve(baseDir string, blobID uint64) string {
	aa := blobID & 0xff
	bb := (blobID >> 8) & 0xff

	return filepath.Join(baseDir, "blob", fmt.Sprintf("%02x", aa), fmt.Sprintf("%02x", bb), fmt.Sprintf("%d", blobID))
}
