package storage

import (
	"errors"
	"fmt"
)

// Integrity errors, matching SPEC_FULL.md §7.
var (
	ErrCorruptManifest             = errors.New("storage: corrupt manifest")
	ErrNoValidManifest             = errors.New("storage: no valid manifest slot")
	ErrCorruptWalRecord            = errors.New("storage: corrupt wal record")
	ErrInvalidSnapshot             = errors.New("storage: invalid snapshot (bad magic)")
	ErrUnsupportedSnapshotVersion  = errors.New("storage: unsupported snapshot version")
)

// CorruptPageError reports a page that failed CRC verification.
type CorruptPageError struct {
	PageID uint64
}

func (e *CorruptPageError) Error() string {
	return fmt.Sprintf("storage: corrupt page %d", e.PageID)
}
