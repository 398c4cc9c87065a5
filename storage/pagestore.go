package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// dataPageOffset computes the byte offset of data page id (id >= 1).
// Slots 0 and 1 are reserved for manifest pages (SPEC_FULL.md §4.1/§6).
func dataPageOffset(id uint64) int64 {
	return 2*PageSize + int64(id-1)*PageSize
}

// PageStore is the fixed-size, CRC-verified page layer that CoWTree and
// Manifest are built on. It owns the underlying file handle the way the
// teacher's Pager owns *os.File, guarded by the same RWMutex discipline.
type PageStore struct {
	mu   sync.RWMutex
	file *os.File
	log  zerolog.Logger
}

// OpenPageStore opens or creates the backing file at path.
func OpenPageStore(path string, log zerolog.Logger) (*PageStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open page store: %w", err)
	}
	return &PageStore{file: f, log: log.With().Str("component", "pagestore").Logger()}, nil
}

// Close closes the backing file.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.file.Close()
}

// ReadPage reads and CRC-verifies data page id (id >= 1). A failed CRC
// yields *CorruptPageError.
func (ps *PageStore) ReadPage(id uint64) (*Page, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	buf := make([]byte, PageSize)
	n, err := ps.file.ReadAt(buf, dataPageOffset(id))
	if err == io.EOF || n < PageSize {
		return nil, fmt.Errorf("storage: read page %d: %w", id, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", id, err)
	}
	p, err := DecodePage(buf, id)
	if err != nil {
		ps.log.Error().Uint64("page_id", id).Msg("page failed crc verification")
		return nil, err
	}
	return p, nil
}

// WritePage zero-pads and writes a full page, then issues a data-sync.
func (ps *PageStore) WritePage(id uint64, p *Page) error {
	p.Header.PageID = id
	buf, err := p.Encode()
	if err != nil {
		return fmt.Errorf("storage: encode page %d: %w", id, err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, err := ps.file.WriteAt(buf, dataPageOffset(id)); err != nil {
		return fmt.Errorf("storage: write page %d: %w", id, err)
	}
	if err := ps.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsync page %d: %w", id, err)
	}
	return nil
}

// TornWriteProtect writes buf at offset twice, verifying both copies read
// back correctly, for critical regions (manifest slots) where a double
// write is cheaper than relying on filesystem atomicity guarantees.
func (ps *PageStore) TornWriteProtect(buf []byte, offset int64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := ps.file.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("storage: torn write protect attempt %d: %w", attempt, err)
		}
		if err := ps.file.Sync(); err != nil {
			return fmt.Errorf("storage: torn write protect fsync attempt %d: %w", attempt, err)
		}
		check := make([]byte, len(buf))
		if _, err := ps.file.ReadAt(check, offset); err != nil {
			return fmt.Errorf("storage: torn write protect verify attempt %d: %w", attempt, err)
		}
		if !bytesEqual(check, buf) {
			if attempt == 1 {
				return fmt.Errorf("storage: torn write protect: verification failed after two writes")
			}
			continue
		}
	}
	return nil
}

// rawWriteAt/rawReadAt are used by Manifest for the fixed-slot layout at
// file offsets 0 and PageSize, below the data-page region.
func (ps *PageStore) rawWriteAt(buf []byte, offset int64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, err := ps.file.WriteAt(buf, offset); err != nil {
		return err
	}
	return ps.file.Sync()
}

func (ps *PageStore) rawReadAt(buf []byte, offset int64) (int, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.file.ReadAt(buf, offset)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
