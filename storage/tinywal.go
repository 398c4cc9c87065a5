package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// WalRecord is TinyWAL's record schema: SPEC_FULL.md §4.5.
type WalRecord struct {
	TxnID      uint64
	PageIDs    []uint64
	Checksums  []uint32
	NewRootID  uint64
	Epoch      uint64
}

func (r *WalRecord) encode() []byte {
	buf := make([]byte, 0, 64)
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], r.TxnID)
	buf = append(buf, tmp[:]...)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(r.PageIDs)))
	buf = append(buf, tmp[:4]...)
	for _, id := range r.PageIDs {
		binary.LittleEndian.PutUint64(tmp[:], id)
		buf = append(buf, tmp[:]...)
	}

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(r.Checksums)))
	buf = append(buf, tmp[:4]...)
	for _, c := range r.Checksums {
		binary.LittleEndian.PutUint32(tmp[:4], c)
		buf = append(buf, tmp[:4]...)
	}

	binary.LittleEndian.PutUint64(tmp[:], r.NewRootID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], r.Epoch)
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeWalRecord(data []byte) (*WalRecord, error) {
	r := &WalRecord{}
	off := 0
	if len(data) < 8 {
		return nil, ErrCorruptWalRecord
	}
	r.TxnID = binary.LittleEndian.Uint64(data[off:])
	off += 8

	if len(data) < off+4 {
		return nil, ErrCorruptWalRecord
	}
	n := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+n*8 {
		return nil, ErrCorruptWalRecord
	}
	r.PageIDs = make([]uint64, n)
	for i := 0; i < n; i++ {
		r.PageIDs[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}

	if len(data) < off+4 {
		return nil, ErrCorruptWalRecord
	}
	n = int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data) < off+n*4 {
		return nil, ErrCorruptWalRecord
	}
	r.Checksums = make([]uint32, n)
	for i := 0; i < n; i++ {
		r.Checksums[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}

	if len(data) < off+16 {
		return nil, ErrCorruptWalRecord
	}
	r.NewRootID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	r.Epoch = binary.LittleEndian.Uint64(data[off:])
	return r, nil
}

// TinyWAL is the length-prefixed (8-byte little-endian) record log used to
// recover the CoWTree's root pointer after a crash (SPEC_FULL.md §4.5).
type TinyWAL struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

// OpenTinyWAL opens or creates the WAL file at path.
func OpenTinyWAL(path string, log zerolog.Logger) (*TinyWAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open tinywal: %w", err)
	}
	return &TinyWAL{file: f, log: log.With().Str("component", "tinywal").Logger()}, nil
}

// Close closes the backing file.
func (w *TinyWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Append writes length-prefixed record and data-syncs.
func (w *TinyWAL) Append(r *WalRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := r.encode()
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: tinywal seek end: %w", err)
	}
	if _, err := w.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("storage: tinywal write length: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("storage: tinywal write payload: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("storage: tinywal fsync: %w", err)
	}
	return nil
}

// GroupCommit appends every record in the batch, issues a single fsync,
// and returns the last record (callers use it to advance the in-memory
// root/version and write a fresh manifest page) — the atomicity boundary
// for a batch of CoWTree mutations.
func (w *TinyWAL) GroupCommit(records []*WalRecord) (*WalRecord, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("storage: group commit: empty batch")
	}
	w.mu.Lock()
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("storage: tinywal seek end: %w", err)
	}
	for _, r := range records {
		payload := r.encode()
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
		if _, err := w.file.Write(lenBuf[:]); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("storage: tinywal write length: %w", err)
		}
		if _, err := w.file.Write(payload); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("storage: tinywal write payload: %w", err)
		}
	}
	err := w.file.Sync()
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("storage: tinywal group commit fsync: %w", err)
	}
	return records[len(records)-1], nil
}

// ReadAll returns every decodable record in file order. A torn tail
// (insufficient bytes for the declared length, or a length that can't be
// read) ends the scan cleanly rather than erroring.
func (w *TinyWAL) ReadAll() ([]*WalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: tinywal seek start: %w", err)
	}

	var records []*WalRecord
	lenBuf := make([]byte, 8)
	for {
		n, err := io.ReadFull(w.file, lenBuf)
		if err != nil || n < 8 {
			break
		}
		length := binary.LittleEndian.Uint64(lenBuf)
		const maxSaneRecordSize = 64 << 20 // guards against a garbage/oversized length prefix
		if length > maxSaneRecordSize {
			break
		}
		payload := make([]byte, length)
		n, err = io.ReadFull(w.file, payload)
		if err != nil || uint64(n) < length {
			break // torn tail: stop cleanly
		}
		rec, err := decodeWalRecord(payload)
		if err != nil {
			return records, ErrCorruptWalRecord
		}
		records = append(records, rec)
	}
	return records, nil
}

// RecoverFromWAL replays every TinyWAL record and, if any exist, advances
// the manifest's root page id and version to match the last record's
// new_root_id/epoch before persisting it — the post-crash reconciliation
// step described alongside GroupCommit (SPEC_FULL.md §4.5).
func RecoverFromWAL(w *TinyWAL, ms *ManifestStore, base *Manifest) (*Manifest, error) {
	records, err := w.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("storage: recover from wal: %w", err)
	}
	if len(records) == 0 {
		return base, nil
	}
	last := records[len(records)-1]
	recovered := *base
	recovered.RootPageID = last.NewRootID
	recovered.Version = last.Epoch
	if err := ms.WriteManifest(&recovered); err != nil {
		return nil, fmt.Errorf("storage: recover from wal: write manifest: %w", err)
	}
	return &recovered, nil
}
