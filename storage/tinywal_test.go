package storage

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestTinyWAL(t *testing.T) *TinyWAL {
	t.Helper()
	w, err := OpenTinyWAL(filepath.Join(t.TempDir(), "tiny.wal"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open tinywal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestTinyWALAppendReadAllRoundTrip(t *testing.T) {
	w := openTestTinyWAL(t)

	recs := []*WalRecord{
		{TxnID: 1, PageIDs: []uint64{1, 2}, Checksums: []uint32{0xAAAA, 0xBBBB}, NewRootID: 11, Epoch: 1},
		{TxnID: 2, PageIDs: []uint64{3}, Checksums: []uint32{0xCCCC}, NewRootID: 12, Epoch: 2},
	}
	for _, r := range recs {
		if err := w.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := w.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].NewRootID != 11 || got[1].NewRootID != 12 {
		t.Fatalf("unexpected root ids: %d, %d", got[0].NewRootID, got[1].NewRootID)
	}
}

// TestTinyWALGroupCommitAdvancesRootAcrossBatch exercises group commit
// with new_root_id advancing 11, 12, 13 (epoch 1, 2, 3) across a single batch, then
// recovers the manifest from the resulting WAL tail.
func TestTinyWALGroupCommitAdvancesRootAcrossBatch(t *testing.T) {
	w := openTestTinyWAL(t)

	batch := []*WalRecord{
		{TxnID: 1, NewRootID: 11, Epoch: 1},
		{TxnID: 1, NewRootID: 12, Epoch: 2},
		{TxnID: 1, NewRootID: 13, Epoch: 3},
	}
	last, err := w.GroupCommit(batch)
	if err != nil {
		t.Fatalf("group commit: %v", err)
	}
	if last.NewRootID != 13 || last.Epoch != 3 {
		t.Fatalf("group commit returned %+v, want NewRootID 13 Epoch 3", last)
	}

	ps, err := OpenPageStore(filepath.Join(t.TempDir(), "pages.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open page store: %v", err)
	}
	defer ps.Close()
	ms := NewManifestStore(ps, zerolog.Nop())
	base := &Manifest{Version: 0, RootPageID: 0, NextPageID: 1}

	recovered, err := RecoverFromWAL(w, ms, base)
	if err != nil {
		t.Fatalf("recover from wal: %v", err)
	}
	if recovered.RootPageID != 13 || recovered.Version != 3 {
		t.Fatalf("recovered manifest = %+v, want root 13 version 3", recovered)
	}

	onDisk, err := ms.ReadManifest()
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if onDisk.RootPageID != 13 || onDisk.Version != 3 {
		t.Fatalf("on-disk manifest = %+v, want root 13 version 3", onDisk)
	}
}

func TestTinyWALTornTailStopsCleanly(t *testing.T) {
	w := openTestTinyWAL(t)
	if err := w.Append(&WalRecord{TxnID: 1, NewRootID: 5, Epoch: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Append a declared length with no payload bytes behind it.
	w.mu.Lock()
	var lenBuf [8]byte
	lenBuf[0] = 0xFF
	lenBuf[1] = 0x00
	w.file.Seek(0, 2)
	w.file.Write(lenBuf[:])
	w.mu.Unlock()

	got, err := w.ReadAll()
	if err != nil {
		t.Fatalf("read all should tolerate a torn tail, got error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (torn tail record dropped)", len(got))
	}
}
