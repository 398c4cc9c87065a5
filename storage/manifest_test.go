package storage

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestBlockAllocatorPrefersSmallestFreeID(t *testing.T) {
	a := NewBlockAllocator()
	if got := a.Alloc(); got != 1 {
		t.Fatalf("first alloc = %d, want 1", got)
	}
	a.Alloc() // 2
	a.Free(1)
	if got := a.Alloc(); got != 1 {
		t.Fatalf("alloc after free = %d, want 1 (smallest free)", got)
	}
	if got := a.Alloc(); got != 3 {
		t.Fatalf("next alloc = %d, want 3", got)
	}
}

func TestManifestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Manifest{
		Version:        5,
		RootPageID:     9,
		ActiveSegments: []uint64{1, 2, 3},
		NextPageID:     10,
		FreePages:      []uint64{4},
		WALMetadata:    []byte("wal-meta"),
	}
	got, err := DecodeManifest(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 5 || got.RootPageID != 9 || got.NextPageID != 10 {
		t.Fatalf("unexpected scalar fields: %+v", got)
	}
	if len(got.ActiveSegments) != 3 || got.ActiveSegments[2] != 3 {
		t.Fatalf("unexpected segments: %v", got.ActiveSegments)
	}
	if string(got.WALMetadata) != "wal-meta" {
		t.Fatalf("unexpected wal metadata: %q", got.WALMetadata)
	}
}

func openTestManifestStore(t *testing.T) (*ManifestStore, *PageStore) {
	t.Helper()
	ps, err := OpenPageStore(filepath.Join(t.TempDir(), "pages.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open page store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return NewManifestStore(ps, zerolog.Nop()), ps
}

func TestManifestStoreAlternatesSlots(t *testing.T) {
	ms, _ := openTestManifestStore(t)

	if err := ms.WriteManifest(&Manifest{Version: 1, RootPageID: 1}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if ms.lastSlot != 0 {
		t.Fatalf("first write landed in slot %d, want 0", ms.lastSlot)
	}
	if err := ms.WriteManifest(&Manifest{Version: 2, RootPageID: 2}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if ms.lastSlot != 1 {
		t.Fatalf("second write landed in slot %d, want 1", ms.lastSlot)
	}

	got, err := ms.ReadManifest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Version != 2 || got.RootPageID != 2 {
		t.Fatalf("expected the higher-version manifest, got %+v", got)
	}
}

// TestManifestRecoversFromCorruptSlot reproduces the canonical corruption
// scenario: slot 0 is stomped with 0xAA bytes after a valid slot 1 write,
// and recovery must fall back to slot 1 and repair slot 0 from it.
func TestManifestRecoversFromCorruptSlot(t *testing.T) {
	ms, ps := openTestManifestStore(t)

	if err := ms.WriteManifest(&Manifest{Version: 1, RootPageID: 11}); err != nil {
		t.Fatalf("write slot 0: %v", err)
	}
	if err := ms.WriteManifest(&Manifest{Version: 2, RootPageID: 22}); err != nil {
		t.Fatalf("write slot 1: %v", err)
	}

	garbage := make([]byte, PageSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if err := ps.rawWriteAt(garbage, ms.slotOffset(0)); err != nil {
		t.Fatalf("stomp slot 0: %v", err)
	}

	report, err := ms.RecoverManifests()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !report.BothValid {
		t.Fatalf("expected recovery to repair the stomped slot: %+v", report)
	}

	got, err := ms.ReadManifest()
	if err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if got.Version != 2 || got.RootPageID != 22 {
		t.Fatalf("recovered manifest = %+v, want version 2 root 22", got)
	}
}

func TestManifestRecoveryFailsWhenBothSlotsInvalid(t *testing.T) {
	_, ps := openTestManifestStore(t)
	ms := NewManifestStore(ps, zerolog.Nop())

	garbage := make([]byte, PageSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if err := ps.rawWriteAt(garbage, ms.slotOffset(0)); err != nil {
		t.Fatalf("stomp slot 0: %v", err)
	}
	if err := ps.rawWriteAt(garbage, ms.slotOffset(1)); err != nil {
		t.Fatalf("stomp slot 1: %v", err)
	}

	if _, err := ms.ReadManifest(); err != ErrNoValidManifest {
		t.Fatalf("ReadManifest error = %v, want ErrNoValidManifest", err)
	}
	if _, err := ms.RecoverManifests(); err != ErrNoValidManifest {
		t.Fatalf("RecoverManifests error = %v, want ErrNoValidManifest", err)
	}
}
