package storage

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestPageStore(t *testing.T) *PageStore {
	t.Helper()
	ps, err := OpenPageStore(filepath.Join(t.TempDir(), "pages.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open page store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPageStoreWriteReadRoundTrip(t *testing.T) {
	ps := openTestPageStore(t)
	p := NewPage(1, PageBTree, []byte("leaf contents"))
	if err := ps.WritePage(1, p); err != nil {
		t.Fatalf("write page: %v", err)
	}

	got, err := ps.ReadPage(1)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if string(got.Data) != "leaf contents" {
		t.Fatalf("unexpected data: %q", got.Data)
	}
}

func TestPageStoreReadUnwrittenPageFails(t *testing.T) {
	ps := openTestPageStore(t)
	if _, err := ps.ReadPage(42); err == nil {
		t.Fatal("expected reading an unwritten page to fail")
	}
}

func TestPageStoreTornWriteProtectVerifies(t *testing.T) {
	ps := openTestPageStore(t)
	buf := make([]byte, PageSize)
	copy(buf, []byte("manifest slot"))
	if err := ps.TornWriteProtect(buf, 0); err != nil {
		t.Fatalf("torn write protect: %v", err)
	}

	check := make([]byte, len("manifest slot"))
	if _, err := ps.rawReadAt(check, 0); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if string(check) != "manifest slot" {
		t.Fatalf("unexpected readback: %q", check)
	}
}
