package storage

import "testing"

func TestPageEncodeDecodeRoundTrip(t *testing.T) {
	p := NewPage(7, PageBTree, []byte("hello page"))
	p.Header.Version = 3
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) != PageSize {
		t.Fatalf("encoded page has wrong size %d, want %d", len(raw), PageSize)
	}

	got, err := DecodePage(raw, 7)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Header.PageID != 7 || got.Header.Version != 3 || got.Header.PageType != PageBTree {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	if string(got.Data) != "hello page" {
		t.Fatalf("unexpected data: %q", got.Data)
	}
}

func TestPageCorruptionDetected(t *testing.T) {
	p := NewPage(1, PageSegment, []byte("payload"))
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[PageHeaderSize] ^= 0xFF // flip a data byte

	if VerifyCRC(raw) {
		t.Fatal("expected VerifyCRC to detect the flipped byte")
	}
	if _, err := DecodePage(raw, 1); err == nil {
		t.Fatal("expected DecodePage to reject a corrupted page")
	} else if _, ok := err.(*CorruptPageError); !ok {
		t.Fatalf("expected *CorruptPageError, got %T: %v", err, err)
	}
}

func TestPageDataExceedsCapacityRejected(t *testing.T) {
	p := NewPage(1, PageBTree, make([]byte, PageDataCapacity+1))
	if _, err := p.Encode(); err == nil {
		t.Fatal("expected oversized page data to be rejected")
	}
}
