package storage

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

func TestSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	doc := document.New()
	doc.Set("name", "alice")

	snap := &Snapshot{
		Version:    SnapshotCurrentVersion,
		Operations: []types.Operation{types.Insert(doc)},
		Indexes: map[string][]IndexDescriptor{
			"people": {{Field: "age", Kind: types.IndexHash}},
		},
	}

	got, err := DecodeSnapshotFromBytes(EncodeSnapshotFile(snap))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Operations) != 1 || got.Operations[0].Kind != types.OpInsert {
		t.Fatalf("unexpected operations: %+v", got.Operations)
	}
	if len(got.Indexes["people"]) != 1 || got.Indexes["people"][0].Field != "age" {
		t.Fatalf("unexpected indexes: %+v", got.Indexes)
	}
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	data := EncodeSnapshotFile(&Snapshot{Version: SnapshotCurrentVersion})
	data[0] = 'X'
	if _, err := DecodeSnapshotFromBytes(data); err != ErrInvalidSnapshot {
		t.Fatalf("error = %v, want ErrInvalidSnapshot", err)
	}
}

func TestSnapshotRejectsNewerVersion(t *testing.T) {
	data := EncodeSnapshotFile(&Snapshot{Version: SnapshotCurrentVersion + 1})
	if _, err := DecodeSnapshotFromBytes(data); err != ErrUnsupportedSnapshotVersion {
		t.Fatalf("error = %v, want ErrUnsupportedSnapshotVersion", err)
	}
}

func TestWriteSnapshotAtomicThenReadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	snap := &Snapshot{Version: SnapshotCurrentVersion, Operations: []types.Operation{types.Insert(document.New())}}

	if err := WriteSnapshotAtomic(path, snap, zerolog.Nop()); err != nil {
		t.Fatalf("write snapshot atomic: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(got.Operations) != 1 {
		t.Fatalf("got %d operations, want 1", len(got.Operations))
	}
}
