package storage

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

func openTestOpLogFile(t *testing.T) *OpLog {
	t.Helper()
	o, err := OpenOpLog(filepath.Join(t.TempDir(), "wasp.oplog"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open oplog: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestOpLogAppendReadAllPreservesOrder(t *testing.T) {
	o := openTestOpLogFile(t)

	d1 := document.New()
	d1.Set("n", int64(1))
	d2 := document.New()
	d2.Set("n", int64(2))

	if err := o.Append(types.Insert(d1)); err != nil {
		t.Fatalf("append insert 1: %v", err)
	}
	if err := o.Append(types.Update(d1.ID, d2)); err != nil {
		t.Fatalf("append update: %v", err)
	}
	if err := o.Append(types.Delete(d1.ID)); err != nil {
		t.Fatalf("append delete: %v", err)
	}

	ops, err := o.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("got %d ops, want 3", len(ops))
	}
	if ops[0].Kind != types.OpInsert || ops[1].Kind != types.OpUpdate || ops[2].Kind != types.OpDelete {
		t.Fatalf("unexpected op order: %+v", ops)
	}
}

func TestOpLogIndexDeltaRoundTrip(t *testing.T) {
	o := openTestOpLogFile(t)

	id := document.NewID()
	delta := types.IndexDelta{
		Collection: "people",
		Field:      "age",
		Kind:       types.IndexHash,
		Op:         types.DeltaAdd,
		Key:        types.DeltaKey{Kind: types.DeltaKeyI64, I64: 30},
		ID:         id,
	}
	if err := o.AppendIndexDelta(delta); err != nil {
		t.Fatalf("append index delta: %v", err)
	}

	deltas, err := o.ReadIndexDeltas()
	if err != nil {
		t.Fatalf("read index deltas: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	if deltas[0].Field != "age" || deltas[0].Op != types.DeltaAdd || deltas[0].Key.I64 != 30 {
		t.Fatalf("unexpected delta: %+v", deltas[0])
	}
}

func TestOpLogMixedFramesFilterByType(t *testing.T) {
	o := openTestOpLogFile(t)
	doc := document.New()
	if err := o.Append(types.Insert(doc)); err != nil {
		t.Fatalf("append op: %v", err)
	}
	if err := o.AppendIndexDelta(types.IndexDelta{Field: "f", Key: types.DeltaKey{Kind: types.DeltaKeyStr, Str: "x"}}); err != nil {
		t.Fatalf("append delta: %v", err)
	}

	ops, err := o.ReadAll()
	if err != nil || len(ops) != 1 {
		t.Fatalf("ReadAll = (%d ops, %v), want 1 op", len(ops), err)
	}
	deltas, err := o.ReadIndexDeltas()
	if err != nil || len(deltas) != 1 {
		t.Fatalf("ReadIndexDeltas = (%d deltas, %v), want 1 delta", len(deltas), err)
	}
}

func TestOpLogTornTailStopsCleanly(t *testing.T) {
	o := openTestOpLogFile(t)
	doc := document.New()
	if err := o.Append(types.Insert(doc)); err != nil {
		t.Fatalf("append: %v", err)
	}

	o.mu.Lock()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], 9999)
	o.file.Seek(0, 2)
	o.file.Write(lenBuf[:])
	o.file.Write([]byte("short"))
	o.mu.Unlock()

	ops, err := o.ReadAll()
	if err != nil {
		t.Fatalf("read all should tolerate a torn tail: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1 (torn tail frame dropped)", len(ops))
	}
}

func TestOpLogTruncateClearsFile(t *testing.T) {
	o := openTestOpLogFile(t)
	if err := o.Append(types.Insert(document.New())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := o.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	ops, err := o.ReadAll()
	if err != nil {
		t.Fatalf("read all after truncate: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("got %d ops after truncate, want 0", len(ops))
	}
}
