package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

// frameKind tags a WASP frame as an Operation or an IndexDelta.
type frameKind byte

const (
	frameOp frameKind = iota
	frameIdx
)

// Engine is the storage interface CollectionOps depends on, matching the
// original's trait-object StorageEngine but kept to the operations this
// repository actually needs (SPEC_FULL.md §9 "Trait-object storage").
type Engine interface {
	Append(op types.Operation) error
	AppendIndexDelta(d types.IndexDelta) error
	ReadAll() ([]types.Operation, error)
	ReadIndexDeltas() ([]types.IndexDelta, error)
}

// OpLog is the append-only WASP file: a stream of length-prefixed frames,
// each an Op(Operation) or Idx(IndexDelta). The frame length prefix is
// 8-byte big-endian — distinct from TinyWAL's little-endian framing,
// grounded on the original wasp_engine.rs.
type OpLog struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

var _ Engine = (*OpLog)(nil)

// OpenOpLog opens or creates the WASP file at path.
func OpenOpLog(path string, log zerolog.Logger) (*OpLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open oplog: %w", err)
	}
	return &OpLog{file: f, log: log.With().Str("component", "oplog").Logger()}, nil
}

// Close closes the backing file.
func (o *OpLog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Close()
}

func (o *OpLog) appendFrame(kind frameKind, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	frame := make([]byte, 1+len(payload))
	frame[0] = byte(kind)
	copy(frame[1:], payload)

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(frame)))

	if _, err := o.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("storage: oplog seek end: %w", err)
	}
	if _, err := o.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("storage: oplog write length: %w", err)
	}
	if _, err := o.file.Write(frame); err != nil {
		return fmt.Errorf("storage: oplog write frame: %w", err)
	}
	return o.file.Sync()
}

// Append serializes op as a tagged Op frame and flushes.
func (o *OpLog) Append(op types.Operation) error {
	return o.appendFrame(frameOp, encodeOperation(op))
}

// AppendIndexDelta serializes d as a tagged Idx frame and flushes.
func (o *OpLog) AppendIndexDelta(d types.IndexDelta) error {
	return o.appendFrame(frameIdx, encodeIndexDelta(d))
}

// ReadAll scans every frame and returns the decoded Operations, skipping
// Idx frames and any unrecognized frame kind (forward compatibility).
func (o *OpLog) ReadAll() ([]types.Operation, error) {
	frames, err := o.scanFrames()
	if err != nil {
		return nil, err
	}
	var ops []types.Operation
	for _, f := range frames {
		if f.kind != frameOp {
			continue
		}
		op, err := decodeOperation(f.payload)
		if err != nil {
			continue // corrupt individual frame: skip, matches "unknown frame types are skipped"
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ReadIndexDeltas filters the frame stream to Idx frames.
func (o *OpLog) ReadIndexDeltas() ([]types.IndexDelta, error) {
	frames, err := o.scanFrames()
	if err != nil {
		return nil, err
	}
	var deltas []types.IndexDelta
	for _, f := range frames {
		if f.kind != frameIdx {
			continue
		}
		d, err := decodeIndexDelta(f.payload)
		if err != nil {
			continue
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

type rawFrame struct {
	kind    frameKind
	payload []byte
}

func (o *OpLog) scanFrames() ([]rawFrame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: oplog seek start: %w", err)
	}

	var frames []rawFrame
	lenBuf := make([]byte, 8)
	for {
		n, err := io.ReadFull(o.file, lenBuf)
		if err != nil || n < 8 {
			break
		}
		length := binary.BigEndian.Uint64(lenBuf)
		const maxSaneFrameSize = 64 << 20
		if length == 0 || length > maxSaneFrameSize {
			break
		}
		body := make([]byte, length)
		n, err = io.ReadFull(o.file, body)
		if err != nil || uint64(n) < length {
			break // torn tail
		}
		frames = append(frames, rawFrame{kind: frameKind(body[0]), payload: body[1:]})
	}
	return frames, nil
}

// Truncate clears the OpLog file after a checkpoint has durably published
// a Snapshot — always truncates, the portable resolution of the open
// question in SPEC_FULL.md §9.
func (o *OpLog) Truncate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.file.Truncate(0); err != nil {
		return fmt.Errorf("storage: oplog truncate: %w", err)
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("storage: oplog seek after truncate: %w", err)
	}
	return o.file.Sync()
}

// ---------- Operation / IndexDelta wire encoding ----------

func encodeOperation(op types.Operation) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(op.Kind))
	idBytes, _ := op.DocumentID.MarshalBinary()
	buf = append(buf, idBytes...)
	if op.Kind == types.OpInsert || op.Kind == types.OpUpdate {
		docBytes, err := op.Document.Encode()
		if err == nil {
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], uint32(len(docBytes)))
			buf = append(buf, tmp[:]...)
			buf = append(buf, docBytes...)
		} else {
			var tmp [4]byte
			buf = append(buf, tmp[:]...)
		}
	}
	return buf
}

func decodeOperation(data []byte) (types.Operation, error) {
	if len(data) < 17 {
		return types.Operation{}, fmt.Errorf("storage: oplog: truncated operation frame")
	}
	kind := types.OperationKind(data[0])
	var id document.ID
	if err := id.UnmarshalBinary(data[1:17]); err != nil {
		return types.Operation{}, err
	}
	op := types.Operation{Kind: kind, DocumentID: id}
	if kind == types.OpInsert || kind == types.OpUpdate {
		if len(data) < 21 {
			return types.Operation{}, fmt.Errorf("storage: oplog: truncated operation document length")
		}
		docLen := int(binary.LittleEndian.Uint32(data[17:]))
		if len(data) < 21+docLen {
			return types.Operation{}, fmt.Errorf("storage: oplog: truncated operation document body")
		}
		doc, err := document.Decode(data[21 : 21+docLen])
		if err != nil {
			return types.Operation{}, err
		}
		op.Document = doc
	}
	return op, nil
}

func encodeIndexDelta(d types.IndexDelta) []byte {
	buf := make([]byte, 0, 64)
	buf = appendLenString(buf, d.Collection)
	buf = appendLenString(buf, d.Field)
	buf = append(buf, byte(d.Kind), byte(d.Op), byte(d.Key.Kind))
	buf = appendLenString(buf, d.Key.Str)

	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(d.Key.I64))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], floatBits(d.Key.F64))
	buf = append(buf, tmp[:]...)
	if d.Key.Bool {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	idBytes, _ := d.ID.MarshalBinary()
	buf = append(buf, idBytes...)
	return buf
}

func decodeIndexDelta(data []byte) (types.IndexDelta, error) {
	var d types.IndexDelta
	off := 0
	coll, n, err := readLenString(data[off:])
	if err != nil {
		return d, err
	}
	d.Collection = coll
	off += n

	field, n, err := readLenString(data[off:])
	if err != nil {
		return d, err
	}
	d.Field = field
	off += n

	if len(data) < off+3 {
		return d, fmt.Errorf("storage: oplog: truncated index delta tags")
	}
	d.Kind = types.IndexKind(data[off])
	d.Op = types.DeltaOp(data[off+1])
	d.Key.Kind = types.DeltaKeyKind(data[off+2])
	off += 3

	str, n, err := readLenString(data[off:])
	if err != nil {
		return d, err
	}
	d.Key.Str = str
	off += n

	if len(data) < off+17 {
		return d, fmt.Errorf("storage: oplog: truncated index delta key body")
	}
	d.Key.I64 = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	d.Key.F64 = floatFromBits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	d.Key.Bool = data[off] != 0
	off++

	if len(data) < off+16 {
		return d, fmt.Errorf("storage: oplog: truncated index delta id")
	}
	if err := d.ID.UnmarshalBinary(data[off : off+16]); err != nil {
		return d, err
	}
	return d, nil
}

func floatBits(f float64) uint64      { return math.Float64bits(f) }
func floatFromBits(b uint64) float64  { return math.Float64frombits(b) }

func appendLenString(buf []byte, s string) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func readLenString(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, fmt.Errorf("storage: oplog: truncated string length")
	}
	l := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+l {
		return "", 0, fmt.Errorf("storage: oplog: truncated string body")
	}
	return string(data[4 : 4+l]), 4 + l, nil
}
