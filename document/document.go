// Package document defines the BSON-like document model: field values,
// typed metadata, and the opaque document identifier used everywhere else
// in the engine.
package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ID is a 128-bit opaque document identifier.
type ID uuid.UUID

// NewID generates a fresh random document id.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id ID) MarshalBinary() ([]byte, error) {
	return uuid.UUID(id).MarshalBinary()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *ID) UnmarshalBinary(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalBinary(data); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

// FieldType identifies the kind of value held by a Field.
type FieldType byte

const (
	FieldNull FieldType = iota
	FieldString
	FieldInt64
	FieldFloat64
	FieldBool
	FieldDocument
	FieldArray
	FieldBinary
	FieldDateTime
)

// Field is a single named value within a Document.
type Field struct {
	Name  string
	Type  FieldType
	Value interface{} // string | int64 | float64 | bool | nil | *Document | []interface{} | []byte | time.Time
}

// DocumentType distinguishes documents that persist indefinitely from
// documents that expire via TTL.
type DocumentType byte

const (
	Persistent DocumentType = iota
	Ephemeral
)

// TempCollectionName is the reserved collection that holds Ephemeral
// documents. Inserting an Ephemeral document anywhere else is rejected —
// see SPEC_FULL.md §9, open question 3.
const TempCollectionName = "_tempDocuments"

// Metadata carries the lifecycle information attached to every document.
type Metadata struct {
	Type      DocumentType
	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Duration // zero means no expiry; only meaningful for Ephemeral
}

// ExpiresAt returns the wall-clock instant at which the document expires,
// and false if it never expires.
func (m Metadata) ExpiresAt() (time.Time, bool) {
	if m.Type != Ephemeral || m.TTL <= 0 {
		return time.Time{}, false
	}
	return m.UpdatedAt.Add(m.TTL), true
}

// Document is an ordered map of field name to typed value plus lifecycle
// metadata and an opaque id.
type Document struct {
	ID       ID
	Fields   []Field
	Metadata Metadata
}

// New creates an empty Persistent document with a fresh id.
func New() *Document {
	now := time.Now()
	return &Document{
		ID: NewID(),
		Metadata: Metadata{
			Type:      Persistent,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// NewEphemeral creates an empty Ephemeral document with the given TTL.
func NewEphemeral(ttl time.Duration) *Document {
	d := New()
	d.Metadata.Type = Ephemeral
	d.Metadata.TTL = ttl
	return d
}

// Clone returns a deep copy, matching the "callers receive cloned
// documents" ownership rule from SPEC_FULL.md §3.
func (d *Document) Clone() *Document {
	out := &Document{ID: d.ID, Metadata: d.Metadata, Fields: make([]Field, len(d.Fields))}
	for i, f := range d.Fields {
		out.Fields[i] = Field{Name: f.Name, Type: f.Type, Value: cloneValue(f.Value)}
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case *Document:
		return val.Clone()
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, e := range val {
			cp[i] = cloneValue(e)
		}
		return cp
	case []byte:
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp
	default:
		return val
	}
}

// Set adds or replaces a top-level field, inferring its FieldType.
func (d *Document) Set(name string, value interface{}) {
	t, v := InferType(value)
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Type, d.Fields[i].Value = t, v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Type: t, Value: v})
}

// Get returns a top-level field's value.
func (d *Document) Get(name string) (interface{}, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Unset removes a top-level field, reporting whether anything was removed.
func (d *Document) Unset(name string) bool {
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// MaxPathDepth bounds dotted-path traversal (SPEC_FULL.md §4.9).
const MaxPathDepth = 32

// GetPath resolves a dot-separated field path, descending into nested
// documents. A path deeper than MaxPathDepth yields (nil, false) rather
// than an error, per SPEC_FULL.md §8 boundary behavior.
func (d *Document) GetPath(path []string) (interface{}, bool) {
	if len(path) == 0 || len(path) > MaxPathDepth {
		return nil, false
	}
	if len(path) == 1 {
		return d.Get(path[0])
	}
	val, ok := d.Get(path[0])
	if !ok {
		return nil, false
	}
	sub, ok := val.(*Document)
	if !ok {
		return nil, false
	}
	return sub.GetPath(path[1:])
}

// SetPath assigns a dotted-path value, creating intermediate documents for
// missing segments.
func (d *Document) SetPath(path []string, value interface{}) {
	if len(path) == 0 || len(path) > MaxPathDepth {
		return
	}
	if len(path) == 1 {
		d.Set(path[0], value)
		return
	}
	val, ok := d.Get(path[0])
	sub, isDoc := val.(*Document)
	if !ok || !isDoc {
		sub = New()
		d.Set(path[0], sub)
	}
	sub.SetPath(path[1:], value)
}

// UnsetPath removes a dotted-path value.
func (d *Document) UnsetPath(path []string) bool {
	if len(path) == 0 || len(path) > MaxPathDepth {
		return false
	}
	if len(path) == 1 {
		return d.Unset(path[0])
	}
	val, ok := d.Get(path[0])
	if !ok {
		return false
	}
	sub, ok := val.(*Document)
	if !ok {
		return false
	}
	return sub.UnsetPath(path[1:])
}

// InferType maps a Go value to its FieldType, matching the teacher's
// inferType but extended with Binary/DateTime per SPEC_FULL.md §3a.
func InferType(value interface{}) (FieldType, interface{}) {
	if value == nil {
		return FieldNull, nil
	}
	switch v := value.(type) {
	case string:
		return FieldString, v
	case int:
		return FieldInt64, int64(v)
	case int32:
		return FieldInt64, int64(v)
	case int64:
		return FieldInt64, v
	case float64:
		return FieldFloat64, v
	case bool:
		return FieldBool, v
	case *Document:
		return FieldDocument, v
	case []interface{}:
		return FieldArray, v
	case []byte:
		return FieldBinary, v
	case time.Time:
		return FieldDateTime, v
	default:
		return FieldNull, nil
	}
}

// ---------- binary encoding ----------
//
// Layout (little-endian throughout, matching storage.Document in the
// teacher repo): [id:16][doc_type:1][created_at:8][updated_at:8][ttl_ns:8]
// [nb_fields:uint16] then per field [name_len:uint16][name][type:byte][value].

// Encode serializes the document, including metadata and id.
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	idBytes, err := d.ID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("document: encode id: %w", err)
	}
	buf = append(buf, idBytes...)
	buf = append(buf, byte(d.Metadata.Type))

	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(d.Metadata.CreatedAt.UnixNano()))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(d.Metadata.UpdatedAt.UnixNano()))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(d.Metadata.TTL))
	buf = append(buf, tmp[:]...)

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(d.Fields)))
	buf = append(buf, tmp2[:]...)

	for _, f := range d.Fields {
		nameBytes := []byte(f.Name)
		if len(nameBytes) > math.MaxUint16 {
			return nil, fmt.Errorf("document: field name too long: %s", f.Name)
		}
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(nameBytes)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, nameBytes...)
		buf = append(buf, byte(f.Type))
		valBytes, err := encodeValue(f.Type, f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	return buf, nil
}

// Decode deserializes a Document previously produced by Encode.
func Decode(data []byte) (*Document, error) {
	const headerLen = 16 + 1 + 8 + 8 + 8 + 2
	if len(data) < headerLen {
		return nil, errors.New("document: data too short")
	}
	d := &Document{}
	if err := d.ID.UnmarshalBinary(data[0:16]); err != nil {
		return nil, fmt.Errorf("document: decode id: %w", err)
	}
	off := 16
	d.Metadata.Type = DocumentType(data[off])
	off++
	d.Metadata.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(data[off:]))).UTC()
	off += 8
	d.Metadata.UpdatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(data[off:]))).UTC()
	off += 8
	d.Metadata.TTL = time.Duration(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	nbFields := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	for i := 0; i < nbFields; i++ {
		if off+2 > len(data) {
			return nil, errors.New("document: unexpected end (name len)")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen > len(data) {
			return nil, errors.New("document: unexpected end (name)")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		if off >= len(data) {
			return nil, errors.New("document: unexpected end (type)")
		}
		ftype := FieldType(data[off])
		off++
		val, n, err := decodeValue(ftype, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		d.Fields = append(d.Fields, Field{Name: name, Type: ftype, Value: val})
	}
	return d, nil
}

func encodeValue(t FieldType, v interface{}) ([]byte, error) {
	switch t {
	case FieldNull:
		return nil, nil
	case FieldBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case FieldInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.(int64)))
		return buf, nil
	case FieldFloat64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case FieldString:
		s := v.(string)
		buf := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(buf, uint32(len(s)))
		copy(buf[4:], s)
		return buf, nil
	case FieldBinary:
		b := v.([]byte)
		buf := make([]byte, 4+len(b))
		binary.LittleEndian.PutUint32(buf, uint32(len(b)))
		copy(buf[4:], b)
		return buf, nil
	case FieldDateTime:
		t := v.(time.Time)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(t.UnixNano()))
		return buf, nil
	case FieldDocument:
		sub := v.(*Document)
		encoded, err := sub.Encode()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4+len(encoded))
		binary.LittleEndian.PutUint32(buf, uint32(len(encoded)))
		copy(buf[4:], encoded)
		return buf, nil
	case FieldArray:
		arr := v.([]interface{})
		arrBuf := make([]byte, 0, 64)
		var tmp2 [2]byte
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(arr)))
		arrBuf = append(arrBuf, tmp2[:]...)
		for _, elem := range arr {
			et, ev := InferType(elem)
			arrBuf = append(arrBuf, byte(et))
			eb, err := encodeValue(et, ev)
			if err != nil {
				return nil, err
			}
			arrBuf = append(arrBuf, eb...)
		}
		buf := make([]byte, 4+len(arrBuf))
		binary.LittleEndian.PutUint32(buf, uint32(len(arrBuf)))
		copy(buf[4:], arrBuf)
		return buf, nil
	default:
		return nil, fmt.Errorf("document: unknown field type: %d", t)
	}
}

func decodeValue(t FieldType, data []byte) (interface{}, int, error) {
	switch t {
	case FieldNull:
		return nil, 0, nil
	case FieldBool:
		if len(data) < 1 {
			return nil, 0, errors.New("document: not enough data for bool")
		}
		return data[0] != 0, 1, nil
	case FieldInt64:
		if len(data) < 8 {
			return nil, 0, errors.New("document: not enough data for int64")
		}
		return int64(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldFloat64:
		if len(data) < 8 {
			return nil, 0, errors.New("document: not enough data for float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case FieldString:
		if len(data) < 4 {
			return nil, 0, errors.New("document: not enough data for string length")
		}
		slen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+slen {
			return nil, 0, errors.New("document: not enough data for string")
		}
		return string(data[4 : 4+slen]), 4 + slen, nil
	case FieldBinary:
		if len(data) < 4 {
			return nil, 0, errors.New("document: not enough data for binary length")
		}
		blen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+blen {
			return nil, 0, errors.New("document: not enough data for binary")
		}
		out := make([]byte, blen)
		copy(out, data[4:4+blen])
		return out, 4 + blen, nil
	case FieldDateTime:
		if len(data) < 8 {
			return nil, 0, errors.New("document: not enough data for datetime")
		}
		return time.Unix(0, int64(binary.LittleEndian.Uint64(data))).UTC(), 8, nil
	case FieldDocument:
		if len(data) < 4 {
			return nil, 0, errors.New("document: not enough data for embedded document length")
		}
		dlen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+dlen {
			return nil, 0, errors.New("document: not enough data for embedded document")
		}
		sub, err := Decode(data[4 : 4+dlen])
		if err != nil {
			return nil, 0, err
		}
		return sub, 4 + dlen, nil
	case FieldArray:
		if len(data) < 4 {
			return nil, 0, errors.New("document: not enough data for array length")
		}
		alen := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+alen {
			return nil, 0, errors.New("document: not enough data for array")
		}
		arrData := data[4 : 4+alen]
		if len(arrData) < 2 {
			return []interface{}{}, 4 + alen, nil
		}
		count := int(binary.LittleEndian.Uint16(arrData))
		aoff := 2
		arr := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			et := FieldType(arrData[aoff])
			aoff++
			ev, n, err := decodeValue(et, arrData[aoff:])
			if err != nil {
				return nil, 0, err
			}
			aoff += n
			arr = append(arr, ev)
		}
		return arr, 4 + alen, nil
	default:
		return nil, 0, fmt.Errorf("document: unknown field type: %d", t)
	}
}
