// Package types holds the sum types shared across the storage, index and
// query layers: write operations, index deltas, and their key encodings.
package types

import (
	"fmt"
	"math"

	"github.com/waspdb/waspdb/document"
)

// OperationKind tags a variant of Operation.
type OperationKind byte

const (
	OpInsert OperationKind = iota
	OpUpdate
	OpDelete
)

// Operation is the write-path sum type appended to the OpLog:
// Insert{document}, Update{id, new_document}, Delete{id}.
type Operation struct {
	Kind        OperationKind
	Document    *document.Document // set for Insert and Update (new_document)
	DocumentID  document.ID         // set for Update and Delete
}

// Insert builds an Insert operation.
func Insert(doc *document.Document) Operation {
	return Operation{Kind: OpInsert, Document: doc, DocumentID: doc.ID}
}

// Update builds an Update operation.
func Update(id document.ID, newDoc *document.Document) Operation {
	return Operation{Kind: OpUpdate, Document: newDoc, DocumentID: id}
}

// Delete builds a Delete operation.
func Delete(id document.ID) Operation {
	return Operation{Kind: OpDelete, DocumentID: id}
}

// IndexKind identifies which structure an index entry belongs to.
type IndexKind byte

const (
	IndexHash IndexKind = iota
	IndexBTree
)

func (k IndexKind) String() string {
	switch k {
	case IndexHash:
		return "hash"
	case IndexBTree:
		return "btree"
	default:
		return "unknown"
	}
}

// DeltaOp distinguishes an index addition from a removal.
type DeltaOp byte

const (
	DeltaAdd DeltaOp = iota
	DeltaRemove
)

// DeltaKeyKind tags which variant of DeltaKey is populated.
type DeltaKeyKind byte

const (
	DeltaKeyStr DeltaKeyKind = iota
	DeltaKeyI64
	DeltaKeyF64
	DeltaKeyBool
)

// DeltaKey is the typed index key carried by an IndexDelta: one of
// Str, I64, F64, Bool (SPEC_FULL.md §3).
type DeltaKey struct {
	Kind DeltaKeyKind
	Str  string
	I64  int64
	F64  float64
	Bool bool
}

// DeltaKeyFromValue converts a document field value into a DeltaKey,
// mirroring the teacher's ValueToKey but keeping the typed variant instead
// of collapsing to a string. Returns false for value kinds that never
// participate in an index (nil, nested document, array, binary, datetime).
func DeltaKeyFromValue(v interface{}) (DeltaKey, bool) {
	switch val := v.(type) {
	case string:
		return DeltaKey{Kind: DeltaKeyStr, Str: val}, true
	case int64:
		return DeltaKey{Kind: DeltaKeyI64, I64: val}, true
	case int32:
		return DeltaKey{Kind: DeltaKeyI64, I64: int64(val)}, true
	case float64:
		return DeltaKey{Kind: DeltaKeyF64, F64: val}, true
	case bool:
		return DeltaKey{Kind: DeltaKeyBool, Bool: val}, true
	default:
		return DeltaKey{}, false
	}
}

// orderedInt64 maps v onto a uint64 that preserves int64's signed ordering:
// flipping the sign bit turns the two's-complement range into a monotonic
// unsigned one (minInt64 -> 0, maxInt64 -> max uint64).
func orderedInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// orderedFloat64 maps f onto a uint64 that preserves float64's total
// ordering: for a non-negative float, set the sign bit; for a negative
// float, flip every bit, so larger-magnitude negatives sort lower.
func orderedFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// String renders a fixed-width, lexically-ordered encoding of the key:
// equal-kind keys sort in the same order as their underlying values,
// including across the negative/positive boundary (SPEC_FULL.md §4.9's
// total-ordered OrdKey requirement). I64/F64 go through a sign-biased
// uint64 remapping rather than formatting the raw value, since "%020d" of
// a signed int64 or "%.15e" of a float64 both sort lexically by digit,
// which disagrees with numeric order once negative values are involved.
func (k DeltaKey) String() string {
	switch k.Kind {
	case DeltaKeyStr:
		return fmt.Sprintf("s:%s", k.Str)
	case DeltaKeyI64:
		return fmt.Sprintf("i:%020d", orderedInt64(k.I64))
	case DeltaKeyF64:
		return fmt.Sprintf("f:%020d", orderedFloat64(k.F64))
	case DeltaKeyBool:
		return fmt.Sprintf("b:%v", k.Bool)
	default:
		return "?:unknown"
	}
}

// Equal reports whether two DeltaKeys represent the same logical value.
func (k DeltaKey) Equal(other DeltaKey) bool {
	return k.Kind == other.Kind && k.String() == other.String()
}

// IndexDelta records one addition or removal of a document id under an
// index's key, as appended to the OpLog alongside operations.
type IndexDelta struct {
	Collection string
	Field      string
	Kind       IndexKind
	Op         DeltaOp
	Key        DeltaKey
	ID         document.ID
}

// CmpOp identifies a comparison in a Cmp filter node.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpGt
	CmpGte
	CmpLt
	CmpLte
)

// FilterKind tags a variant of the Filter sum type.
type FilterKind int

const (
	FilterTrue FilterKind = iota
	FilterAnd
	FilterOr
	FilterNot
	FilterExists
	FilterIn
	FilterNin
	FilterCmp
	FilterRegex
)

// Filter is the query language's sum type: True | And | Or | Not |
// Exists{path,exists} | In{path,values} | Nin{path,values} |
// Cmp{path,op,value} | Regex{path,pattern,case_insensitive}
// (SPEC_FULL.md §4.11).
type Filter struct {
	Kind            FilterKind
	Sub             []Filter      // And, Or operands; Not uses Sub[0]
	Path            string        // Exists, In, Nin, Cmp, Regex
	Exists          bool          // Exists
	Values          []interface{} // In, Nin
	Op              CmpOp         // Cmp
	Value           interface{}   // Cmp
	Regex           string        // Regex
	CaseInsensitive bool          // Regex
}

// UpdateKind tags a variant of the Update sum type.
type UpdateKind int

const (
	UpdateSet UpdateKind = iota
	UpdateInc
	UpdateUnset
)

// UpdateOp is one operation within an update document: $set, $inc, $unset.
type UpdateOp struct {
	Kind  UpdateKind
	Path  string
	Value interface{} // Set, Inc
}

// MaxUpdateOps bounds a single update call (SPEC_FULL.md §4.11).
const MaxUpdateOps = 128
