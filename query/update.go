package query

import (
	"fmt"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

// ApplyUpdate applies up to MaxUpdateOps update operations to doc in
// place, reporting whether anything actually changed. $set replaces
// leaves (creating intermediate documents for missing dotted segments),
// $inc treats a missing field as 0 and coerces to float64, $unset deletes
// (SPEC_FULL.md §4.11).
func ApplyUpdate(doc *document.Document, ops []types.UpdateOp) (bool, error) {
	if len(ops) > types.MaxUpdateOps {
		return false, fmt.Errorf("query: update exceeds max ops per call (%d > %d)", len(ops), types.MaxUpdateOps)
	}

	modified := false
	for _, op := range ops {
		path := splitPath(op.Path)
		switch op.Kind {
		case types.UpdateSet:
			old, had := doc.GetPath(path)
			if !had || !valuesEqual(old, op.Value) {
				doc.SetPath(path, op.Value)
				modified = true
			}
		case types.UpdateInc:
			old, _ := doc.GetPath(path)
			base, _ := toOrderableFloat(old)
			delta, ok := toOrderableFloat(op.Value)
			if !ok {
				return modified, fmt.Errorf("query: $inc value for %q is not numeric", op.Path)
			}
			doc.SetPath(path, base+delta)
			modified = true
		case types.UpdateUnset:
			if doc.UnsetPath(path) {
				modified = true
			}
		default:
			return modified, fmt.Errorf("query: unknown update op kind %v", op.Kind)
		}
	}
	return modified, nil
}
