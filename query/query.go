// Package query implements QueryPlanner: filter evaluation, index
// planning with OpLog index-delta overlay merging, sort/paginate/project,
// and update-document application (SPEC_FULL.md §4.11).
package query

import (
	"context"
	"sort"
	"time"

	"github.com/waspdb/waspdb/collection"
	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/index"
	"github.com/waspdb/waspdb/types"
)

// MaxSortFields bounds how many sort keys FindOptions may specify.
const MaxSortFields = 8

// MaxLimit bounds how many documents a single Find may return.
const MaxLimit = 10000

// MaxProjectionFields bounds how many fields a projection may name.
const MaxProjectionFields = 64

// SortKey is one ascending/descending sort criterion.
type SortKey struct {
	Path       string
	Descending bool
}

// FindOptions tunes one Find call: sort keys, skip/limit, projected
// fields, and a soft timeout checked between filter/fetch iterations.
type FindOptions struct {
	Sort       []SortKey
	Skip       int
	Limit      int
	Projection []string
	TimeoutMs  int64
}

// Cursor iterates a materialized result set.
type Cursor struct {
	docs []*document.Document
	pos  int
}

// Next advances the cursor, returning false once exhausted.
func (c *Cursor) Next() (*document.Document, bool) {
	if c.pos >= len(c.docs) {
		return nil, false
	}
	d := c.docs[c.pos]
	c.pos++
	return d, true
}

// Len reports the total number of documents in the cursor.
func (c *Cursor) Len() int { return len(c.docs) }

// Report holds matched and modified counts for a bulk update or delete.
// No function in this module returns one.
type Report struct {
	Matched  int
	Modified int
}

// Planner evaluates filters against a Collection, consulting its
// IndexManager and OpLog index-delta overlay to build a candidate pool.
type Planner struct {
	coll *collection.Collection
	docs func() []*document.Document // full collection snapshot, for unindexed scans
}

// NewPlanner builds a Planner over coll. docsFn returns every live document
// currently in the collection's cache (the caller — api.DB — owns
// iteration order and cache access).
func NewPlanner(coll *collection.Collection, docsFn func() []*document.Document) *Planner {
	return &Planner{coll: coll, docs: docsFn}
}

// Find evaluates filter, applies sort/skip/limit/projection per opts, and
// returns a Cursor.
func (p *Planner) Find(ctx context.Context, filter types.Filter, opts FindOptions) (*Cursor, error) {
	if opts.Limit == 0 {
		return &Cursor{}, nil
	}

	candidates := p.candidatePool(filter)

	noSortNoProjection := len(opts.Sort) == 0 && len(opts.Projection) == 0
	deadline := deadlineFrom(opts.TimeoutMs)

	var matched []*document.Document
	for _, id := range candidates {
		if pastDeadline(deadline) {
			break
		}
		doc, ok := p.coll.Get(id)
		if !ok {
			continue
		}
		if !Evaluate(filter, doc) {
			continue
		}
		matched = append(matched, doc)
		if noSortNoProjection && opts.Limit > 0 && len(matched) >= opts.Skip+clampLimit(opts.Limit) {
			break
		}
	}

	if len(opts.Sort) > 0 {
		sortKeys := opts.Sort
		if len(sortKeys) > MaxSortFields {
			sortKeys = sortKeys[:MaxSortFields]
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return lessByKeys(matched[i], matched[j], sortKeys)
		})
	}

	matched = paginate(matched, opts.Skip, opts.Limit)

	if len(opts.Projection) > 0 {
		proj := opts.Projection
		if len(proj) > MaxProjectionFields {
			proj = proj[:MaxProjectionFields]
		}
		for i, d := range matched {
			matched[i] = project(d, proj)
		}
	}

	return &Cursor{docs: matched}, nil
}

// Count evaluates filter and returns the number of matching documents.
func (p *Planner) Count(filter types.Filter) int {
	candidates := p.candidatePool(filter)
	n := 0
	for _, id := range candidates {
		doc, ok := p.coll.Get(id)
		if !ok {
			continue
		}
		if Evaluate(filter, doc) {
			n++
		}
	}
	return n
}

// candidatePool consults the IndexManager for a top-level Cmp filter on an
// indexed field, merges the OpLog's index-delta overlay in log order, and
// falls back to a full collection scan otherwise.
func (p *Planner) candidatePool(filter types.Filter) []document.ID {
	if filter.Kind == types.FilterCmp {
		if ids, ok := p.planCmp(filter); ok {
			return ids
		}
	}
	var all []document.ID
	for _, d := range p.docs() {
		all = append(all, d.ID)
	}
	return all
}

func (p *Planner) planCmp(f types.Filter) ([]document.ID, bool) {
	key, ok := types.DeltaKeyFromValue(f.Value)
	if !ok {
		return nil, false
	}

	var base []document.ID
	var matched bool
	switch f.Op {
	case types.CmpEq:
		base, matched = p.coll.Indexes().LookupEq(f.Path, key)
	case types.CmpGt, types.CmpGte, types.CmpLt, types.CmpLte:
		min, max := boundsForOp(f.Op, key)
		base, matched = p.coll.Indexes().LookupRange(f.Path, min, max)
	default:
		return nil, false
	}
	if !matched {
		return nil, false
	}

	set := make(map[document.ID]struct{}, len(base))
	for _, id := range base {
		set[id] = struct{}{}
	}

	deltas, err := p.coll.OpLog().ReadIndexDeltas()
	if err == nil {
		for _, d := range deltas {
			if d.Collection != p.coll.Name || d.Field != f.Path {
				continue
			}
			if !deltaMatches(f, d.Key) {
				continue
			}
			switch d.Op {
			case types.DeltaAdd:
				set[d.ID] = struct{}{}
			case types.DeltaRemove:
				delete(set, d.ID)
			}
		}
	}

	out := make([]document.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, true
}

func deltaMatches(f types.Filter, key types.DeltaKey) bool {
	target, ok := types.DeltaKeyFromValue(f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case types.CmpEq:
		return key.Equal(target)
	case types.CmpGt:
		return key.String() > target.String()
	case types.CmpGte:
		return key.String() >= target.String()
	case types.CmpLt:
		return key.String() < target.String()
	case types.CmpLte:
		return key.String() <= target.String()
	}
	return false
}

func boundsForOp(op types.CmpOp, key types.DeltaKey) (min, max index.RangeBound) {
	switch op {
	case types.CmpGt:
		return index.RangeBound{Key: key, Inclusive: false}, index.RangeBound{Open: true}
	case types.CmpGte:
		return index.RangeBound{Key: key, Inclusive: true}, index.RangeBound{Open: true}
	case types.CmpLt:
		return index.RangeBound{Open: true}, index.RangeBound{Key: key, Inclusive: false}
	case types.CmpLte:
		return index.RangeBound{Open: true}, index.RangeBound{Key: key, Inclusive: true}
	}
	return index.RangeBound{Open: true}, index.RangeBound{Open: true}
}

func deadlineFrom(timeoutMs int64) time.Time {
	if timeoutMs <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// clampLimit caps limit at MaxLimit. limit == 0 means "no rows" (spec
// boundary behavior) and passes through unchanged; only a negative limit
// (no bound requested) or one past MaxLimit falls back to MaxLimit.
func clampLimit(limit int) int {
	if limit == 0 {
		return 0
	}
	if limit < 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func paginate(docs []*document.Document, skip, limit int) []*document.Document {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(docs) {
		return nil
	}
	docs = docs[skip:]
	l := clampLimit(limit)
	if l < len(docs) {
		docs = docs[:l]
	}
	return docs
}

func project(d *document.Document, fields []string) *document.Document {
	out := &document.Document{ID: d.ID, Metadata: d.Metadata}
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	for _, f := range d.Fields {
		if _, ok := want[f.Name]; ok {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}
