package query

import (
	"github.com/waspdb/waspdb/document"
)

// typeRank orders field kinds so nulls sort first, booleans before
// integers, and strings after numerics — the stable cross-type ordering
// sort needs when a sort key is absent or differently typed across
// documents (SPEC_FULL.md §4.11).
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, int32, int:
		return 2
	case float64, float32:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// lessByKeys compares two documents across sortKeys in order, the first
// differing key deciding the result.
func lessByKeys(a, b *document.Document, keys []SortKey) bool {
	for _, k := range keys {
		av, _ := a.GetPath(splitPath(k.Path))
		bv, _ := b.GetPath(splitPath(k.Path))

		ra, rb := typeRank(av), typeRank(bv)
		if ra != rb {
			if k.Descending {
				return ra > rb
			}
			return ra < rb
		}

		cmp := compareSortValues(av, bv)
		if cmp == 0 {
			continue
		}
		if k.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareSortValues(a, b interface{}) int {
	ak, oka := toOrderableFloat(a)
	bk, okb := toOrderableFloat(b)
	if oka && okb {
		switch {
		case ak < bk:
			return -1
		case ak > bk:
			return 1
		default:
			return 0
		}
	}
	as, oka2 := a.(string)
	bs, okb2 := b.(string)
	if oka2 && okb2 {
		return cmpString(as, bs)
	}
	return 0
}

func toOrderableFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case int:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
