package query

import (
	"regexp"

	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

// Evaluate applies a Filter to doc, re-checked after an index-assisted
// candidate fetch to filter out stale hits (SPEC_FULL.md §4.11).
func Evaluate(f types.Filter, doc *document.Document) bool {
	switch f.Kind {
	case types.FilterTrue:
		return true
	case types.FilterAnd:
		for _, sub := range f.Sub {
			if !Evaluate(sub, doc) {
				return false
			}
		}
		return true
	case types.FilterOr:
		for _, sub := range f.Sub {
			if Evaluate(sub, doc) {
				return true
			}
		}
		return len(f.Sub) == 0
	case types.FilterNot:
		if len(f.Sub) == 0 {
			return true
		}
		return !Evaluate(f.Sub[0], doc)
	case types.FilterExists:
		_, ok := doc.GetPath(splitPath(f.Path))
		return ok == f.Exists
	case types.FilterIn:
		val, ok := doc.GetPath(splitPath(f.Path))
		if !ok {
			return false
		}
		for _, v := range f.Values {
			if valuesEqual(val, v) {
				return true
			}
		}
		return false
	case types.FilterNin:
		val, ok := doc.GetPath(splitPath(f.Path))
		if !ok {
			return true
		}
		for _, v := range f.Values {
			if valuesEqual(val, v) {
				return false
			}
		}
		return true
	case types.FilterCmp:
		val, ok := doc.GetPath(splitPath(f.Path))
		if !ok {
			return false
		}
		return compare(val, f.Op, f.Value)
	case types.FilterRegex:
		val, ok := doc.GetPath(splitPath(f.Path))
		if !ok {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern := f.Regex
		if f.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	ka, oka := types.DeltaKeyFromValue(a)
	kb, okb := types.DeltaKeyFromValue(b)
	if oka && okb {
		return ka.Equal(kb)
	}
	return a == b
}

// compare implements Cmp evaluation across numeric, string, and bool
// values via DeltaKeyFromValue (int32 is widened to int64). Ordering
// comparisons between values of other Go kinds (such as int) or of
// differing key kinds evaluate to false.
func compare(val interface{}, op types.CmpOp, target interface{}) bool {
	switch op {
	case types.CmpEq:
		return valuesEqual(val, target)
	}

	vk, ok1 := types.DeltaKeyFromValue(val)
	tk, ok2 := types.DeltaKeyFromValue(target)
	if !ok1 || !ok2 || vk.Kind != tk.Kind {
		return false
	}

	var cmp int
	switch vk.Kind {
	case types.DeltaKeyI64:
		cmp = cmp64(vk.I64, tk.I64)
	case types.DeltaKeyF64:
		cmp = cmpFloat(vk.F64, tk.F64)
	case types.DeltaKeyStr:
		cmp = cmpString(vk.Str, tk.Str)
	case types.DeltaKeyBool:
		cmp = cmpBool(vk.Bool, tk.Bool)
	}

	switch op {
	case types.CmpGt:
		return cmp > 0
	case types.CmpGte:
		return cmp >= 0
	case types.CmpLt:
		return cmp < 0
	case types.CmpLte:
		return cmp <= 0
	}
	return false
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func splitPath(field string) []string {
	var out []string
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '.' {
			out = append(out, field[start:i])
			start = i + 1
		}
	}
	out = append(out, field[start:])
	return out
}
