package merge

import (
	"encoding/json"

	"github.com/chronos-db/chronos/pkg/types"
)

// Deep merges patch into target and returns the result. Neither input is
// mutated. Rules:
//
//   - object + object: recurse per key
//   - array + array: union preserving first-seen order, elements compared
//     by JSON-canonical value equality
//   - anything else: patch value replaces target value
func Deep(target, patch types.Document) types.Document {
	out := make(types.Document, len(target)+len(patch))
	for k, v := range target {
		out[k] = cloneValue(v)
	}
	for k, pv := range patch {
		tv, ok := out[k]
		if !ok {
			out[k] = cloneValue(pv)
			continue
		}
		out[k] = mergeValue(tv, pv)
	}
	return out
}

func mergeValue(tv, pv interface{}) interface{} {
	tm, tIsMap := asDocument(tv)
	pm, pIsMap := asDocument(pv)
	if tIsMap && pIsMap {
		return Deep(tm, pm)
	}
	ta, tIsArr := tv.([]interface{})
	pa, pIsArr := pv.([]interface{})
	if tIsArr && pIsArr {
		return Union(ta, pa)
	}
	return cloneValue(pv)
}

// Union returns the order-preserving union of two arrays. The first-seen
// occurrence of each value wins; equality is JSON-canonical.
func Union(a, b []interface{}) []interface{} {
	out := make([]interface{}, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, src := range [][]interface{}{a, b} {
		for _, v := range src {
			key := CanonicalString(v)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, cloneValue(v))
		}
	}
	return out
}

// Equal reports JSON-canonical value equality.
func Equal(a, b interface{}) bool {
	return CanonicalString(a) == CanonicalString(b)
}

// CanonicalString renders a value in a canonical form usable as a set key.
// encoding/json sorts map keys, which is exactly the canonicalization the
// union needs; marshal failures degrade to an unmatchable key.
func CanonicalString(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "\x00unmarshalable"
	}
	return string(raw)
}

// asDocument matches the map shape payloads appear in; types.Document is an
// alias for it, so one case covers both.
func asDocument(v interface{}) (types.Document, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneDoc(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneDoc(d types.Document) types.Document {
	out := make(types.Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of a document.
func Clone(d types.Document) types.Document {
	if d == nil {
		return nil
	}
	return cloneDoc(d)
}
