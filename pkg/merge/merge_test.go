package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chronos-db/chronos/pkg/types"
)

func TestDeepScalarReplace(t *testing.T) {
	target := types.Document{"theme": "light", "timeout": 30}
	patch := types.Document{"theme": "dark"}

	out := Deep(target, patch)
	assert.Equal(t, "dark", out["theme"])
	assert.Equal(t, 30, out["timeout"])

	// Inputs untouched.
	assert.Equal(t, "light", target["theme"])
}

func TestDeepNestedObjects(t *testing.T) {
	target := types.Document{"meta": map[string]interface{}{"score": 10}}
	patch := types.Document{"meta": map[string]interface{}{"level": 5}}

	out := Deep(target, patch)
	meta := out["meta"].(types.Document)
	assert.Equal(t, 10, meta["score"])
	assert.Equal(t, 5, meta["level"])
}

func TestArrayUnionFirstSeenOrder(t *testing.T) {
	target := types.Document{"tags": []interface{}{"u", "v"}}
	patch := types.Document{"tags": []interface{}{"v", "vip"}}

	out := Deep(target, patch)
	assert.Equal(t, []interface{}{"u", "v", "vip"}, out["tags"])
}

func TestArrayUnionObjectElements(t *testing.T) {
	a := []interface{}{map[string]interface{}{"id": 1, "n": "a"}}
	b := []interface{}{
		map[string]interface{}{"n": "a", "id": 1}, // same value, different key order
		map[string]interface{}{"id": 2},
	}
	out := Union(a, b)
	assert.Len(t, out, 2)
}

func TestTypeMismatchReplaces(t *testing.T) {
	target := types.Document{"v": []interface{}{"a"}}
	patch := types.Document{"v": map[string]interface{}{"k": 1}}

	out := Deep(target, patch)
	_, isMap := out["v"].(types.Document)
	assert.True(t, isMap)
}

func TestTieredMergeScenario(t *testing.T) {
	generic := types.Document{
		"theme":    "light",
		"features": []interface{}{"a"},
		"settings": map[string]interface{}{"timeout": 30},
	}
	domain := types.Document{
		"features": []interface{}{"b"},
		"settings": map[string]interface{}{"retries": 3},
	}
	tenant := types.Document{
		"theme":    "dark",
		"features": []interface{}{"c"},
		"settings": map[string]interface{}{"timeout": 60},
	}

	out := Deep(Deep(generic, domain), tenant)
	assert.Equal(t, "dark", out["theme"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, out["features"])
	settings := out["settings"].(types.Document)
	assert.Equal(t, 60, settings["timeout"])
	assert.Equal(t, 3, settings["retries"])
}

func TestMergeAssociativity(t *testing.T) {
	x := types.Document{"a": 1, "list": []interface{}{"x"}}
	p1 := types.Document{"b": 2, "list": []interface{}{"y"}}
	p2 := types.Document{"c": 3, "list": []interface{}{"z"}}

	sequential := Deep(Deep(x, p1), p2)
	combined := Deep(x, Deep(p1, p2))
	assert.Equal(t, sequential, combined)
}

func TestCanonicalEquality(t *testing.T) {
	assert.True(t, Equal(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 2, "a": 1},
	))
	assert.False(t, Equal(1, "1"))
}
