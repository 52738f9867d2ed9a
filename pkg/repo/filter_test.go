package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/chronos-db/chronos/pkg/types"
)

func TestBuildMetaFilterScalars(t *testing.T) {
	f, err := BuildMetaFilter(map[string]interface{}{"email": "a@x"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"metaIndexed.email": "a@x"}, f)
}

func TestBuildMetaFilterOperators(t *testing.T) {
	f, err := BuildMetaFilter(map[string]interface{}{
		"score": map[string]interface{}{"$gte": 10, "$lt": 100},
		"tags":  map[string]interface{}{"$in": []interface{}{"u", "v"}},
	})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$gte": 10, "$lt": 100}, f["metaIndexed.score"])
	assert.Contains(t, f, "metaIndexed.tags")
}

func TestBuildMetaFilterTopLevelFields(t *testing.T) {
	f, err := BuildMetaFilter(map[string]interface{}{
		"updatedAt": map[string]interface{}{"$gte": "2026-01-01"},
	})
	require.NoError(t, err)
	assert.Contains(t, f, "updatedAt")
}

func TestBuildMetaFilterRejectsUnsafe(t *testing.T) {
	_, err := BuildMetaFilter(map[string]interface{}{
		"email": map[string]interface{}{"$where": "this.x"},
	})
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = BuildMetaFilter(map[string]interface{}{"$or": []interface{}{}})
	require.Error(t, err)
}
