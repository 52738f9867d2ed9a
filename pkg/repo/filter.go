package repo

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chronos-db/chronos/pkg/types"
)

// safeOps is the operator subset callers may use in metadata filters.
var safeOps = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$in": {}, "$nin": {}, "$exists": {},
	"$gt": {}, "$gte": {}, "$lt": {}, "$lte": {}, "$regex": {},
}

// topLevelFields are queryable outside metaIndexed.
var topLevelFields = map[string]struct{}{
	"updatedAt": {}, "createdAt": {}, "deletedAt": {}, "ov": {}, "cv": {},
}

// BuildMetaFilter translates a caller-supplied filter into a document-store
// filter scoped to metaIndexed.*. Values are either scalars (equality) or
// maps restricted to the safe operator subset; anything else is a
// Validation failure.
func BuildMetaFilter(filter map[string]interface{}) (bson.M, error) {
	out := bson.M{}
	for field, cond := range filter {
		if strings.HasPrefix(field, "$") {
			return nil, types.E(types.KindValidation, "", "",
				fmt.Sprintf("top-level operator %q is not allowed", field), nil)
		}
		target := "metaIndexed." + field
		if _, ok := topLevelFields[field]; ok {
			target = field
		}
		ops, isMap := cond.(map[string]interface{})
		if !isMap {
			out[target] = cond
			continue
		}
		translated := bson.M{}
		for op, val := range ops {
			if _, ok := safeOps[op]; !ok {
				return nil, types.E(types.KindValidation, "", "",
					fmt.Sprintf("operator %q is not in the safe subset", op), nil)
			}
			translated[op] = val
		}
		out[target] = translated
	}
	return out, nil
}
