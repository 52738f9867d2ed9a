package externalize

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/keys"
	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/types"
)

// RefKey is the payload key of a reference descriptor that replaces an
// externalized property.
const RefKey = "ref"

// Ref is the reference descriptor written in place of an externalized
// property value.
type Ref struct {
	ContentBucket string `json:"contentBucket" bson:"contentBucket"`
	BlobKey       string `json:"blobKey" bson:"blobKey"`
	TextKey       string `json:"textKey,omitempty" bson:"textKey,omitempty"`
}

// Result is the outcome of externalizing one payload.
type Result struct {
	// Transformed is a copy of the payload with every configured base64
	// property replaced by a reference descriptor. The original payload is
	// never mutated.
	Transformed types.Document

	// MetaIndexed is the searchable projection extracted from the original
	// payload via the collection map's indexedProps.
	MetaIndexed types.Document

	// WrittenKeys lists every blob key written, for saga compensation.
	WrittenKeys []string
}

// Externalizer moves configured base64 properties into the content bucket
// and builds the indexed projection.
type Externalizer struct {
	store  blob.Store
	bucket string
}

// New builds an externalizer writing into the given content bucket.
func New(store blob.Store, contentBucket string) *Externalizer {
	return &Externalizer{store: store, bucket: contentBucket}
}

// Validate checks requiredIndexed before any blob is written.
func Validate(payload types.Document, m config.CollectionMap) error {
	for _, prop := range m.Validation.RequiredIndexed {
		vals := extractPath(payload, prop)
		if len(vals) == 0 {
			return types.E(types.KindValidation, "", "",
				fmt.Sprintf("required indexed property %q is missing", prop), nil)
		}
	}
	return nil
}

// Apply externalizes the payload for one version: decodes each configured
// base64 property, writes blob.bin (and text.txt when a text rendition is
// preferred), and replaces the property with a reference descriptor.
//
// On error the returned Result still carries WrittenKeys so the caller can
// compensate blobs written before the failure.
func (e *Externalizer) Apply(ctx context.Context, collection string, itemID string, ov int64, payload types.Document, m config.CollectionMap) (Result, error) {
	res := Result{
		Transformed: merge.Clone(payload),
		MetaIndexed: Project(payload, m.IndexedProps),
	}

	for prop, pc := range m.Base64Props {
		raw, ok := res.Transformed[prop]
		if !ok || raw == nil {
			continue
		}
		encoded, ok := raw.(string)
		if !ok {
			// Already a reference descriptor from a previous version.
			if _, isRef := asRef(raw); isRef {
				continue
			}
			return res, types.E(types.KindExternalization, "", collection,
				fmt.Sprintf("property %q is not a base64 string", prop), nil)
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return res, types.E(types.KindExternalization, "", collection,
				fmt.Sprintf("property %q is not valid base64", prop), err)
		}

		blobKey, err := keys.PropBlobKey(collection, prop, itemID, ov)
		if err != nil {
			return res, types.E(types.KindExternalization, "", collection, "bad blob key", err)
		}
		contentType := pc.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := e.store.PutRaw(ctx, e.bucket, blobKey, data, contentType); err != nil {
			return res, wrapBlobErr(collection, err)
		}
		res.WrittenKeys = append(res.WrittenKeys, blobKey)

		ref := Ref{ContentBucket: e.bucket, BlobKey: blobKey}
		if pc.PreferredText {
			textKey, err := keys.PropTextKey(collection, prop, itemID, ov)
			if err != nil {
				return res, types.E(types.KindExternalization, "", collection, "bad text key", err)
			}
			charset := pc.TextCharset
			if charset == "" {
				charset = "utf-8"
			}
			if _, err := e.store.PutRaw(ctx, e.bucket, textKey, data, "text/plain; charset="+charset); err != nil {
				return res, wrapBlobErr(collection, err)
			}
			res.WrittenKeys = append(res.WrittenKeys, textKey)
			ref.TextKey = textKey
		}

		res.Transformed[prop] = types.Document{RefKey: types.Document{
			"contentBucket": ref.ContentBucket,
			"blobKey":       ref.BlobKey,
			"textKey":       ref.TextKey,
		}}
		if ref.TextKey == "" {
			delete(res.Transformed[prop].(types.Document)[RefKey].(types.Document), "textKey")
		}
	}
	return res, nil
}

func wrapBlobErr(collection string, err error) error {
	kind := types.KindStorageTransient
	switch blob.KindOf(err) {
	case blob.FailPermanent, blob.FailPermissionDenied:
		kind = types.KindStoragePermanent
	case blob.FailIntegrity:
		kind = types.KindIntegrity
	case blob.FailNotFound:
		kind = types.KindNotFound
	}
	return types.E(kind, "", collection, "externalization blob write failed", err)
}

// asRef recognizes a reference descriptor value.
func asRef(v interface{}) (Ref, bool) {
	doc, ok := v.(types.Document)
	if !ok {
		if m, isMap := v.(map[string]interface{}); isMap {
			doc = m
		} else {
			return Ref{}, false
		}
	}
	inner, ok := doc[RefKey]
	if !ok {
		return Ref{}, false
	}
	rm, ok := inner.(types.Document)
	if !ok {
		if m, isMap := inner.(map[string]interface{}); isMap {
			rm = m
		} else {
			return Ref{}, false
		}
	}
	ref := Ref{}
	if s, ok := rm["contentBucket"].(string); ok {
		ref.ContentBucket = s
	}
	if s, ok := rm["blobKey"].(string); ok {
		ref.BlobKey = s
	}
	if s, ok := rm["textKey"].(string); ok {
		ref.TextKey = s
	}
	if ref.BlobKey == "" {
		return Ref{}, false
	}
	return ref, true
}

// RefOf recognizes a reference descriptor value, exported for readers that
// presign descriptor URLs.
func RefOf(v interface{}) (Ref, bool) { return asRef(v) }

// Project extracts the indexed projection from a payload. Dot-paths descend
// into nested objects; a trailing "[]" flattens an array of objects at that
// point.
func Project(payload types.Document, indexedProps []string) types.Document {
	out := types.Document{}
	for _, prop := range indexedProps {
		name := strings.TrimSuffix(prop, "[]")
		vals := extractPath(payload, prop)
		switch len(vals) {
		case 0:
		case 1:
			if strings.HasSuffix(prop, "[]") {
				out[pathField(name)] = vals
			} else {
				out[pathField(name)] = vals[0]
			}
		default:
			out[pathField(name)] = vals
		}
	}
	return out
}

// FieldName flattens an indexed prop path into its metaIndexed field name,
// exported so index creation and filter building agree with Project.
func FieldName(path string) string { return pathField(path) }

// pathField flattens a dot-path into the metaIndexed field name. Dots would
// be interpreted as nesting by the document store, so they become
// underscores; "[]" markers are dropped.
func pathField(path string) string {
	return strings.ReplaceAll(strings.ReplaceAll(path, "[]", ""), ".", "_")
}

// extractPath walks a dot-path, flattening through "[]" segments and
// terminal arrays.
func extractPath(v interface{}, path string) []interface{} {
	segs := strings.Split(path, ".")
	current := []interface{}{v}
	for _, seg := range segs {
		flatten := strings.HasSuffix(seg, "[]")
		name := strings.TrimSuffix(seg, "[]")
		var next []interface{}
		for _, c := range current {
			doc, ok := asDoc(c)
			if !ok {
				continue
			}
			val, ok := doc[name]
			if !ok || val == nil {
				continue
			}
			if flatten {
				if arr, isArr := val.([]interface{}); isArr {
					next = append(next, arr...)
				}
				continue
			}
			next = append(next, val)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	// A terminal array value flattens into its elements.
	var out []interface{}
	for _, c := range current {
		if arr, isArr := c.([]interface{}); isArr {
			out = append(out, arr...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func asDoc(v interface{}) (types.Document, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}
