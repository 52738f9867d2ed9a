package engine

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/externalize"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/router"
	"github.com/chronos-db/chronos/pkg/types"
)

// ReadOptions tunes a single-item read. OV and At are mutually exclusive.
type ReadOptions struct {
	OV             *int64
	At             *time.Time
	IncludeDeleted bool
	IncludeMeta    bool
	Projection     []string

	// Presign replaces every reference descriptor in the payload with a
	// presigned read URL valid for TTLSeconds.
	Presign    bool
	TTLSeconds int64
}

// ListOptions tunes a metadata listing.
type ListOptions struct {
	Filter         map[string]interface{}
	Sort           []repo.SortField
	AfterID        *primitive.ObjectID
	Limit          int64
	IncludeDeleted bool
	IncludeMeta    bool

	// At walks the version history instead of the heads: each item is
	// reported at its newest version committed at or before the instant.
	At *time.Time
}

// GetItem reads one item. Default is the latest version with tombstoned
// items hidden; a nil view and nil error means not found.
func (e *Engine) GetItem(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, opts ReadOptions) (*types.ItemView, error) {
	if opts.OV != nil && opts.At != nil {
		return nil, types.E(types.KindValidation, "", rc.Collection, "ov and at are mutually exclusive", nil)
	}
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return nil, err
	}

	head, err := rt.Repo.GetHead(ctx, rc.Collection, id)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	// Historical reads resolve a version record; latest reads use the head.
	var (
		payload types.Document
		meta    types.ItemMeta
	)
	switch {
	case opts.OV != nil:
		ver, err := rt.Repo.GetVersion(ctx, rc.Collection, id, *opts.OV)
		if err != nil {
			return nil, err
		}
		if ver == nil {
			return nil, nil
		}
		if ver.Op == types.OpDelete && !opts.IncludeDeleted {
			return nil, nil
		}
		payload, err = e.readSnapshot(ctx, rt, ver.Pointer(), ver.Checksum)
		if err != nil {
			return nil, err
		}
		meta = types.ItemMeta{OV: ver.OV, CV: ver.CV, At: ver.At, MetaIndexed: ver.MetaIndexed}
	case opts.At != nil:
		ver, err := rt.Repo.LatestVersionAt(ctx, rc.Collection, id, *opts.At)
		if err != nil {
			return nil, err
		}
		if ver == nil {
			return nil, nil
		}
		if ver.Op == types.OpDelete && !opts.IncludeDeleted {
			return nil, nil
		}
		payload, err = e.readSnapshot(ctx, rt, ver.Pointer(), ver.Checksum)
		if err != nil {
			return nil, err
		}
		meta = types.ItemMeta{OV: ver.OV, CV: ver.CV, At: ver.At, MetaIndexed: ver.MetaIndexed}
	default:
		if head.IsDeleted() && !opts.IncludeDeleted {
			return nil, nil
		}
		payload, err = e.currentPayload(ctx, rt, head)
		if err != nil {
			return nil, err
		}
		meta = types.ItemMeta{
			OV: head.OV, CV: head.CV, At: head.UpdatedAt,
			MetaIndexed: head.MetaIndexed, DeletedAt: head.DeletedAt,
		}
	}

	payload = applyProjection(payload, opts.Projection)
	if opts.Presign {
		if err := e.presignRefs(ctx, rt, payload, opts.TTLSeconds); err != nil {
			return nil, err
		}
	}

	view := &types.ItemView{ID: id, Item: payload}
	if opts.IncludeMeta {
		view.Meta = &meta
	}
	return view, nil
}

// ListByMeta lists items by safe metadata filter. With At set the listing
// reports each item at its newest version committed at or before the
// instant; otherwise it walks the heads.
func (e *Engine) ListByMeta(ctx context.Context, rc types.RouteContext, opts ListOptions) ([]*types.ItemView, error) {
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return nil, err
	}
	q := repo.HeadQuery{
		Filter:         opts.Filter,
		Sort:           opts.Sort,
		AfterID:        opts.AfterID,
		Limit:          opts.Limit,
		IncludeDeleted: opts.IncludeDeleted,
	}

	if opts.At != nil {
		vers, err := rt.Repo.ListVersionSnapshotsAt(ctx, rc.Collection, *opts.At, q)
		if err != nil {
			return nil, err
		}
		out := make([]*types.ItemView, 0, len(vers))
		for _, ver := range vers {
			view := &types.ItemView{ID: ver.ItemID, Item: ver.MetaIndexed}
			if opts.IncludeMeta {
				view.Meta = &types.ItemMeta{OV: ver.OV, CV: ver.CV, At: ver.At, MetaIndexed: ver.MetaIndexed}
			}
			out = append(out, view)
		}
		return out, nil
	}

	heads, err := rt.Repo.ListHeads(ctx, rc.Collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ItemView, 0, len(heads))
	for _, head := range heads {
		view := &types.ItemView{ID: head.ID, Item: head.MetaIndexed}
		if opts.IncludeMeta {
			view.Meta = &types.ItemMeta{
				OV: head.OV, CV: head.CV, At: head.UpdatedAt,
				MetaIndexed: head.MetaIndexed, DeletedAt: head.DeletedAt,
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// applyProjection keeps only the whitelisted top-level fields. The _system
// envelope survives projection; callers asked for fields of their payload,
// not a different record.
func applyProjection(payload types.Document, fields []string) types.Document {
	if len(fields) == 0 {
		return payload
	}
	out := types.Document{}
	for _, f := range fields {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	if sys, ok := payload[types.SystemKey]; ok {
		out[types.SystemKey] = sys
	}
	return out
}

// presignRefs walks the payload and replaces every reference descriptor
// with presigned read URLs.
func (e *Engine) presignRefs(ctx context.Context, rt *router.Route, v interface{}, ttlSeconds int64) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	doc, ok := asDoc(v)
	if !ok {
		if arr, isArr := v.([]interface{}); isArr {
			for _, elem := range arr {
				if err := e.presignRefs(ctx, rt, elem, ttlSeconds); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for key, val := range doc {
		if ref, isRef := externalize.RefOf(val); isRef {
			blobURL, err := rt.Blob.PresignGet(ctx, ref.ContentBucket, ref.BlobKey, ttl)
			if err != nil {
				return wrapBlobError(rt.Collection, err)
			}
			signed := types.Document{"blobUrl": blobURL, "expiresIn": int64(ttl.Seconds())}
			if ref.TextKey != "" {
				textURL, err := rt.Blob.PresignGet(ctx, ref.ContentBucket, ref.TextKey, ttl)
				if err != nil {
					return wrapBlobError(rt.Collection, err)
				}
				signed["textUrl"] = textURL
			}
			doc[key] = signed
			continue
		}
		if err := e.presignRefs(ctx, rt, val, ttlSeconds); err != nil {
			return err
		}
	}
	return nil
}
