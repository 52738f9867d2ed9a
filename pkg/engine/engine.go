package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/externalize"
	"github.com/chronos-db/chronos/pkg/keys"
	"github.com/chronos-db/chronos/pkg/lock"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/router"
	"github.com/chronos-db/chronos/pkg/types"
)

// FallbackSink receives fallback operations for durable retry. Implemented
// by the fallback queue; nil disables enqueue.
type FallbackSink interface {
	Enqueue(ctx context.Context, op *types.FallbackOp) error
}

// Engine drives the CRUD, enrich, restore and read state machines over the
// router-resolved backends.
type Engine struct {
	router   *router.Router
	cfg      *config.Config
	serverID string
	broker   *events.Broker
	sink     FallbackSink
	lockTTL  time.Duration

	mu      sync.Mutex
	touched map[string]struct{} // collections seen, for the lock reaper
}

// New builds an engine. broker and sink may be nil.
func New(rt *router.Router, cfg *config.Config, serverID string, broker *events.Broker, sink FallbackSink) *Engine {
	return &Engine{
		router:   rt,
		cfg:      cfg,
		serverID: serverID,
		broker:   broker,
		sink:     sink,
		lockTTL:  lock.DefaultTTL,
		touched:  make(map[string]struct{}),
	}
}

// SetLockTTL overrides the transaction lock TTL.
func (e *Engine) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		e.lockTTL = ttl
	}
}

// Collections lists every logical collection this engine has touched.
// Consulted by the lock reaper on each sweep.
func (e *Engine) Collections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.touched))
	for c := range e.touched {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// route resolves backends and ensures the collection's indexes.
func (e *Engine) route(ctx context.Context, rc types.RouteContext, itemID string) (*router.Route, error) {
	rt, err := e.router.Resolve(ctx, rc, itemID)
	if err != nil {
		return nil, err
	}
	m := e.cfg.Map(rc.Collection)
	indexed := make([]string, 0, len(m.IndexedProps))
	for _, p := range m.IndexedProps {
		indexed = append(indexed, metaField(p))
	}
	if err := rt.Repo.EnsureIndexes(ctx, rc.Collection, indexed); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.touched[rc.Collection] = struct{}{}
	e.mu.Unlock()
	return rt, nil
}

func metaField(prop string) string {
	return externalize.FieldName(prop)
}

func (e *Engine) locker(rt *router.Route) *lock.Manager {
	return lock.NewManager(rt.Repo, e.serverID, e.lockTTL)
}

// buildSystem assembles the _system envelope for a CREATE.
func buildSystem(now time.Time, lin *types.Lineage) types.SystemEnvelope {
	sys := types.SystemEnvelope{
		InsertedAt: now,
		UpdatedAt:  now,
		State:      types.StateNewNotSynched,
	}
	if lin != nil {
		sys.ParentID = lin.ParentID
		sys.ParentCollection = lin.ParentCollection
		sys.OriginID = lin.OriginID
		sys.OriginCollection = lin.OriginCollection
		// Origin defaults to the parent edge when not explicit.
		if sys.OriginID == "" {
			sys.OriginID = lin.ParentID
		}
		if sys.OriginCollection == "" {
			sys.OriginCollection = lin.ParentCollection
		}
		if lin.OriginSystem != "" {
			sys.OriginCollection = "system:" + lin.OriginSystem
		}
	}
	return sys
}

// sysToDoc renders the envelope as a payload value. Times are RFC3339Nano
// strings so the snapshot JSON is stable across backends.
func sysToDoc(sys types.SystemEnvelope) types.Document {
	doc := types.Document{
		"insertedAt": sys.InsertedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":  sys.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if sys.DeletedAt != nil {
		doc["deletedAt"] = sys.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	if sys.Deleted {
		doc["deleted"] = true
	}
	if len(sys.FunctionIDs) > 0 {
		ids := make([]interface{}, len(sys.FunctionIDs))
		for i, id := range sys.FunctionIDs {
			ids[i] = id
		}
		doc["functionIds"] = ids
	}
	if sys.ParentID != "" {
		doc["parentId"] = sys.ParentID
	}
	if sys.ParentCollection != "" {
		doc["parentCollection"] = sys.ParentCollection
	}
	if sys.OriginID != "" {
		doc["originId"] = sys.OriginID
	}
	if sys.OriginCollection != "" {
		doc["originCollection"] = sys.OriginCollection
	}
	if sys.State != "" {
		doc["state"] = sys.State
	}
	return doc
}

// sysFromDoc parses the envelope out of a stored payload.
func sysFromDoc(payload types.Document) types.SystemEnvelope {
	var sys types.SystemEnvelope
	raw, ok := payload[types.SystemKey]
	if !ok {
		return sys
	}
	doc, ok := asDoc(raw)
	if !ok {
		return sys
	}
	if s, ok := doc["insertedAt"].(string); ok {
		sys.InsertedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := doc["updatedAt"].(string); ok {
		sys.UpdatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := doc["deletedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			sys.DeletedAt = &t
		}
	}
	if b, ok := doc["deleted"].(bool); ok {
		sys.Deleted = b
	}
	if arr, ok := doc["functionIds"].([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				sys.FunctionIDs = append(sys.FunctionIDs, s)
			}
		}
	}
	if s, ok := doc["parentId"].(string); ok {
		sys.ParentID = s
	}
	if s, ok := doc["parentCollection"].(string); ok {
		sys.ParentCollection = s
	}
	if s, ok := doc["originId"].(string); ok {
		sys.OriginID = s
	}
	if s, ok := doc["originCollection"].(string); ok {
		sys.OriginCollection = s
	}
	if s, ok := doc["state"].(string); ok {
		sys.State = s
	}
	return sys
}

func asDoc(v interface{}) (types.Document, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// writeSnapshot serializes the payload (with envelope) and writes item.json
// into the versions bucket.
func (e *Engine) writeSnapshot(ctx context.Context, rt *router.Route, itemID primitive.ObjectID, ov int64, payload types.Document) (string, blob.PutResult, error) {
	key, err := keys.ItemKey(rt.Collection, itemID.Hex(), ov)
	if err != nil {
		return "", blob.PutResult{}, types.E(types.KindValidation, "", rt.Collection, "bad snapshot key", err)
	}
	res, err := rt.Blob.PutJSON(ctx, rt.Buckets.Versions, key, payload)
	if err != nil {
		return key, blob.PutResult{}, wrapBlobError(rt.Collection, err)
	}
	if res.Size != nil {
		metrics.BlobBytesWritten.WithLabelValues("snapshot").Add(float64(*res.Size))
	}
	return key, res, nil
}

// readSnapshot fetches and verifies a snapshot payload.
func (e *Engine) readSnapshot(ctx context.Context, rt *router.Route, ptr types.BlobPointer, checksum string) (types.Document, error) {
	raw, err := rt.Blob.GetRaw(ctx, ptr.Bucket, ptr.Key)
	if err != nil {
		return nil, wrapBlobError(rt.Collection, err)
	}
	if err := blob.VerifyChecksum(ptr.Bucket, ptr.Key, raw, checksum); err != nil {
		return nil, types.E(types.KindIntegrity, "", rt.Collection, "snapshot checksum mismatch", err)
	}
	var payload types.Document
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, types.E(types.KindIntegrity, "", rt.Collection, "snapshot is not valid JSON", err)
	}
	return payload, nil
}

// currentPayload loads the payload the head points at, preferring the
// embedded shadow.
func (e *Engine) currentPayload(ctx context.Context, rt *router.Route, head *types.HeadRecord) (types.Document, error) {
	if head.FullShadow != nil {
		if head.ShadowExpiresAt == nil || head.ShadowExpiresAt.After(time.Now()) {
			return merge.Clone(head.FullShadow), nil
		}
	}
	return e.readSnapshot(ctx, rt, head.Pointer(), head.Checksum)
}

// shadowFor returns the dev-shadow copy for a head record, or nil when the
// shadow is disabled or the payload exceeds the size cap.
func (e *Engine) shadowFor(payload types.Document) (types.Document, *time.Time) {
	ds := e.cfg.DevShadow
	if !ds.Enabled {
		return nil, nil
	}
	if ds.MaxBytesPerDoc > 0 {
		raw, err := json.Marshal(payload)
		if err != nil || int64(len(raw)) > ds.MaxBytesPerDoc {
			return nil, nil
		}
	}
	var expires *time.Time
	if ds.TTLHours > 0 {
		t := time.Now().UTC().Add(time.Duration(ds.TTLHours) * time.Hour)
		expires = &t
	}
	return merge.Clone(payload), expires
}

// compensate best-effort deletes blobs written during a failed mutation.
// Failures are logged, never returned: they must not mask the original
// error. A failed delete schedules an orphan sweep instead.
func (e *Engine) compensate(rt *router.Route, itemID primitive.ObjectID, headOV int64, snapshotKey string, extKeys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	metrics.CompensationsTotal.Inc()

	failed := false
	if snapshotKey != "" {
		if err := rt.Blob.Delete(ctx, rt.Buckets.Versions, snapshotKey); err != nil {
			failed = true
			log.Component("engine").Warn().Err(err).Str("key", snapshotKey).
				Msg("compensation delete failed")
		}
	}
	for _, k := range extKeys {
		if err := rt.Blob.Delete(ctx, rt.Buckets.Content, k); err != nil {
			failed = true
			log.Component("engine").Warn().Err(err).Str("key", k).
				Msg("compensation delete failed")
		}
	}
	if failed {
		go e.orphanSweep(rt, itemID, headOV)
	}
}

// orphanSweep removes versioned keys above the committed head version.
// Runs after a compensation failure left blobs behind.
func (e *Engine) orphanSweep(rt *router.Route, itemID primitive.ObjectID, headOV int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	prefix, err := keys.ItemPrefix(rt.Collection, itemID.Hex())
	if err != nil {
		return
	}
	token := ""
	for {
		page, err := rt.Blob.List(ctx, rt.Buckets.Versions, prefix, blob.ListOptions{MaxKeys: 500, ContinuationToken: token})
		if err != nil {
			log.Component("engine").Warn().Err(err).Msg("orphan sweep list failed")
			return
		}
		for _, entry := range page.Entries {
			parts, err := keys.ParseItemKey(entry.Key)
			if err != nil || parts.OV <= headOV {
				continue
			}
			if err := rt.Blob.Delete(ctx, rt.Buckets.Versions, entry.Key); err != nil {
				log.Component("engine").Warn().Err(err).Str("key", entry.Key).
					Msg("orphan delete failed")
			}
		}
		if !page.Truncated {
			return
		}
		token = page.NextToken
	}
}

// maybeEnqueue persists a fallback operation when the failure is transient
// and fallback is enabled.
func (e *Engine) maybeEnqueue(ctx context.Context, op *types.FallbackOp, cause error) bool {
	if e.sink == nil || !e.cfg.Fallback.Enabled || e.cfg.Fallback.Attempts() == 0 {
		return false
	}
	if !types.Retryable(cause) {
		return false
	}
	now := time.Now().UTC()
	op.Attempts = 0
	op.FirstAttemptAt = now
	op.NextAttemptAt = now.Add(e.cfg.Fallback.BaseDelay())
	op.LastError = cause.Error()
	if err := e.sink.Enqueue(ctx, op); err != nil {
		log.Component("engine").Error().Err(err).Msg("failed to enqueue fallback op")
		return false
	}
	e.publish(&events.Event{
		Type:       events.EventFallbackEnqueued,
		Collection: op.Route.Collection,
	})
	return true
}

func (e *Engine) publish(ev *events.Event) {
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

// wrapBlobError folds a blob failure into the operation taxonomy.
func wrapBlobError(collection string, err error) error {
	if types.KindOf(err) != "" {
		return err
	}
	kind := types.KindStorageTransient
	switch blob.KindOf(err) {
	case blob.FailPermanent, blob.FailPermissionDenied:
		kind = types.KindStoragePermanent
	case blob.FailIntegrity:
		kind = types.KindIntegrity
	case blob.FailNotFound:
		kind = types.KindNotFound
	}
	return types.E(kind, "", collection, "blob operation failed", err)
}
