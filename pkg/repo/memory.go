package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/types"
)

// MemStore is an in-memory Store implementation with the same observable
// semantics as the Mongo store: unique lock inserts, CAS head updates,
// atomic counter increments. Single-process only; tests and embedded use.
type MemStore struct {
	mu sync.Mutex

	heads    map[string]map[primitive.ObjectID]*types.HeadRecord
	versions map[string][]*types.VersionRecord
	counters map[string]int64
	locks    map[string]map[primitive.ObjectID]*types.TransactionLock

	fallbacks   map[primitive.ObjectID]*types.FallbackOp
	deadLetters map[primitive.ObjectID]*types.FallbackOp

	ensured map[string][]string

	// FailHeadCommits makes the next N head insert/update calls fail with
	// a DocCommit error, for exercising compensation in tests.
	FailHeadCommits int
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemStore {
	return &MemStore{
		heads:       make(map[string]map[primitive.ObjectID]*types.HeadRecord),
		versions:    make(map[string][]*types.VersionRecord),
		counters:    make(map[string]int64),
		locks:       make(map[string]map[primitive.ObjectID]*types.TransactionLock),
		fallbacks:   make(map[primitive.ObjectID]*types.FallbackOp),
		deadLetters: make(map[primitive.ObjectID]*types.FallbackOp),
		ensured:     make(map[string][]string),
	}
}

func (s *MemStore) EnsureIndexes(ctx context.Context, collection string, indexedProps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[collection] = append([]string(nil), indexedProps...)
	if s.heads[collection] == nil {
		s.heads[collection] = make(map[primitive.ObjectID]*types.HeadRecord)
		s.locks[collection] = make(map[primitive.ObjectID]*types.TransactionLock)
	}
	return nil
}

func (s *MemStore) ensure(collection string) {
	if s.heads[collection] == nil {
		s.heads[collection] = make(map[primitive.ObjectID]*types.HeadRecord)
		s.locks[collection] = make(map[primitive.ObjectID]*types.TransactionLock)
	}
}

func cloneHead(h *types.HeadRecord) *types.HeadRecord {
	cp := *h
	cp.MetaIndexed = merge.Clone(h.MetaIndexed)
	cp.FullShadow = merge.Clone(h.FullShadow)
	return &cp
}

func cloneVer(v *types.VersionRecord) *types.VersionRecord {
	cp := *v
	cp.MetaIndexed = merge.Clone(v.MetaIndexed)
	return &cp
}

func cloneOp(op *types.FallbackOp) *types.FallbackOp {
	cp := *op
	cp.Payload = merge.Clone(op.Payload)
	cp.Patch = merge.Clone(op.Patch)
	cp.History = append([]types.FallbackAttempt(nil), op.History...)
	return &cp
}

func (s *MemStore) GetHead(ctx context.Context, collection string, id primitive.ObjectID) (*types.HeadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	h, ok := s.heads[collection][id]
	if !ok {
		return nil, nil
	}
	return cloneHead(h), nil
}

func (s *MemStore) InsertHead(ctx context.Context, collection string, head *types.HeadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	if s.FailHeadCommits > 0 {
		s.FailHeadCommits--
		return types.E(types.KindDocCommit, "", collection, "injected head commit failure", nil)
	}
	if _, exists := s.heads[collection][head.ID]; exists {
		return types.E(types.KindOptimisticLock, "", collection, "head already exists", nil)
	}
	s.heads[collection][head.ID] = cloneHead(head)
	return nil
}

func (s *MemStore) UpdateHead(ctx context.Context, collection string, head *types.HeadRecord, expectedOV int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	if s.FailHeadCommits > 0 {
		s.FailHeadCommits--
		return false, types.E(types.KindDocCommit, "", collection, "injected head commit failure", nil)
	}
	cur, ok := s.heads[collection][head.ID]
	if !ok || cur.OV != expectedOV {
		return false, nil
	}
	s.heads[collection][head.ID] = cloneHead(head)
	return true, nil
}

func (s *MemStore) DeleteHead(ctx context.Context, collection string, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	delete(s.heads[collection], id)
	return nil
}

func (s *MemStore) ListHeads(ctx context.Context, collection string, q HeadQuery) ([]*types.HeadRecord, error) {
	if _, err := BuildMetaFilter(q.Filter); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)

	var out []*types.HeadRecord
	for _, h := range s.heads[collection] {
		if !q.IncludeDeleted && h.DeletedAt != nil {
			continue
		}
		if q.AfterID != nil && h.ID.Hex() <= q.AfterID.Hex() {
			continue
		}
		if !matchesFilter(h, q.Filter) {
			continue
		}
		out = append(out, cloneHead(h))
	}
	sort.Slice(out, func(i, j int) bool {
		for _, sf := range q.Sort {
			a, b := fieldValue(out[i], sf.Field), fieldValue(out[j], sf.Field)
			ka, kb := merge.CanonicalString(a), merge.CanonicalString(b)
			if ka == kb {
				continue
			}
			if sf.Desc {
				return ka > kb
			}
			return ka < kb
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func fieldValue(h *types.HeadRecord, field string) interface{} {
	switch field {
	case "updatedAt":
		return h.UpdatedAt.UnixNano()
	case "createdAt":
		return h.CreatedAt.UnixNano()
	case "ov":
		return h.OV
	case "cv":
		return h.CV
	default:
		return h.MetaIndexed[field]
	}
}

// matchesFilter implements the safe operator subset over in-memory heads.
func matchesFilter(h *types.HeadRecord, filter map[string]interface{}) bool {
	for field, cond := range filter {
		val := fieldValue(h, field)
		ops, isMap := cond.(map[string]interface{})
		if !isMap {
			if !matchEq(val, cond) {
				return false
			}
			continue
		}
		for op, want := range ops {
			if !matchOp(val, op, want) {
				return false
			}
		}
	}
	return true
}

func matchEq(val, want interface{}) bool {
	if arr, ok := val.([]interface{}); ok {
		for _, e := range arr {
			if merge.Equal(e, want) {
				return true
			}
		}
		return false
	}
	return merge.Equal(val, want)
}

func matchOp(val interface{}, op string, want interface{}) bool {
	switch op {
	case "$eq":
		return matchEq(val, want)
	case "$ne":
		return !matchEq(val, want)
	case "$exists":
		b, _ := want.(bool)
		return (val != nil) == b
	case "$in":
		arr, ok := want.([]interface{})
		if !ok {
			return false
		}
		for _, e := range arr {
			if matchEq(val, e) {
				return true
			}
		}
		return false
	case "$nin":
		return !matchOp(val, "$in", want)
	case "$gt", "$gte", "$lt", "$lte":
		a, aok := toFloat(val)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false
		}
		switch op {
		case "$gt":
			return a > b
		case "$gte":
			return a >= b
		case "$lt":
			return a < b
		default:
			return a <= b
		}
	case "$regex":
		sv, ok1 := val.(string)
		pat, ok2 := want.(string)
		return ok1 && ok2 && strings.Contains(sv, strings.Trim(pat, "^$"))
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (s *MemStore) InsertVersion(ctx context.Context, collection string, ver *types.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ver.ID.IsZero() {
		ver.ID = primitive.NewObjectID()
	}
	for _, v := range s.versions[collection] {
		if v.ItemID == ver.ItemID && v.OV == ver.OV {
			return types.E(types.KindOptimisticLock, "", collection, "version already exists", nil)
		}
	}
	s.versions[collection] = append(s.versions[collection], cloneVer(ver))
	return nil
}

func (s *MemStore) GetVersion(ctx context.Context, collection string, id primitive.ObjectID, ov int64) (*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[collection] {
		if v.ItemID == id && v.OV == ov {
			return cloneVer(v), nil
		}
	}
	return nil, nil
}

func (s *MemStore) LatestVersionAt(ctx context.Context, collection string, id primitive.ObjectID, t time.Time) (*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.VersionRecord
	for _, v := range s.versions[collection] {
		if v.ItemID != id || v.At.After(t) {
			continue
		}
		if best == nil || v.At.After(best.At) || (v.At.Equal(best.At) && v.OV > best.OV) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneVer(best), nil
}

func (s *MemStore) LatestVersionAtCV(ctx context.Context, collection string, id primitive.ObjectID, targetCV int64) (*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.VersionRecord
	for _, v := range s.versions[collection] {
		if v.ItemID != id || v.CV > targetCV {
			continue
		}
		if best == nil || v.CV > best.CV || (v.CV == best.CV && v.OV > best.OV) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneVer(best), nil
}

func (s *MemStore) ListVersions(ctx context.Context, collection string, id primitive.ObjectID, limit int64) ([]*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.VersionRecord
	for _, v := range s.versions[collection] {
		if v.ItemID == id {
			out = append(out, cloneVer(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OV > out[j].OV })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListVersionsByCV(ctx context.Context, collection string, fromCV, toCV int64, limit int64) ([]*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.VersionRecord
	for _, v := range s.versions[collection] {
		if v.CV >= fromCV && v.CV <= toCV {
			out = append(out, cloneVer(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CV < out[j].CV })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MaxCVAt(ctx context.Context, collection string, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := int64(-1)
	for _, v := range s.versions[collection] {
		if !v.At.After(t) && v.CV > max {
			max = v.CV
		}
	}
	return max, nil
}

func (s *MemStore) ListVersionSnapshotsAt(ctx context.Context, collection string, t time.Time, q HeadQuery) ([]*types.VersionRecord, error) {
	if _, err := BuildMetaFilter(q.Filter); err != nil {
		return nil, err
	}
	s.mu.Lock()
	latest := make(map[primitive.ObjectID]*types.VersionRecord)
	for _, v := range s.versions[collection] {
		if v.At.After(t) {
			continue
		}
		cur, ok := latest[v.ItemID]
		if !ok || v.OV > cur.OV {
			latest[v.ItemID] = v
		}
	}
	s.mu.Unlock()

	var out []*types.VersionRecord
	for _, v := range latest {
		if !q.IncludeDeleted && v.Op == types.OpDelete {
			continue
		}
		if q.AfterID != nil && v.ItemID.Hex() <= q.AfterID.Hex() {
			continue
		}
		if !matchesVersionFilter(v, q.Filter) {
			continue
		}
		out = append(out, cloneVer(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID.Hex() < out[j].ItemID.Hex() })
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesVersionFilter(v *types.VersionRecord, filter map[string]interface{}) bool {
	for field, cond := range filter {
		var val interface{}
		switch field {
		case "ov":
			val = v.OV
		case "cv":
			val = v.CV
		default:
			val = v.MetaIndexed[field]
		}
		ops, isMap := cond.(map[string]interface{})
		if !isMap {
			if !matchEq(val, cond) {
				return false
			}
			continue
		}
		for op, want := range ops {
			if !matchOp(val, op, want) {
				return false
			}
		}
	}
	return true
}

func (s *MemStore) DeleteVersions(ctx context.Context, collection string, id primitive.ObjectID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*types.VersionRecord
	var removed int64
	for _, v := range s.versions[collection] {
		if v.ItemID == id {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	s.versions[collection] = kept
	return removed, nil
}

func (s *MemStore) IncCV(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[collection]++
	return s.counters[collection], nil
}

func (s *MemStore) CurrentCV(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[collection], nil
}

func (s *MemStore) InsertLock(ctx context.Context, collection string, lock *types.TransactionLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	if lock.ID.IsZero() {
		lock.ID = primitive.NewObjectID()
	}
	if _, held := s.locks[collection][lock.ItemID]; held {
		return types.E(types.KindLockConflict, lock.Operation, collection,
			"item is locked by a concurrent mutation", nil)
	}
	cp := *lock
	s.locks[collection][lock.ItemID] = &cp
	return nil
}

func (s *MemStore) GetLock(ctx context.Context, collection string, itemID primitive.ObjectID) (*types.TransactionLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	l, ok := s.locks[collection][itemID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) DeleteLock(ctx context.Context, collection string, lockID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	for item, l := range s.locks[collection] {
		if l.ID == lockID {
			delete(s.locks[collection], item)
			return nil
		}
	}
	return nil
}

func (s *MemStore) DeleteLockByItem(ctx context.Context, collection string, itemID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	delete(s.locks[collection], itemID)
	return nil
}

func (s *MemStore) DeleteExpiredLocks(ctx context.Context, collection string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(collection)
	var n int64
	for item, l := range s.locks[collection] {
		if l.Expired(now) {
			delete(s.locks[collection], item)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) DeleteLocksByServer(ctx context.Context, serverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, coll := range s.locks {
		for item, l := range coll {
			if l.ServerID == serverID {
				delete(coll, item)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemStore) EnqueueFallback(ctx context.Context, op *types.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.ID.IsZero() {
		op.ID = primitive.NewObjectID()
	}
	s.fallbacks[op.ID] = cloneOp(op)
	return nil
}

func (s *MemStore) DueFallbacks(ctx context.Context, now time.Time, limit int64) ([]*types.FallbackOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.FallbackOp
	for _, op := range s.fallbacks {
		if !op.NextAttemptAt.After(now) {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) RescheduleFallback(ctx context.Context, op *types.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fallbacks[op.ID]; !ok {
		return types.E(types.KindNotFound, "", "", fmt.Sprintf("fallback op %s not found", op.ID.Hex()), nil)
	}
	s.fallbacks[op.ID] = cloneOp(op)
	return nil
}

func (s *MemStore) DeleteFallback(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fallbacks, id)
	return nil
}

func (s *MemStore) FallbackDepth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.fallbacks)), nil
}

func (s *MemStore) InsertDeadLetter(ctx context.Context, op *types.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[op.ID] = cloneOp(op)
	return nil
}

func (s *MemStore) ListDeadLetters(ctx context.Context, limit int64) ([]*types.FallbackOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.FallbackOp
	for _, op := range s.deadLetters {
		out = append(out, cloneOp(op))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstAttemptAt.Before(out[j].FirstAttemptAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) GetDeadLetter(ctx context.Context, id primitive.ObjectID) (*types.FallbackOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	return cloneOp(op), nil
}

func (s *MemStore) DeleteDeadLetter(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, id)
	return nil
}

func (s *MemStore) SupportsTransactions() bool { return false }

func (s *MemStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) Close(ctx context.Context) error { return nil }
