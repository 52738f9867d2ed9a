package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/types"
)

// MongoStore implements Store on a MongoDB-family database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	deadLetter string

	mu      sync.Mutex
	ensured map[string][]string // collection -> indexedProps already ensured

	txnSupported bool
}

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	// DeadLetterCollection overrides the dead-letter collection name.
	DeadLetterCollection string

	// Transactions forces transaction usage on or off; AutoDetect probes
	// the topology instead (replica sets and sharded clusters support
	// multi-document transactions, standalone nodes do not).
	Transactions bool
	AutoDetect   bool
}

// NewMongo wraps an existing client and database.
func NewMongo(ctx context.Context, client *mongo.Client, dbName string, opts MongoOptions) (*MongoStore, error) {
	s := &MongoStore{
		client:     client,
		db:         client.Database(dbName),
		deadLetter: opts.DeadLetterCollection,
		ensured:    make(map[string][]string),
	}
	if s.deadLetter == "" {
		s.deadLetter = "chronos_dead_letter"
	}
	if opts.AutoDetect {
		s.txnSupported = detectTransactions(ctx, client)
	} else {
		s.txnSupported = opts.Transactions
	}
	return s, nil
}

// Connect dials a MongoDB URI and returns a store over the named database.
func Connect(ctx context.Context, uri, dbName string, opts MongoOptions) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}
	return NewMongo(ctx, client, dbName, opts)
}

// detectTransactions probes for a replica set; hello reports setName only on
// replica-set members.
func detectTransactions(ctx context.Context, client *mongo.Client) bool {
	var result bson.M
	err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&result)
	if err != nil {
		return false
	}
	if _, ok := result["setName"]; ok {
		return true
	}
	if msg, ok := result["msg"].(string); ok && msg == "isdbgrid" {
		return true
	}
	return false
}

func (s *MongoStore) heads(c string) *mongo.Collection    { return s.db.Collection(c + SuffixHead) }
func (s *MongoStore) vers(c string) *mongo.Collection     { return s.db.Collection(c + SuffixVer) }
func (s *MongoStore) counters(c string) *mongo.Collection { return s.db.Collection(c + SuffixCounter) }
func (s *MongoStore) locks(c string) *mongo.Collection    { return s.db.Collection(c + SuffixLocks) }

func (s *MongoStore) EnsureIndexes(ctx context.Context, collection string, indexedProps []string) error {
	s.mu.Lock()
	if prev, ok := s.ensured[collection]; ok && sameProps(prev, indexedProps) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	headModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ov", Value: 1}}},
		{Keys: bson.D{{Key: "cv", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "deletedAt", Value: 1}}},
	}
	for _, prop := range indexedProps {
		field := "metaIndexed." + prop
		headModels = append(headModels, mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetPartialFilterExpression(
				bson.M{field: bson.M{"$exists": true}}),
		})
	}
	if _, err := s.heads(collection).Indexes().CreateMany(ctx, headModels); err != nil {
		return fmt.Errorf("failed to ensure head indexes: %w", err)
	}

	verModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "ov", Value: -1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "ov", Value: 1}}},
		{Keys: bson.D{{Key: "cv", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: 1}}},
		{Keys: bson.D{{Key: "op", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: -1}, {Key: "ov", Value: -1}}},
	}
	if _, err := s.vers(collection).Indexes().CreateMany(ctx, verModels); err != nil {
		return fmt.Errorf("failed to ensure version indexes: %w", err)
	}

	lockModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "itemId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "serverId", Value: 1}}},
		{Keys: bson.D{{Key: "serverId", Value: 1}, {Key: "expiresAt", Value: 1}}},
	}
	if _, err := s.locks(collection).Indexes().CreateMany(ctx, lockModels); err != nil {
		return fmt.Errorf("failed to ensure lock indexes: %w", err)
	}

	s.mu.Lock()
	s.ensured[collection] = append([]string(nil), indexedProps...)
	s.mu.Unlock()
	return nil
}

func sameProps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *MongoStore) GetHead(ctx context.Context, collection string, id primitive.ObjectID) (*types.HeadRecord, error) {
	var head types.HeadRecord
	err := s.heads(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&head)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, docErr("failed to read head", err)
	}
	return &head, nil
}

func (s *MongoStore) InsertHead(ctx context.Context, collection string, head *types.HeadRecord) error {
	_, err := s.heads(collection).InsertOne(ctx, head)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.E(types.KindOptimisticLock, "", collection, "head already exists", err)
		}
		return docErr("failed to insert head", err)
	}
	return nil
}

func (s *MongoStore) UpdateHead(ctx context.Context, collection string, head *types.HeadRecord, expectedOV int64) (bool, error) {
	res, err := s.heads(collection).ReplaceOne(ctx,
		bson.M{"_id": head.ID, "ov": expectedOV}, head)
	if err != nil {
		return false, docErr("failed to update head", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) DeleteHead(ctx context.Context, collection string, id primitive.ObjectID) error {
	_, err := s.heads(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return docErr("failed to delete head", err)
	}
	return nil
}

func (s *MongoStore) ListHeads(ctx context.Context, collection string, q HeadQuery) ([]*types.HeadRecord, error) {
	filter, err := BuildMetaFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	if !q.IncludeDeleted {
		filter["deletedAt"] = bson.M{"$exists": false}
	}
	if q.AfterID != nil {
		filter["_id"] = bson.M{"$gt": *q.AfterID}
	}

	opts := options.Find()
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	if len(q.Sort) > 0 {
		sort := bson.D{}
		for _, sf := range q.Sort {
			dir := 1
			if sf.Desc {
				dir = -1
			}
			field := sf.Field
			if _, top := topLevelFields[field]; !top {
				field = "metaIndexed." + field
			}
			sort = append(sort, bson.E{Key: field, Value: dir})
		}
		opts.SetSort(sort)
	} else {
		opts.SetSort(bson.D{{Key: "_id", Value: 1}})
	}

	cur, err := s.heads(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, docErr("failed to list heads", err)
	}
	defer cur.Close(ctx)
	var out []*types.HeadRecord
	for cur.Next(ctx) {
		var h types.HeadRecord
		if err := cur.Decode(&h); err != nil {
			return nil, docErr("failed to decode head", err)
		}
		out = append(out, &h)
	}
	if err := cur.Err(); err != nil {
		return nil, docErr("failed to iterate heads", err)
	}
	return out, nil
}

func (s *MongoStore) InsertVersion(ctx context.Context, collection string, ver *types.VersionRecord) error {
	if ver.ID.IsZero() {
		ver.ID = primitive.NewObjectID()
	}
	_, err := s.vers(collection).InsertOne(ctx, ver)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.E(types.KindOptimisticLock, "", collection, "version already exists", err)
		}
		return docErr("failed to insert version", err)
	}
	return nil
}

func (s *MongoStore) GetVersion(ctx context.Context, collection string, id primitive.ObjectID, ov int64) (*types.VersionRecord, error) {
	var ver types.VersionRecord
	err := s.vers(collection).FindOne(ctx, bson.M{"itemId": id, "ov": ov}).Decode(&ver)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, docErr("failed to read version", err)
	}
	return &ver, nil
}

func (s *MongoStore) LatestVersionAt(ctx context.Context, collection string, id primitive.ObjectID, t time.Time) (*types.VersionRecord, error) {
	return s.findOneVersion(ctx, collection,
		bson.M{"itemId": id, "at": bson.M{"$lte": t}},
		bson.D{{Key: "at", Value: -1}, {Key: "ov", Value: -1}})
}

func (s *MongoStore) LatestVersionAtCV(ctx context.Context, collection string, id primitive.ObjectID, targetCV int64) (*types.VersionRecord, error) {
	return s.findOneVersion(ctx, collection,
		bson.M{"itemId": id, "cv": bson.M{"$lte": targetCV}},
		bson.D{{Key: "cv", Value: -1}, {Key: "ov", Value: -1}})
}

func (s *MongoStore) findOneVersion(ctx context.Context, collection string, filter bson.M, sort bson.D) (*types.VersionRecord, error) {
	var ver types.VersionRecord
	err := s.vers(collection).FindOne(ctx, filter, options.FindOne().SetSort(sort)).Decode(&ver)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, docErr("failed to read version", err)
	}
	return &ver, nil
}

func (s *MongoStore) ListVersions(ctx context.Context, collection string, id primitive.ObjectID, limit int64) ([]*types.VersionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ov", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return s.findVersions(ctx, collection, bson.M{"itemId": id}, opts)
}

func (s *MongoStore) ListVersionsByCV(ctx context.Context, collection string, fromCV, toCV int64, limit int64) ([]*types.VersionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "cv", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return s.findVersions(ctx, collection,
		bson.M{"cv": bson.M{"$gte": fromCV, "$lte": toCV}}, opts)
}

func (s *MongoStore) findVersions(ctx context.Context, collection string, filter bson.M, opts *options.FindOptions) ([]*types.VersionRecord, error) {
	cur, err := s.vers(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, docErr("failed to list versions", err)
	}
	defer cur.Close(ctx)
	var out []*types.VersionRecord
	for cur.Next(ctx) {
		var v types.VersionRecord
		if err := cur.Decode(&v); err != nil {
			return nil, docErr("failed to decode version", err)
		}
		out = append(out, &v)
	}
	if err := cur.Err(); err != nil {
		return nil, docErr("failed to iterate versions", err)
	}
	return out, nil
}

func (s *MongoStore) MaxCVAt(ctx context.Context, collection string, t time.Time) (int64, error) {
	var ver types.VersionRecord
	err := s.vers(collection).FindOne(ctx,
		bson.M{"at": bson.M{"$lte": t}},
		options.FindOne().SetSort(bson.D{{Key: "cv", Value: -1}})).Decode(&ver)
	if err == mongo.ErrNoDocuments {
		return -1, nil
	}
	if err != nil {
		return 0, docErr("failed to resolve cv at timestamp", err)
	}
	return ver.CV, nil
}

func (s *MongoStore) ListVersionSnapshotsAt(ctx context.Context, collection string, t time.Time, q HeadQuery) ([]*types.VersionRecord, error) {
	metaFilter, err := BuildMetaFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	pipeline := []bson.M{
		{"$match": bson.M{"at": bson.M{"$lte": t}}},
		{"$sort": bson.M{"itemId": 1, "ov": -1}},
		{"$group": bson.M{"_id": "$itemId", "doc": bson.M{"$first": "$$ROOT"}}},
		{"$replaceRoot": bson.M{"newRoot": "$doc"}},
	}
	if len(metaFilter) > 0 {
		pipeline = append(pipeline, bson.M{"$match": metaFilter})
	}
	if !q.IncludeDeleted {
		pipeline = append(pipeline, bson.M{"$match": bson.M{"op": bson.M{"$ne": types.OpDelete}}})
	}
	if q.AfterID != nil {
		pipeline = append(pipeline, bson.M{"$match": bson.M{"itemId": bson.M{"$gt": *q.AfterID}}})
	}
	pipeline = append(pipeline, bson.M{"$sort": bson.M{"itemId": 1}})
	if q.Limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": q.Limit})
	}

	cur, err := s.vers(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, docErr("failed to query versions as-of", err)
	}
	defer cur.Close(ctx)
	var out []*types.VersionRecord
	for cur.Next(ctx) {
		var v types.VersionRecord
		if err := cur.Decode(&v); err != nil {
			return nil, docErr("failed to decode version", err)
		}
		out = append(out, &v)
	}
	return out, cur.Err()
}

func (s *MongoStore) DeleteVersions(ctx context.Context, collection string, id primitive.ObjectID) (int64, error) {
	res, err := s.vers(collection).DeleteMany(ctx, bson.M{"itemId": id})
	if err != nil {
		return 0, docErr("failed to delete versions", err)
	}
	return res.DeletedCount, nil
}

// counterDoc is the single per-collection counter document.
type counterDoc struct {
	ID string `bson:"_id"`
	CV int64  `bson:"cv"`
}

func (s *MongoStore) IncCV(ctx context.Context, collection string) (int64, error) {
	var doc counterDoc
	err := s.counters(collection).FindOneAndUpdate(ctx,
		bson.M{"_id": "cv"},
		bson.M{"$inc": bson.M{"cv": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, docErr("failed to increment collection counter", err)
	}
	return doc.CV, nil
}

func (s *MongoStore) CurrentCV(ctx context.Context, collection string) (int64, error) {
	var doc counterDoc
	err := s.counters(collection).FindOne(ctx, bson.M{"_id": "cv"}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, docErr("failed to read collection counter", err)
	}
	return doc.CV, nil
}

func (s *MongoStore) InsertLock(ctx context.Context, collection string, lock *types.TransactionLock) error {
	if lock.ID.IsZero() {
		lock.ID = primitive.NewObjectID()
	}
	_, err := s.locks(collection).InsertOne(ctx, lock)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.E(types.KindLockConflict, lock.Operation, collection,
				"item is locked by a concurrent mutation", err)
		}
		return docErr("failed to insert lock", err)
	}
	return nil
}

func (s *MongoStore) GetLock(ctx context.Context, collection string, itemID primitive.ObjectID) (*types.TransactionLock, error) {
	var lock types.TransactionLock
	err := s.locks(collection).FindOne(ctx, bson.M{"itemId": itemID}).Decode(&lock)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, docErr("failed to read lock", err)
	}
	return &lock, nil
}

func (s *MongoStore) DeleteLock(ctx context.Context, collection string, lockID primitive.ObjectID) error {
	_, err := s.locks(collection).DeleteOne(ctx, bson.M{"_id": lockID})
	if err != nil {
		return docErr("failed to delete lock", err)
	}
	return nil
}

func (s *MongoStore) DeleteLockByItem(ctx context.Context, collection string, itemID primitive.ObjectID) error {
	_, err := s.locks(collection).DeleteOne(ctx, bson.M{"itemId": itemID})
	if err != nil {
		return docErr("failed to delete lock by item", err)
	}
	return nil
}

func (s *MongoStore) DeleteExpiredLocks(ctx context.Context, collection string, now time.Time) (int64, error) {
	res, err := s.locks(collection).DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": now}})
	if err != nil {
		return 0, docErr("failed to reap expired locks", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteLocksByServer(ctx context.Context, serverID string) (int64, error) {
	s.mu.Lock()
	collections := make([]string, 0, len(s.ensured))
	for c := range s.ensured {
		collections = append(collections, c)
	}
	s.mu.Unlock()

	var total int64
	for _, c := range collections {
		res, err := s.locks(c).DeleteMany(ctx, bson.M{"serverId": serverID})
		if err != nil {
			log.Component("repo").Warn().Err(err).Str("collection", c).
				Msg("failed to release server locks")
			continue
		}
		total += res.DeletedCount
	}
	return total, nil
}

func (s *MongoStore) fallbacks() *mongo.Collection   { return s.db.Collection(FallbackCollection) }
func (s *MongoStore) deadLetters() *mongo.Collection { return s.db.Collection(s.deadLetter) }

func (s *MongoStore) EnqueueFallback(ctx context.Context, op *types.FallbackOp) error {
	if op.ID.IsZero() {
		op.ID = primitive.NewObjectID()
	}
	_, err := s.fallbacks().InsertOne(ctx, op)
	if err != nil {
		return docErr("failed to enqueue fallback op", err)
	}
	return nil
}

func (s *MongoStore) DueFallbacks(ctx context.Context, now time.Time, limit int64) ([]*types.FallbackOp, error) {
	opts := options.Find().SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.fallbacks().Find(ctx, bson.M{"nextAttemptAt": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, docErr("failed to list due fallback ops", err)
	}
	defer cur.Close(ctx)
	var out []*types.FallbackOp
	for cur.Next(ctx) {
		var op types.FallbackOp
		if err := cur.Decode(&op); err != nil {
			return nil, docErr("failed to decode fallback op", err)
		}
		out = append(out, &op)
	}
	return out, cur.Err()
}

func (s *MongoStore) RescheduleFallback(ctx context.Context, op *types.FallbackOp) error {
	_, err := s.fallbacks().ReplaceOne(ctx, bson.M{"_id": op.ID}, op)
	if err != nil {
		return docErr("failed to reschedule fallback op", err)
	}
	return nil
}

func (s *MongoStore) DeleteFallback(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.fallbacks().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return docErr("failed to delete fallback op", err)
	}
	return nil
}

func (s *MongoStore) FallbackDepth(ctx context.Context) (int64, error) {
	n, err := s.fallbacks().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, docErr("failed to count fallback ops", err)
	}
	return n, nil
}

func (s *MongoStore) InsertDeadLetter(ctx context.Context, op *types.FallbackOp) error {
	_, err := s.deadLetters().InsertOne(ctx, op)
	if err != nil {
		return docErr("failed to insert dead letter", err)
	}
	return nil
}

func (s *MongoStore) ListDeadLetters(ctx context.Context, limit int64) ([]*types.FallbackOp, error) {
	opts := options.Find().SetSort(bson.D{{Key: "firstAttemptAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.deadLetters().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, docErr("failed to list dead letters", err)
	}
	defer cur.Close(ctx)
	var out []*types.FallbackOp
	for cur.Next(ctx) {
		var op types.FallbackOp
		if err := cur.Decode(&op); err != nil {
			return nil, docErr("failed to decode dead letter", err)
		}
		out = append(out, &op)
	}
	return out, cur.Err()
}

func (s *MongoStore) GetDeadLetter(ctx context.Context, id primitive.ObjectID) (*types.FallbackOp, error) {
	var op types.FallbackOp
	err := s.deadLetters().FindOne(ctx, bson.M{"_id": id}).Decode(&op)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, docErr("failed to read dead letter", err)
	}
	return &op, nil
}

func (s *MongoStore) DeleteDeadLetter(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.deadLetters().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return docErr("failed to delete dead letter", err)
	}
	return nil
}

func (s *MongoStore) SupportsTransactions() bool { return s.txnSupported }

func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.txnSupported {
		// Standalone topology: run sequentially. The head upsert stays the
		// single caller-visible failure point.
		return fn(ctx)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return docErr("failed to start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	if err != nil {
		return txnErr(err)
	}
	return nil
}

// txnErr classifies a transaction failure. Typed errors raised by the
// callback pass through untouched: a CAS miss inside the transaction must
// surface as OptimisticLock, not as a retryable commit failure. Only raw
// driver and session errors fold into DocCommit.
func txnErr(err error) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return docErr("transaction failed", err)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// docErr wraps a driver error as a DocCommit failure. Context cancellation
// and network errors are transient for the retry policy; the caller decides
// via types.Retryable.
func docErr(msg string, err error) error {
	return types.E(types.KindDocCommit, "", "", msg, err)
}
