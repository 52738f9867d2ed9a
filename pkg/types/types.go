package types

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is an arbitrary JSON-like payload mapping. The core never
// interprets payload fields beyond the configured indexedProps and
// base64Props; everything else is preserved as-is modulo the _system
// envelope and reference descriptors.
type Document = map[string]interface{}

// Op identifies the kind of write recorded by a version.
type Op string

const (
	OpCreate  Op = "CREATE"
	OpUpdate  Op = "UPDATE"
	OpDelete  Op = "DELETE"
	OpRestore Op = "RESTORE"
	OpEnrich  Op = "ENRICH"
)

// DatabaseType selects the tier family a route resolves against.
type DatabaseType string

const (
	DBMetadata   DatabaseType = "metadata"
	DBKnowledge  DatabaseType = "knowledge"
	DBRuntime    DatabaseType = "runtime"
	DBLogs       DatabaseType = "logs"
	DBMessaging  DatabaseType = "messaging"
	DBIdentities DatabaseType = "identities"
)

// Tier specifies the scope of a routed database.
type Tier string

const (
	TierGeneric Tier = "generic"
	TierDomain  Tier = "domain"
	TierTenant  Tier = "tenant"
)

// RouteContext carries everything the router needs to resolve a concrete
// backend pair for an operation.
type RouteContext struct {
	DatabaseType DatabaseType
	Tier         Tier
	TenantID     string
	Domain       string
	Collection   string

	// ForcedBackendIndex bypasses hashing when set (admin override).
	ForcedBackendIndex *int
}

// State values for the _system envelope.
const (
	StateNewNotSynched = "new-not-synched"
	StateSynched       = "synched"
)

// SystemKey is the payload key holding the system envelope.
const SystemKey = "_system"

// SystemEnvelope is embedded in every stored payload under the "_system" key.
type SystemEnvelope struct {
	InsertedAt       time.Time  `bson:"insertedAt" json:"insertedAt"`
	UpdatedAt        time.Time  `bson:"updatedAt" json:"updatedAt"`
	DeletedAt        *time.Time `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	Deleted          bool       `bson:"deleted,omitempty" json:"deleted,omitempty"`
	FunctionIDs      []string   `bson:"functionIds,omitempty" json:"functionIds,omitempty"`
	ParentID         string     `bson:"parentId,omitempty" json:"parentId,omitempty"`
	ParentCollection string     `bson:"parentCollection,omitempty" json:"parentCollection,omitempty"`
	OriginID         string     `bson:"originId,omitempty" json:"originId,omitempty"`
	OriginCollection string     `bson:"originCollection,omitempty" json:"originCollection,omitempty"`
	State            string     `bson:"state,omitempty" json:"state,omitempty"`
}

// Lineage describes optional parent/origin edges supplied at creation.
// Origin defaults to parent when not explicit; OriginSystem records an
// external system of origin as "system:<name>" in originCollection.
type Lineage struct {
	ParentID         string
	ParentCollection string
	OriginID         string
	OriginCollection string
	OriginSystem     string
}

// BlobPointer locates an immutable snapshot in the object store.
type BlobPointer struct {
	Bucket string `bson:"bucket" json:"bucket"`
	Key    string `bson:"key" json:"key"`
}

// VersionRecord is the immutable snapshot descriptor for one write.
// Inserted atomically with the head update and never mutated.
type VersionRecord struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	ItemID      primitive.ObjectID `bson:"itemId"`
	OV          int64              `bson:"ov"`
	CV          int64              `bson:"cv"`
	Op          Op                 `bson:"op"`
	At          time.Time          `bson:"at"`
	Actor       string             `bson:"actor,omitempty"`
	Reason      string             `bson:"reason,omitempty"`
	Bucket      string             `bson:"bucket"`
	Key         string             `bson:"key"`
	MetaIndexed Document           `bson:"metaIndexed,omitempty"`
	Size        *int64             `bson:"size,omitempty"`
	Checksum    string             `bson:"checksum,omitempty"`
	PrevOV      *int64             `bson:"prevOv,omitempty"`
}

// Pointer returns the version's blob pointer.
func (v *VersionRecord) Pointer() BlobPointer {
	return BlobPointer{Bucket: v.Bucket, Key: v.Key}
}

// HeadRecord is the mutable pointer to the latest version of an item.
// Exactly one head exists per live item; it is mutated only by a holder of
// the item's transaction lock, guarded by the optimistic predicate on OV.
type HeadRecord struct {
	ID          primitive.ObjectID `bson:"_id"`
	OV          int64              `bson:"ov"`
	CV          int64              `bson:"cv"`
	Bucket      string             `bson:"bucket"`
	Key         string             `bson:"key"`
	MetaIndexed Document           `bson:"metaIndexed,omitempty"`
	Size        *int64             `bson:"size,omitempty"`
	Checksum    string             `bson:"checksum,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
	DeletedAt   *time.Time         `bson:"deletedAt,omitempty"`

	// FullShadow is an optional bounded-size embedded copy of the latest
	// snapshot for fast reads (dev shadow).
	FullShadow      Document   `bson:"fullShadow,omitempty"`
	ShadowExpiresAt *time.Time `bson:"shadowExpiresAt,omitempty"`
}

// IsDeleted reports whether the head carries a logical-delete tombstone.
func (h *HeadRecord) IsDeleted() bool {
	return h.DeletedAt != nil
}

// Pointer returns the head's blob pointer.
func (h *HeadRecord) Pointer() BlobPointer {
	return BlobPointer{Bucket: h.Bucket, Key: h.Key}
}

// TransactionLock is the per-item advisory lock document. The unique index
// on ItemID is the serialization primitive for the whole deployment.
type TransactionLock struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	ItemID    primitive.ObjectID `bson:"itemId"`
	Operation Op                 `bson:"operation"`
	LockedAt  time.Time          `bson:"lockedAt"`
	ExpiresAt time.Time          `bson:"expiresAt"`
	ServerID  string             `bson:"serverId"`
	RequestID string             `bson:"requestId,omitempty"`
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (l *TransactionLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// FallbackAttempt records one failed retry for dead-letter history.
type FallbackAttempt struct {
	At    time.Time `bson:"at"`
	Error string    `bson:"error"`
}

// FallbackOp is a persisted failed mutation awaiting retry.
type FallbackOp struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty"`
	Op             Op                  `bson:"op"`
	Route          FallbackRoute       `bson:"route"`
	ItemID         *primitive.ObjectID `bson:"itemId,omitempty"`
	Payload        Document            `bson:"payload,omitempty"`
	Patch          Document            `bson:"patch,omitempty"`
	ExpectedOV     *int64              `bson:"expectedOv,omitempty"`
	Actor          string              `bson:"actor,omitempty"`
	Reason         string              `bson:"reason,omitempty"`
	FunctionID     string              `bson:"functionId,omitempty"`
	Attempts       int                 `bson:"attempts"`
	NextAttemptAt  time.Time           `bson:"nextAttemptAt"`
	FirstAttemptAt time.Time           `bson:"firstAttemptAt"`
	LastError      string              `bson:"lastError,omitempty"`
	History        []FallbackAttempt   `bson:"history,omitempty"`
}

// FallbackRoute is the serializable form of a RouteContext stored on a
// fallback operation so the retry runs against the same backends.
type FallbackRoute struct {
	DatabaseType DatabaseType `bson:"databaseType"`
	Tier         Tier         `bson:"tier"`
	TenantID     string       `bson:"tenantId,omitempty"`
	Domain       string       `bson:"domain,omitempty"`
	Collection   string       `bson:"collection"`
}

// Context converts a stored route back to a RouteContext.
func (r FallbackRoute) Context() RouteContext {
	return RouteContext{
		DatabaseType: r.DatabaseType,
		Tier:         r.Tier,
		TenantID:     r.TenantID,
		Domain:       r.Domain,
		Collection:   r.Collection,
	}
}

// RouteOf captures a RouteContext for persistence.
func RouteOf(rc RouteContext) FallbackRoute {
	return FallbackRoute{
		DatabaseType: rc.DatabaseType,
		Tier:         rc.Tier,
		TenantID:     rc.TenantID,
		Domain:       rc.Domain,
		Collection:   rc.Collection,
	}
}

// CreateResult is returned by a successful CREATE.
type CreateResult struct {
	ID        primitive.ObjectID
	OV        int64
	CV        int64
	CreatedAt time.Time
}

// UpdateResult is returned by a successful UPDATE or ENRICH.
type UpdateResult struct {
	ID        primitive.ObjectID
	OV        int64
	CV        int64
	UpdatedAt time.Time
}

// DeleteResult is returned by a successful DELETE.
type DeleteResult struct {
	ID        primitive.ObjectID
	OV        int64
	CV        int64
	DeletedAt time.Time
}

// RestoreResult is returned by a successful object restore.
type RestoreResult struct {
	ID           primitive.ObjectID
	OV           int64
	CV           int64
	RestoredAt   time.Time
	RestoredFrom int64 // ov of the snapshot the head now points at
	NoOp         bool  // target was already the head state; nothing written
}

// CollectionRestoreResult summarizes a collection-level restore.
type CollectionRestoreResult struct {
	TargetCV int64
	Planned  int // items that would change (dryRun) or were considered
	Restored int
	Skipped  int
	Failures int
	DryRun   bool
}

// ItemMeta is the optional metadata envelope accompanying a read.
type ItemMeta struct {
	OV          int64
	CV          int64
	At          time.Time
	MetaIndexed Document
	DeletedAt   *time.Time
}

// ItemView is the shape returned by single-item reads.
type ItemView struct {
	ID   primitive.ObjectID
	Item Document
	Meta *ItemMeta // present only when includeMeta was requested
}

// TierHit names a tier that contributed to a tiered lookup.
type TierHit struct {
	Tier   Tier
	Record Document
}

// TieredResult is the outcome of a tiered lookup.
type TieredResult struct {
	// Record is the first match (merge=false) or the merged payload
	// (merge=true).
	Record     Document
	Tier       Tier      // tier that matched, merge=false only
	TiersFound []Tier    // tiers that contributed, merge=true only
	PerTier    []TierHit // per-tier records, merge=true only
}
