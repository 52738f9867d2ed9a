package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// FailKind classifies a backend failure.
type FailKind string

const (
	FailNotFound         FailKind = "NotFound"
	FailPermissionDenied FailKind = "PermissionDenied"
	FailTransient        FailKind = "TransientBackend"
	FailPermanent        FailKind = "PermanentBackend"
	FailIntegrity        FailKind = "Integrity"
)

// Error is a typed blob-backend failure.
type Error struct {
	Kind   FailKind
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s/%s", e.Kind, e.Bucket, e.Key)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by FailKind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func failure(kind FailKind, bucket, key string, err error) *Error {
	return &Error{Kind: kind, Bucket: bucket, Key: key, Err: err}
}

// KindOf extracts the FailKind from an error chain, or "" when untyped.
func KindOf(err error) FailKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsNotFound reports whether the error is a missing-object failure.
func IsNotFound(err error) bool {
	return KindOf(err) == FailNotFound
}

// Retryable reports whether the failure is worth retrying.
func Retryable(err error) bool {
	return KindOf(err) == FailTransient
}

// PutResult reports what a write produced. Size and Checksum may be empty
// when the backend cannot report them.
type PutResult struct {
	Size     *int64
	Checksum string // hex SHA-256 of the written bytes
}

// HeadInfo reports existence and size of an object.
type HeadInfo struct {
	Exists bool
	Size   *int64
}

// ListEntry is one object in a listing.
type ListEntry struct {
	Key  string
	Size int64
}

// ListOptions controls pagination.
type ListOptions struct {
	MaxKeys           int
	ContinuationToken string
}

// ListResult is one page of a listing. NextToken is opaque; empty means the
// listing is complete.
type ListResult struct {
	Entries   []ListEntry
	NextToken string
	Truncated bool
}

// Store is the uniform capability set over S3-compatible, Azure Blob and
// local filesystem backends. Writes fully overwrite; Delete is idempotent.
type Store interface {
	PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error)
	PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error)
	GetJSON(ctx context.Context, bucket, key string, out interface{}) error
	GetRaw(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (HeadInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against an expected hex SHA-256 and returns
// an Integrity failure on mismatch. An empty expectation is a pass (the
// writing backend could not report one).
func VerifyChecksum(bucket, key string, data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	if got := Checksum(data); got != expected {
		return failure(FailIntegrity, bucket, key,
			fmt.Errorf("checksum mismatch: want %s, got %s", expected, got))
	}
	return nil
}

func sizeOf(data []byte) *int64 {
	n := int64(len(data))
	return &n
}
