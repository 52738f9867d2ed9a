package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore implements Store on the local filesystem. Buckets are directories
// under a base path; keys are relative paths below them. Used when
// localStorage is enabled and in tests.
type FSStore struct {
	base string
}

// NewFS builds a filesystem store rooted at basePath, creating it when
// missing.
func NewFS(basePath string) (*FSStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("fs store: base path must not be empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob base path: %w", err)
	}
	return &FSStore{base: basePath}, nil
}

func (f *FSStore) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", failure(FailPermanent, bucket, key, fmt.Errorf("empty bucket or key"))
	}
	p := filepath.Join(f.base, bucket, filepath.FromSlash(key))
	rel, err := filepath.Rel(f.base, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", failure(FailPermanent, bucket, key, fmt.Errorf("key escapes base path"))
	}
	return p, nil
}

func (f *FSStore) PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, fmt.Errorf("failed to encode JSON: %w", err))
	}
	return f.PutRaw(ctx, bucket, key, data, "application/json")
}

func (f *FSStore) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, failure(FailTransient, bucket, key, err)
	}
	p, err := f.path(bucket, key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	// Write to a temp file and rename so readers never observe a torn
	// object.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".chronos-put-*")
	if err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	return PutResult{Size: sizeOf(data), Checksum: Checksum(data)}, nil
}

func (f *FSStore) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := f.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure(FailIntegrity, bucket, key, fmt.Errorf("failed to decode JSON: %w", err))
	}
	return nil
}

func (f *FSStore) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure(FailTransient, bucket, key, err)
	}
	p, err := f.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure(FailNotFound, bucket, key, err)
		}
		if os.IsPermission(err) {
			return nil, failure(FailPermissionDenied, bucket, key, err)
		}
		return nil, failure(FailPermanent, bucket, key, err)
	}
	return data, nil
}

func (f *FSStore) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	p, err := f.path(bucket, key)
	if err != nil {
		return HeadInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return HeadInfo{Exists: false}, nil
		}
		return HeadInfo{}, failure(FailPermanent, bucket, key, err)
	}
	size := info.Size()
	return HeadInfo{Exists: true, Size: &size}, nil
}

func (f *FSStore) Delete(ctx context.Context, bucket, key string) error {
	p, err := f.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return failure(FailPermanent, bucket, key, err)
	}
	return nil
}

// PresignGet returns a file:// URL. The TTL is not enforceable for local
// files; callers get a URL that simply points at the object.
func (f *FSStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	p, err := f.path(bucket, key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", failure(FailPermanent, bucket, key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func (f *FSStore) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	root := filepath.Join(f.base, bucket)
	var keys []ListEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		keys = append(keys, ListEntry{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return ListResult{}, failure(FailPermanent, bucket, prefix, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	// The continuation token is the last key of the previous page.
	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(keys), func(i int) bool {
			return keys[i].Key > opts.ContinuationToken
		})
	}
	end := len(keys)
	max := opts.MaxKeys
	if max <= 0 {
		max = 1000
	}
	if start+max < end {
		end = start + max
	}
	out := ListResult{Entries: keys[start:end]}
	if end < len(keys) {
		out.Truncated = true
		out.NextToken = keys[end-1].Key
	}
	return out, nil
}

func (f *FSStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := f.GetRaw(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	_, err = f.PutRaw(ctx, dstBucket, dstKey, data, "application/octet-stream")
	return err
}
