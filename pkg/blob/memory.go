package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and embedded use. It shares the
// taxonomy and pagination semantics of the real adapters.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte // bucket + "\x00" + key

	// FailPuts makes the next N writes fail with a transient error, for
	// exercising compensation and fallback paths in tests.
	FailPuts int

	// FailKeyContains makes writes whose key contains the substring fail
	// with a transient error.
	FailKeyContains string
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

func (m *MemStore) PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return PutResult{}, failure(FailPermanent, bucket, key, err)
	}
	return m.PutRaw(ctx, bucket, key, data, "application/json")
}

func (m *MemStore) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts > 0 {
		m.FailPuts--
		return PutResult{}, failure(FailTransient, bucket, key, fmt.Errorf("injected put failure"))
	}
	if m.FailKeyContains != "" && strings.Contains(key, m.FailKeyContains) {
		return PutResult{}, failure(FailTransient, bucket, key, fmt.Errorf("injected put failure for %s", key))
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[memKey(bucket, key)] = cp
	return PutResult{Size: sizeOf(data), Checksum: Checksum(data)}, nil
}

func (m *MemStore) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := m.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure(FailIntegrity, bucket, key, err)
	}
	return nil
}

func (m *MemStore) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, failure(FailNotFound, bucket, key, fmt.Errorf("no such object"))
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return HeadInfo{Exists: false}, nil
	}
	size := int64(len(data))
	return HeadInfo{Exists: true, Size: &size}, nil
}

func (m *MemStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memKey(bucket, key))
	return nil
}

func (m *MemStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[memKey(bucket, key)]; !ok {
		return "", failure(FailNotFound, bucket, key, fmt.Errorf("no such object"))
	}
	expires := time.Now().UTC().Add(ttl).Unix()
	return fmt.Sprintf("mem://%s/%s?expires=%d", bucket, key, expires), nil
}

func (m *MemStore) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	m.mu.RLock()
	var keys []ListEntry
	p := memKey(bucket, prefix)
	for k, v := range m.objects {
		if strings.HasPrefix(k, p) {
			keys = append(keys, ListEntry{Key: strings.SplitN(k, "\x00", 2)[1], Size: int64(len(v))})
		}
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

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

func (m *MemStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := m.GetRaw(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	_, err = m.PutRaw(ctx, dstBucket, dstKey, data, "application/octet-stream")
	return err
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
