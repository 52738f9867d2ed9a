package blob

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	res, err := s.PutJSON(ctx, "records", "users/abc/v0/item.json", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	require.NotNil(t, res.Size)
	assert.NotEmpty(t, res.Checksum)

	var out map[string]interface{}
	require.NoError(t, s.GetJSON(ctx, "records", "users/abc/v0/item.json", &out))
	assert.Equal(t, float64(1), out["a"])

	raw, err := s.GetRaw(ctx, "records", "users/abc/v0/item.json")
	require.NoError(t, err)
	assert.NoError(t, VerifyChecksum("records", "users/abc/v0/item.json", raw, res.Checksum))
}

func TestFSGetMissing(t *testing.T) {
	s := newTestFS(t)
	_, err := s.GetRaw(context.Background(), "records", "nope/v0/item.json")
	assert.True(t, IsNotFound(err))
}

func TestFSHeadAndDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	info, err := s.Head(ctx, "records", "k")
	require.NoError(t, err)
	assert.False(t, info.Exists)

	_, err = s.PutRaw(ctx, "records", "k", []byte("data"), "text/plain")
	require.NoError(t, err)

	info, err = s.Head(ctx, "records", "k")
	require.NoError(t, err)
	require.True(t, info.Exists)
	assert.Equal(t, int64(4), *info.Size)

	require.NoError(t, s.Delete(ctx, "records", "k"))
	require.NoError(t, s.Delete(ctx, "records", "k"), "delete of missing object must not fail")
}

func TestFSListPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	for _, k := range []string{"users/a/v0/item.json", "users/b/v0/item.json", "users/c/v0/item.json", "orders/z/v0/item.json"} {
		_, err := s.PutRaw(ctx, "records", k, []byte("x"), "application/json")
		require.NoError(t, err)
	}

	page1, err := s.List(ctx, "records", "users/", ListOptions{MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page1.Entries, 2)
	require.True(t, page1.Truncated)

	page2, err := s.List(ctx, "records", "users/", ListOptions{MaxKeys: 2, ContinuationToken: page1.NextToken})
	require.NoError(t, err)
	require.Len(t, page2.Entries, 1)
	assert.False(t, page2.Truncated)
	assert.Equal(t, "users/c/v0/item.json", page2.Entries[0].Key)
}

func TestFSPresignReturnsFileURL(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)
	_, err := s.PutRaw(ctx, "records", "k", []byte("x"), "text/plain")
	require.NoError(t, err)

	u, err := s.PresignGet(ctx, "records", "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)
}

func TestFSCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)
	_, err := s.PutRaw(ctx, "records", "src", []byte("payload"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, s.Copy(ctx, "records", "src", "backups", "dst"))
	data, err := s.GetRaw(ctx, "backups", "dst")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	s := newTestFS(t)
	_, err := s.PutRaw(context.Background(), "records", "../../etc/passwd", []byte("x"), "text/plain")
	assert.Error(t, err)
}

func TestVerifyChecksumMismatch(t *testing.T) {
	err := VerifyChecksum("b", "k", []byte("data"), Checksum([]byte("other")))
	require.Error(t, err)
	assert.Equal(t, FailIntegrity, KindOf(err))
}
