package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/repo"
)

func TestCheckAll(t *testing.T) {
	results := CheckAll(context.Background(), time.Second,
		NewDocStore("doc", repo.NewMemory()),
		NewBlob("blob", blob.NewMemory(), "records"),
	)

	assert.Len(t, results, 2)
	assert.True(t, results["doc"].Healthy)
	assert.True(t, results["blob"].Healthy)
	assert.NotZero(t, results["doc"].CheckedAt)
}
