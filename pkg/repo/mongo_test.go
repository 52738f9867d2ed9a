package repo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chronos-db/chronos/pkg/types"
)

func TestTxnErrPreservesTypedFailures(t *testing.T) {
	// A CAS miss raised inside the transaction callback keeps its kind and
	// stays non-retryable.
	cas := types.E(types.KindOptimisticLock, types.OpUpdate, "users", "expected ov=0", nil)
	err := txnErr(cas)
	assert.Equal(t, types.KindOptimisticLock, types.KindOf(err))
	assert.False(t, types.Retryable(err))

	nf := types.E(types.KindNotFound, types.OpUpdate, "users", "item not found", nil)
	assert.Equal(t, types.KindNotFound, types.KindOf(txnErr(nf)))
}

func TestTxnErrWrapsDriverFailures(t *testing.T) {
	err := txnErr(errors.New("connection reset by peer"))
	assert.Equal(t, types.KindDocCommit, types.KindOf(err))
	assert.True(t, types.Retryable(err))
}
