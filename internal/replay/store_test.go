package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIsolatesTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultWindowTime, DefaultWindowSize)

	require.NoError(t, s.Insert(ctx, "txn-a", mustEnvelope(t, 1)))
	require.NoError(t, s.Insert(ctx, "txn-b", mustEnvelope(t, 1)))
	require.NoError(t, s.Insert(ctx, "txn-a", mustEnvelope(t, 2)))

	gotA, err := s.Range(ctx, "txn-a", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs(gotA))

	gotB, err := s.Range(ctx, "txn-b", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs(gotB))
}

func TestMemoryStoreDropClearsBuffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultWindowTime, DefaultWindowSize)
	require.NoError(t, s.Insert(ctx, "txn-a", mustEnvelope(t, 1)))

	s.Drop("txn-a")

	got, err := s.Range(ctx, "txn-a", 0, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
