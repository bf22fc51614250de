package dedup_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom-io/strongroom/internal/dedup"
)

func TestMemorySetAddOnce(t *testing.T) {
	s := dedup.NewMemorySet()
	ctx := context.Background()
	key := crypto.Keccak256Hash([]byte("payload-1"))

	fresh, err := s.Add(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.Add(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh, "second add of the same key must report seen")

	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, s.Len())
}

func TestMemorySetConcurrentAddSingleWinner(t *testing.T) {
	s := dedup.NewMemorySet()
	ctx := context.Background()
	key := crypto.Keccak256Hash([]byte("contested"))

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := s.Add(ctx, key)
			assert.NoError(t, err)
			wins <- fresh
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for fresh := range wins {
		if fresh {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent caller wins a fresh key")
}

func TestBadgerSetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := crypto.Keccak256Hash([]byte("durable"))

	s, err := dedup.NewBadgerSet(dir)
	require.NoError(t, err)

	fresh, err := s.Add(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, s.Close())

	reopened, err := dedup.NewBadgerSet(dir)
	require.NoError(t, err)
	defer reopened.Close()

	fresh, err = reopened.Add(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh, "keys survive restarts")

	other := crypto.Keccak256Hash([]byte("novel"))
	fresh, err = reopened.Add(ctx, other)
	require.NoError(t, err)
	assert.True(t, fresh)
}
