package bf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codingWhat/redisbloom/bloom_filter/store"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitArray_Invalid(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := NewBitArray("a", s, 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewBitArray("a", s, store.MaxBitSize+1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewBitArray("a", s, store.MaxBitSize)
	assert.NoError(t, err)

	_, err = NewBitArray("a", s, 10, WithShardKeys([]string{"b", "b-1"}))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestBitArray_SetGet(t *testing.T) {
	ctx := context.Background()
	ba, err := NewBitArray("a", store.NewMemoryStore(), 64)
	require.NoError(t, err)

	require.NoError(t, ba.Set(ctx, []uint64{1, 5, 63}))
	ok, err := ba.Get(ctx, []uint64{1, 5, 63})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ba.Get(ctx, []uint64{1, 6})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ba.SetBatch(ctx, [][]uint64{{7, 8}, {9}}))
	got, err := ba.GetBatch(ctx, [][]uint64{{7, 8}, {2}, {9, 1}, {}})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, true}, got)
	assert.Equal(t, uint64(3), ba.Count())
	assert.Equal(t, uint64(64), ba.BitSize())
	assert.Equal(t, []string{"a"}, ba.Keys())
}

func TestBitArray_Growth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	var hooked []string
	ba, err := NewBitArray("g", s, 100,
		WithArrayGrowth(true, 0.5),
		WithGrowHook(func(keys []string) { hooked = keys }),
	)
	require.NoError(t, err)

	for i := uint64(0); i < 60; i++ {
		require.NoError(t, ba.Set(ctx, []uint64{i}))
	}

	// the chain grows from the 52nd write on, once 51 bits are set
	keys := ba.Keys()
	require.Len(t, keys, 10)
	for i, key := range keys {
		if i == 0 {
			assert.Equal(t, "g", key)
			continue
		}
		assert.Equal(t, fmt.Sprintf("g-%d", i), key)
	}
	assert.Equal(t, keys, hooked)

	for _, key := range keys {
		n, err := s.BitCount(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(60), n, key)
	}
	for i := uint64(0); i < 60; i++ {
		ok, err := ba.Get(ctx, []uint64{i})
		require.NoError(t, err)
		assert.True(t, ok, "bit %d", i)
	}
}

func TestBitArray_GrowthSeedsFromFirstShard(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	ba, err := NewBitArray("s", s, 64, WithArrayGrowth(true, 0.001))
	require.NoError(t, err)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, ba.Set(ctx, []uint64{i}))
	}
	require.Len(t, ba.Keys(), 20)

	s.mu.Lock()
	copied := s.copied
	s.mu.Unlock()
	require.Len(t, copied, 19)
	for _, sources := range copied {
		assert.Equal(t, []string{"s"}, sources)
	}
}

// Saturated filters add a shard on every write, so the chain can get long.
func TestBitArray_ManyShardsOnRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ba, err := NewBitArray("many", store.NewGoRedisStore(client), 64, WithArrayGrowth(true, 0.001))
	require.NoError(t, err)
	const writes = 200
	for i := uint64(0); i < writes; i++ {
		require.NoError(t, ba.Set(ctx, []uint64{i % 64}))
	}

	keys := ba.Keys()
	require.Len(t, keys, writes)
	assert.Equal(t, fmt.Sprintf("many-%d", writes-1), keys[writes-1])
	for _, key := range []string{keys[0], keys[writes/2], keys[writes-1]} {
		n, err := client.BitCount(ctx, key, nil).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(64), n, key)
	}
	ok, err := ba.Get(ctx, []uint64{0, 17, 63})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBitArray_GrowthDisabled(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	ba, err := NewBitArray("g", s, 10)
	require.NoError(t, err)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, ba.Set(ctx, []uint64{i}))
	}
	assert.Equal(t, []string{"g"}, ba.Keys())
	assert.Zero(t, s.count("BitCount"))
}

func TestBitArray_GrowthCopyFails(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	ba, err := NewBitArray("g", s, 10, WithArrayGrowth(true, 0.1))
	require.NoError(t, err)
	require.NoError(t, ba.Set(ctx, []uint64{1, 2}))

	s.setFail("CopyUnion", true)
	err = ba.Set(ctx, []uint64{3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, errBoom))
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "g", opErr.Filter)
	assert.Equal(t, "copyunion", opErr.Op)

	assert.Equal(t, []string{"g"}, ba.Keys())
	assert.Equal(t, 1, s.count("SetBits"))
	assert.False(t, s.Exists("g-1"))

	s.setFail("CopyUnion", false)
	require.NoError(t, ba.Set(ctx, []uint64{3}))
	assert.Equal(t, []string{"g", "g-1"}, ba.Keys())
}

func TestBitArray_UnanimityAcrossShards(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ba, err := NewBitArray("u", s, 16, WithShardKeys([]string{"u", "u-1"}))
	require.NoError(t, err)

	require.NoError(t, s.SetBits(ctx, []string{"u", "u-1"}, []uint64{3}))
	require.NoError(t, s.SetBits(ctx, []string{"u"}, []uint64{5}))
	require.NoError(t, s.SetBits(ctx, []string{"u-1"}, []uint64{6}))

	got, err := ba.GetBatch(ctx, [][]uint64{{3}, {5}, {6}, {3, 5}})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, false}, got)

	ok, err := ba.Get(ctx, []uint64{3})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ba.Get(ctx, []uint64{5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBitArray_Reset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ba, err := NewBitArray("r", s, 8, WithArrayGrowth(true, 0.25))
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, ba.Set(ctx, []uint64{i}))
	}
	require.Greater(t, len(ba.Keys()), 1)
	extra := ba.Keys()[1:]

	require.NoError(t, ba.Reset(ctx))
	assert.Equal(t, []string{"r"}, ba.Keys())
	assert.Zero(t, ba.Count())
	for _, key := range extra {
		assert.False(t, s.Exists(key), key)
	}
	n, err := s.BitCount(ctx, "r")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := ba.Get(ctx, []uint64{0})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ba.Set(ctx, []uint64{2}))
	ok, err = ba.Get(ctx, []uint64{2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBitArray_ResetClearFails(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	ba, err := NewBitArray("r", s, 8, WithShardKeys([]string{"r", "r-1"}))
	require.NoError(t, err)
	require.NoError(t, ba.Set(ctx, []uint64{1}))

	s.setFail("Clear", true)
	assert.True(t, errors.Is(ba.Reset(ctx), ErrStoreUnavailable))
	assert.Equal(t, []string{"r", "r-1"}, ba.Keys())
	assert.Equal(t, uint64(1), ba.Count())
	assert.Zero(t, s.count("Delete"))
}

func TestBitArray_Drop(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	ba, err := NewBitArray("d", s, 8, WithShardKeys([]string{"d", "d-1"}))
	require.NoError(t, err)
	require.NoError(t, ba.Set(ctx, []uint64{1}))

	s.setFail("Delete", true)
	require.Error(t, ba.Drop(ctx))
	ok, err := ba.Get(ctx, []uint64{1})
	require.NoError(t, err)
	assert.True(t, ok)

	s.setFail("Delete", false)
	require.NoError(t, ba.Drop(ctx))
	assert.False(t, s.Exists("d"))
	assert.False(t, s.Exists("d-1"))

	writes := s.count("SetBits")
	require.NoError(t, ba.Set(ctx, []uint64{2}))
	assert.Equal(t, writes, s.count("SetBits"))
	ok, err = ba.Get(ctx, []uint64{1})
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := ba.GetBatch(ctx, [][]uint64{{1}, {2}})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, got)
	require.NoError(t, ba.Reset(ctx))

	require.NoError(t, ba.Drop(ctx))
	assert.Equal(t, 2, s.count("Delete"))
}

func TestBitArray_WritersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s := newSpyStore()
	s.writeDelay = time.Millisecond
	ba, err := NewBitArray("c", s, 1024, WithArrayGrowth(true, 0.9))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, ba.Set(ctx, []uint64{uint64(w*10 + i)}))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int32(1), s.maxInflight.Load())
	assert.Equal(t, uint64(160), ba.Count())
	assert.Equal(t, 160, s.count("SetBits"))
}
