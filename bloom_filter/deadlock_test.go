package bf

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlockDetection_OffByDefault(t *testing.T) {
	assert.True(t, deadlock.Opts.Disable)
}

func TestGoroutineIDs_Distinct(t *testing.T) {
	const n = 16
	var (
		ready sync.WaitGroup
		done  sync.WaitGroup
		hold  = make(chan struct{})
		ids   = make(chan int64, n)
	)
	ready.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer done.Done()
			ids <- goid.Get()
			ready.Done()
			<-hold
		}()
	}
	ready.Wait()
	close(hold)
	done.Wait()
	close(ids)

	seen := make(map[int64]struct{}, n)
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.NotContains(t, seen, goid.Get())
}

func TestBitArray_ContendedWithDeadlockDetection(t *testing.T) {
	prevHandler, prevTimeout := deadlock.Opts.OnPotentialDeadlock, deadlock.Opts.DeadlockTimeout
	var reports atomic.Int32
	EnableDeadlockDetection(time.Minute, func() { reports.Add(1) })
	defer func() {
		DisableDeadlockDetection()
		deadlock.Opts.OnPotentialDeadlock = prevHandler
		deadlock.Opts.DeadlockTimeout = prevTimeout
	}()

	ctx := context.Background()
	s := newSpyStore()
	s.writeDelay = time.Millisecond
	ba, err := NewBitArray("dl", s, 1024, WithArrayGrowth(true, 0.9))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, ba.Set(ctx, []uint64{uint64(w*10 + i)}))
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := ba.Get(ctx, []uint64{uint64(w*10 + i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, reports.Load())
	assert.Equal(t, int32(1), s.maxInflight.Load())
	assert.Equal(t, uint64(80), ba.Count())
}
