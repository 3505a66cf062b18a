package store

import (
	"context"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
)

type BreakerConfig struct {
	Timeout               time.Duration
	MaxConcurrentRequests int
	// RequestVolumeThreshold is the minimum number of requests in a window
	// before the breaker may open.
	RequestVolumeThreshold int
	SleepWindow            time.Duration
	ErrorPercentThreshold  int
}

var DefaultBreakerConfig = BreakerConfig{
	Timeout:                time.Second,
	MaxConcurrentRequests:  100,
	RequestVolumeThreshold: 20,
	SleepWindow:            5 * time.Second,
	ErrorPercentThreshold:  50,
}

// BreakerStore guards another Store with a hystrix circuit breaker. Calls
// fail fast with hystrix.ErrCircuitOpen while the circuit is open, or with
// hystrix.ErrMaxConcurrency when too many are in flight. A call that was
// started always runs to completion before BreakerStore returns, and its own
// result is returned: the command timeout only feeds the circuit statistics.
// Deadlines belong to the client's read and write timeouts and to ctx.
type BreakerStore struct {
	next    Store
	command string
}

func NewBreakerStore(next Store, command string, cfg BreakerConfig) *BreakerStore {
	hystrix.ConfigureCommand(command, hystrix.CommandConfig{
		Timeout:                int(cfg.Timeout / time.Millisecond),
		MaxConcurrentRequests:  cfg.MaxConcurrentRequests,
		RequestVolumeThreshold: cfg.RequestVolumeThreshold,
		SleepWindow:            int(cfg.SleepWindow / time.Millisecond),
		ErrorPercentThreshold:  cfg.ErrorPercentThreshold,
	})
	return &BreakerStore{next: next, command: command}
}

// do runs fn under the breaker. hystrix may give up on fn before it starts;
// in that case fn is abandoned and never runs.
func (s *BreakerStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		mu        sync.Mutex
		started   bool
		abandoned bool
		done      = make(chan error, 1)
	)
	err := hystrix.DoC(ctx, s.command, func(ctx context.Context) error {
		mu.Lock()
		if abandoned {
			mu.Unlock()
			return nil
		}
		started = true
		mu.Unlock()

		err := fn(ctx)
		done <- err
		return err
	}, nil)

	mu.Lock()
	run := started
	if !run {
		abandoned = true
	}
	mu.Unlock()
	if !run {
		return err
	}
	return <-done
}

func (s *BreakerStore) SetBits(ctx context.Context, keys []string, offsets []uint64) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.SetBits(ctx, keys, offsets)
	})
}

func (s *BreakerStore) GetBits(ctx context.Context, keys []string, offsets []uint64) ([]bool, error) {
	var bits []bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		bits, err = s.next.GetBits(ctx, keys, offsets)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bits, nil
}

func (s *BreakerStore) CopyUnion(ctx context.Context, sources []string, target string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.CopyUnion(ctx, sources, target)
	})
}

func (s *BreakerStore) Clear(ctx context.Context, keys []string, bitSize uint64) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.Clear(ctx, keys, bitSize)
	})
}

func (s *BreakerStore) BitCount(ctx context.Context, key string) (uint64, error) {
	var n uint64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.next.BitCount(ctx, key)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.next.Delete(ctx, keys...)
	})
}
