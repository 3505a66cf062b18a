package bf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codingWhat/redisbloom/bloom_filter/meta"
	"github.com/codingWhat/redisbloom/bloom_filter/store"
)

var errBoom = errors.New("connection refused")

// untouchableStore fails the test on any call.
type untouchableStore struct{ t *testing.T }

func (s untouchableStore) fail(op string) error {
	s.t.Errorf("unexpected store call %s", op)
	return errBoom
}

func (s untouchableStore) SetBits(context.Context, []string, []uint64) error {
	return s.fail("SetBits")
}

func (s untouchableStore) GetBits(context.Context, []string, []uint64) ([]bool, error) {
	return nil, s.fail("GetBits")
}

func (s untouchableStore) CopyUnion(context.Context, []string, string) error {
	return s.fail("CopyUnion")
}

func (s untouchableStore) Clear(context.Context, []string, uint64) error {
	return s.fail("Clear")
}

func (s untouchableStore) BitCount(context.Context, string) (uint64, error) {
	return 0, s.fail("BitCount")
}

func (s untouchableStore) Delete(context.Context, ...string) error {
	return s.fail("Delete")
}

// spyStore wraps a MemoryStore, counts calls, tracks writers in flight and
// can fail chosen operations.
type spyStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	calls   map[string]int
	deleted [][]string
	copied  [][]string
	failOn  map[string]bool

	inflight    atomic.Int32
	maxInflight atomic.Int32
	writeDelay  time.Duration
}

func newSpyStore() *spyStore {
	return &spyStore{
		MemoryStore: store.NewMemoryStore(),
		calls:       make(map[string]int),
		failOn:      make(map[string]bool),
	}
}

func (s *spyStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failOn[op] {
		return errBoom
	}
	return nil
}

func (s *spyStore) setFail(op string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[op] = fail
}

func (s *spyStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *spyStore) SetBits(ctx context.Context, keys []string, offsets []uint64) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if err := s.record("SetBits"); err != nil {
		return err
	}
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	return s.MemoryStore.SetBits(ctx, keys, offsets)
}

func (s *spyStore) GetBits(ctx context.Context, keys []string, offsets []uint64) ([]bool, error) {
	if err := s.record("GetBits"); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetBits(ctx, keys, offsets)
}

func (s *spyStore) CopyUnion(ctx context.Context, sources []string, target string) error {
	if err := s.record("CopyUnion"); err != nil {
		return err
	}
	s.mu.Lock()
	s.copied = append(s.copied, append([]string(nil), sources...))
	s.mu.Unlock()
	return s.MemoryStore.CopyUnion(ctx, sources, target)
}

func (s *spyStore) Clear(ctx context.Context, keys []string, bitSize uint64) error {
	if err := s.record("Clear"); err != nil {
		return err
	}
	return s.MemoryStore.Clear(ctx, keys, bitSize)
}

func (s *spyStore) BitCount(ctx context.Context, key string) (uint64, error) {
	if err := s.record("BitCount"); err != nil {
		return 0, err
	}
	return s.MemoryStore.BitCount(ctx, key)
}

func (s *spyStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.record("Delete"); err != nil {
		return err
	}
	s.mu.Lock()
	s.deleted = append(s.deleted, append([]string(nil), keys...))
	s.mu.Unlock()
	return s.MemoryStore.Delete(ctx, keys...)
}

// memMeta is an in-memory MetaStore.
type memMeta struct {
	mu   sync.Mutex
	recs map[string]meta.Record
}

func newMemMeta() *memMeta {
	return &memMeta{recs: make(map[string]meta.Record)}
}

func (m *memMeta) Save(rec meta.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Name] = rec
	return nil
}

func (m *memMeta) Delete(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.recs, n)
	}
	return nil
}

func (m *memMeta) Load() ([]meta.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]meta.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		ret = append(ret, rec)
	}
	return ret, nil
}

func (m *memMeta) get(name string) (meta.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[name]
	return rec, ok
}

// blockingMeta holds the first Save until release is closed.
type blockingMeta struct {
	*memMeta
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingMeta() *blockingMeta {
	return &blockingMeta{
		memMeta: newMemMeta(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (m *blockingMeta) Save(rec meta.Record) error {
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.entered)
		<-m.release
	}
	return m.memMeta.Save(rec)
}
