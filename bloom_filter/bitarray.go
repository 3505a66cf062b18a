package bf

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codingWhat/redisbloom/bloom_filter/store"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// BitArray is one logical bit array kept as a chain of mirrored Redis
// bitmaps. The first key is the filter name, later keys are name-1, name-2...
// Every key holds every set bit, so a position is set only when it is set in
// all of them.
type BitArray struct {
	name     string
	store    store.Store
	bitSize  uint64
	grow     bool
	growRate float64

	// mu guards keys and dropped, and serialises writers against readers.
	mu      deadlock.RWMutex
	keys    []string
	dropped bool

	count atomic.Uint64

	onGrow  func(keys []string)
	logger  logrus.FieldLogger
	metrics *Metrics
}

type ArrayOption func(*BitArray)

// WithArrayGrowth enables appending a shard once the last shard has more
// than bitSize*rate bits set.
func WithArrayGrowth(enabled bool, rate float64) ArrayOption {
	return func(b *BitArray) {
		b.grow = enabled
		if rate > 0 {
			b.growRate = rate
		}
	}
}

// WithShardKeys restores an array that already grew.
func WithShardKeys(keys []string) ArrayOption {
	return func(b *BitArray) {
		if len(keys) > 0 {
			b.keys = append([]string(nil), keys...)
		}
	}
}

// WithGrowHook is called with the new key chain, under the write lock,
// every time the chain changes.
func WithGrowHook(fn func(keys []string)) ArrayOption {
	return func(b *BitArray) {
		b.onGrow = fn
	}
}

func WithArrayLogger(l logrus.FieldLogger) ArrayOption {
	return func(b *BitArray) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithArrayMetrics(m *Metrics) ArrayOption {
	return func(b *BitArray) {
		b.metrics = m
	}
}

func NewBitArray(name string, s store.Store, bitSize uint64, opts ...ArrayOption) (*BitArray, error) {
	if bitSize == 0 || bitSize > store.MaxBitSize {
		return nil, invalidArgument("bit size (%d) must be in [1, %d]", bitSize, store.MaxBitSize)
	}
	b := &BitArray{
		name:     name,
		store:    s,
		bitSize:  bitSize,
		growRate: DefaultGrowRate,
		keys:     []string{name},
		logger:   logrus.StandardLogger(),
	}
	for _, op := range opts {
		op(b)
	}
	if b.keys[0] != name {
		return nil, invalidArgument("first shard key %q must be the filter name %q", b.keys[0], name)
	}
	return b, nil
}

func (b *BitArray) BitSize() uint64 { return b.bitSize }

// Count is the number of members written since creation or the last reset.
// It is advisory only.
func (b *BitArray) Count() uint64 { return b.count.Load() }

func (b *BitArray) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.keys...)
}

// withKeys calls fn with the key chain under the read lock, ordering fn
// against growth and the grow hook.
func (b *BitArray) withKeys(fn func(keys []string)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(append([]string(nil), b.keys...))
}

func (b *BitArray) Set(ctx context.Context, positions []uint64) error {
	return b.set(ctx, 1, positions)
}

// SetBatch writes every group in one store call.
func (b *BitArray) SetBatch(ctx context.Context, groups [][]uint64) error {
	return b.set(ctx, len(groups), flatten(groups))
}

func (b *BitArray) set(ctx context.Context, members int, positions []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return nil
	}
	b.count.Add(uint64(members))
	if err := b.ensureCapacity(ctx); err != nil {
		return err
	}
	return b.call("setbits", func() error {
		return b.store.SetBits(ctx, b.keys, positions)
	})
}

// ensureCapacity appends a shard seeded from the first one when the last
// shard is saturated. Shards mirror each other, so the first key already
// holds every set bit. The key is only added to the chain once the copy
// succeeded. Callers hold the write lock.
func (b *BitArray) ensureCapacity(ctx context.Context) error {
	if !b.grow {
		return nil
	}
	last := b.keys[len(b.keys)-1]
	var setBits uint64
	err := b.call("bitcount", func() (err error) {
		setBits, err = b.store.BitCount(ctx, last)
		return err
	})
	if err != nil {
		return err
	}
	if float64(setBits) <= float64(b.bitSize)*b.growRate {
		return nil
	}

	next := fmt.Sprintf("%s-%d", b.name, len(b.keys))
	err = b.call("copyunion", func() error {
		return b.store.CopyUnion(ctx, b.keys[:1], next)
	})
	if err != nil {
		return err
	}
	b.keys = append(b.keys, next)
	b.metrics.markGrow()
	b.logger.WithFields(logrus.Fields{
		"filter":   b.name,
		"shard":    next,
		"shards":   len(b.keys),
		"set_bits": setBits,
	}).Info("bloom filter grew")
	b.notify()
	return nil
}

func (b *BitArray) Get(ctx context.Context, positions []uint64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dropped {
		return false, nil
	}
	var bits []bool
	err := b.call("getbits", func() (err error) {
		bits, err = b.store.GetBits(ctx, b.keys, positions)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, bit := range bits {
		if !bit {
			return false, nil
		}
	}
	return true, nil
}

// GetBatch answers each group independently, in order, from one store call.
func (b *BitArray) GetBatch(ctx context.Context, groups [][]uint64) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := make([]bool, len(groups))
	if b.dropped || len(groups) == 0 {
		return ret, nil
	}
	flat := flatten(groups)
	var bits []bool
	err := b.call("getbits", func() (err error) {
		bits, err = b.store.GetBits(ctx, b.keys, flat)
		return err
	})
	if err != nil {
		return nil, err
	}

	n := len(flat)
	offset := 0
	for g, group := range groups {
		ret[g] = allSet(bits, n, len(b.keys), offset, len(group))
		offset += len(group)
	}
	return ret, nil
}

// allSet checks positions [offset, offset+size) in every shard of a
// key-major reply holding n positions per shard.
func allSet(bits []bool, n, shards, offset, size int) bool {
	for i := offset; i < offset+size; i++ {
		for s := 0; s < shards; s++ {
			if !bits[s*n+i] {
				return false
			}
		}
	}
	return true
}

// Reset clears the first shard, forgets and deletes the others and zeroes Count.
func (b *BitArray) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return nil
	}
	first := b.keys[:1:1]
	err := b.call("clear", func() error {
		return b.store.Clear(ctx, first, b.bitSize)
	})
	if err != nil {
		return err
	}
	extra := b.keys[1:]
	b.keys = first
	b.count.Store(0)
	b.notify()
	if len(extra) == 0 {
		return nil
	}
	return b.call("delete", func() error {
		return b.store.Delete(ctx, extra...)
	})
}

// Drop deletes every shard. The array answers false and ignores writes
// afterwards. A failed delete leaves the array live.
func (b *BitArray) Drop(ctx context.Context) error {
	return dropArrays(ctx, []*BitArray{b})
}

// dropArrays deletes the shards of every live array with a single store call.
// All arrays must share one store. Locks are taken in name order.
func dropArrays(ctx context.Context, arrays []*BitArray) error {
	sorted := append([]*BitArray(nil), arrays...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	var (
		live  []*BitArray
		names []string
		keys  []string
	)
	for _, b := range sorted {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.dropped {
			continue
		}
		live = append(live, b)
		names = append(names, b.name)
		keys = append(keys, b.keys...)
	}
	if len(live) == 0 {
		return nil
	}
	first := live[0]
	err := callStore(first.logger, first.metrics, strings.Join(names, ","), "delete", func() error {
		return first.store.Delete(ctx, keys...)
	})
	if err != nil {
		return err
	}
	for _, b := range live {
		b.dropped = true
	}
	return nil
}

func (b *BitArray) notify() {
	if b.onGrow != nil {
		b.onGrow(append([]string(nil), b.keys...))
	}
}

func (b *BitArray) call(op string, fn func() error) error {
	return callStore(b.logger, b.metrics, b.name, op, fn)
}

func callStore(logger logrus.FieldLogger, m *Metrics, filter, op string, fn func() error) error {
	begin := time.Now()
	err := fn()
	m.observe(begin, err)
	if err != nil {
		logger.WithFields(logrus.Fields{"filter": filter, "op": op}).WithError(err).Warn("bloom filter store call failed")
		return opError(filter, op, err)
	}
	return nil
}

func flatten(groups [][]uint64) []uint64 {
	size := 0
	for _, g := range groups {
		size += len(g)
	}
	ret := make([]uint64, 0, size)
	for _, g := range groups {
		ret = append(ret, g...)
	}
	return ret
}
