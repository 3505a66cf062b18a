package bf

import (
	"context"
	"sort"

	"github.com/codingWhat/redisbloom/bloom_filter/meta"
	"github.com/codingWhat/redisbloom/bloom_filter/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// MetaStore durably tracks filter descriptors. meta.BoltStore implements it.
type MetaStore interface {
	Save(rec meta.Record) error
	Delete(names ...string) error
	Load() ([]meta.Record, error)
}

// Descriptor describes one live filter.
type Descriptor struct {
	Name               string   `json:"name"`
	ExpectedInsertions int64    `json:"expected_insertions"`
	FPP                float64  `json:"fpp"`
	BitSize            uint64   `json:"bit_size"`
	NumHashFunctions   uint32   `json:"num_hash_functions"`
	ShardKeys          []string `json:"shard_keys"`
	Count              uint64   `json:"count"`
}

type filter struct {
	name               string
	expectedInsertions int64
	fpp                float64
	numHashFunctions   uint32
	bits               *BitArray
}

// Registry maps filter names to Redis backed growable bloom filters. A name
// is created on its first Put and sized by the arguments of that Put. Names
// that were never created read as empty.
type Registry[T any] struct {
	store   store.Store
	funnel  Funnel[T]
	filters *shardedMap
	sg      singleflight.Group

	logger  logrus.FieldLogger
	metrics *Metrics
	ops     *Options
}

func NewRegistry[T any](s store.Store, funnel Funnel[T], options ...Option) *Registry[T] {
	ops := defaultOptions()
	for _, op := range options {
		op(ops)
	}
	return &Registry[T]{
		store:   s,
		funnel:  funnel,
		filters: newShardedMap(),
		logger:  ops.Logger,
		metrics: ops.Metrics,
		ops:     ops,
	}
}

func (r *Registry[T]) Put(ctx context.Context, name string, member T, expectedInsertions int64, fpp float64) error {
	f, err := r.resolve(name, expectedInsertions, fpp)
	if err != nil {
		return err
	}
	if err := f.bits.Set(ctx, r.positions(f, member)); err != nil {
		return err
	}
	r.metrics.markPut(1)
	return nil
}

// PutAll writes every member with one store call.
func (r *Registry[T]) PutAll(ctx context.Context, name string, expectedInsertions int64, fpp float64, members []T) error {
	f, err := r.resolve(name, expectedInsertions, fpp)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if err := f.bits.SetBatch(ctx, r.groups(f, members)); err != nil {
		return err
	}
	r.metrics.markPut(len(members))
	return nil
}

// Declare creates name without inserting anything. It is a no-op when name
// already exists.
func (r *Registry[T]) Declare(name string, expectedInsertions int64, fpp float64) error {
	_, err := r.resolve(name, expectedInsertions, fpp)
	return err
}

func (r *Registry[T]) MightContain(ctx context.Context, name string, member T) (bool, error) {
	f, ok := r.filters.get(name)
	if !ok {
		return false, nil
	}
	ret, err := f.bits.Get(ctx, r.positions(f, member))
	if err != nil {
		return false, err
	}
	r.metrics.markContains(ret)
	return ret, nil
}

func (r *Registry[T]) MightContainAll(ctx context.Context, name string, members []T) ([]bool, error) {
	f, ok := r.filters.get(name)
	if !ok {
		return make([]bool, len(members)), nil
	}
	ret, err := f.bits.GetBatch(ctx, r.groups(f, members))
	if err != nil {
		return nil, err
	}
	r.metrics.markContains(ret...)
	return ret, nil
}

// Remove deletes every shard of name and forgets it. Operations already
// holding the filter lock complete first, later ones see an unknown name.
func (r *Registry[T]) Remove(ctx context.Context, name string) error {
	return r.RemoveAll(ctx, []string{name})
}

// RemoveAll is Remove for many names with a single delete call. Unknown
// names are skipped.
func (r *Registry[T]) RemoveAll(ctx context.Context, names []string) error {
	var (
		found  []*filter
		arrays []*BitArray
		seen   = make(map[string]struct{}, len(names))
	)
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if f, ok := r.filters.get(name); ok {
			found = append(found, f)
			arrays = append(arrays, f.bits)
		}
	}
	if len(found) == 0 {
		return nil
	}
	if err := dropArrays(ctx, arrays); err != nil {
		return err
	}

	removed := make([]string, 0, len(found))
	for _, f := range found {
		if r.filters.compareAndDelete(f.name, f) {
			removed = append(removed, f.name)
		}
	}
	r.logger.WithField("filters", removed).Info("bloom filters removed")
	if r.ops.Meta != nil && len(removed) > 0 {
		if err := r.ops.Meta.Delete(removed...); err != nil {
			r.logger.WithError(err).WithField("filters", removed).Warn("delete bloom filter meta failed")
		}
	}
	return nil
}

func (r *Registry[T]) Reset(ctx context.Context, name string) error {
	f, ok := r.filters.get(name)
	if !ok {
		return nil
	}
	return f.bits.Reset(ctx)
}

func (r *Registry[T]) Descriptor(name string) (Descriptor, bool) {
	f, ok := r.filters.get(name)
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{
		Name:               f.name,
		ExpectedInsertions: f.expectedInsertions,
		FPP:                f.fpp,
		BitSize:            f.bits.BitSize(),
		NumHashFunctions:   f.numHashFunctions,
		ShardKeys:          f.bits.Keys(),
		Count:              f.bits.Count(),
	}, true
}

// Names returns the live filter names, sorted.
func (r *Registry[T]) Names() []string {
	names := r.filters.keys()
	sort.Strings(names)
	return names
}

func (r *Registry[T]) Len() int {
	return int(r.filters.len())
}

// Restore registers every filter recorded in the meta store, with the shard
// chain it had when it was saved. Names that already exist are kept.
// Records written with another strategy or hasher are skipped.
func (r *Registry[T]) Restore(ctx context.Context) (int, error) {
	if r.ops.Meta == nil {
		return 0, nil
	}
	recs, err := r.ops.Meta.Load()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		log := r.logger.WithField("filter", rec.Name)
		if rec.Strategy != r.ops.Strategy.String() || rec.Hasher != r.ops.HasherName {
			log.WithFields(logrus.Fields{
				"strategy": rec.Strategy,
				"hasher":   rec.Hasher,
			}).Warn("skip bloom filter written with another hash strategy")
			continue
		}
		if rec.NumHashFunctions == 0 {
			log.Warn("skip bloom filter without hash functions")
			continue
		}
		f, err := r.newFilter(rec.Name, rec.ExpectedInsertions, rec.FPP, rec.BitSize, rec.NumHashFunctions, rec.ShardKeys)
		if err != nil {
			log.WithError(err).Warn("skip invalid bloom filter meta")
			continue
		}
		if _, loaded := r.filters.loadOrStore(rec.Name, f); !loaded {
			restored++
		}
	}
	r.logger.WithField("filters", restored).Info("bloom filters restored")
	return restored, nil
}

// resolve validates the sizing arguments and returns the filter for name,
// creating it when absent. Concurrent creators of one name share a single
// construction and the first registered filter wins.
func (r *Registry[T]) resolve(name string, expectedInsertions int64, fpp float64) (*filter, error) {
	if err := checkSizing(expectedInsertions, fpp); err != nil {
		return nil, err
	}
	if f, ok := r.filters.get(name); ok {
		return f, nil
	}

	v, err, _ := r.sg.Do(name, func() (interface{}, error) {
		if f, ok := r.filters.get(name); ok {
			return f, nil
		}
		bitSize, k, err := SizeFor(expectedInsertions, fpp)
		if err != nil {
			return nil, err
		}
		f, err := r.newFilter(name, expectedInsertions, fpp, bitSize, k, nil)
		if err != nil {
			return nil, err
		}
		actual, loaded := r.filters.loadOrStore(name, f)
		if !loaded {
			r.logger.WithFields(logrus.Fields{
				"filter":             name,
				"bit_size":           bitSize,
				"num_hash_functions": k,
			}).Debug("bloom filter created")
			f.bits.withKeys(func(keys []string) { r.saveMeta(f, keys) })
		}
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*filter), nil
}

func (r *Registry[T]) newFilter(name string, n int64, fpp float64, bitSize uint64, k uint32, keys []string) (*filter, error) {
	f := &filter{
		name:               name,
		expectedInsertions: n,
		fpp:                fpp,
		numHashFunctions:   k,
	}
	bits, err := NewBitArray(name, r.store, bitSize,
		WithArrayGrowth(r.ops.Grow, r.ops.GrowRate),
		WithShardKeys(keys),
		WithArrayLogger(r.logger),
		WithArrayMetrics(r.metrics),
		WithGrowHook(func(keys []string) { r.saveMeta(f, keys) }),
	)
	if err != nil {
		return nil, err
	}
	f.bits = bits
	return f, nil
}

func (r *Registry[T]) saveMeta(f *filter, keys []string) {
	if r.ops.Meta == nil {
		return
	}
	rec := meta.Record{
		Name:               f.name,
		ExpectedInsertions: f.expectedInsertions,
		FPP:                f.fpp,
		BitSize:            f.bits.BitSize(),
		NumHashFunctions:   f.numHashFunctions,
		ShardKeys:          keys,
		Strategy:           r.ops.Strategy.String(),
		Hasher:             r.ops.HasherName,
	}
	if err := r.ops.Meta.Save(rec); err != nil {
		r.logger.WithError(err).WithField("filter", f.name).Warn("save bloom filter meta failed")
	}
}

func (r *Registry[T]) positions(f *filter, member T) []uint64 {
	h1, h2 := r.ops.Hasher(r.funnel.Append(nil, member))
	return r.ops.Strategy.Positions(h1, h2, f.numHashFunctions, f.bits.BitSize())
}

func (r *Registry[T]) groups(f *filter, members []T) [][]uint64 {
	ret := make([][]uint64, len(members))
	var buf []byte
	for i, m := range members {
		buf = r.funnel.Append(buf[:0], m)
		h1, h2 := r.ops.Hasher(buf)
		ret[i] = r.ops.Strategy.Positions(h1, h2, f.numHashFunctions, f.bits.BitSize())
	}
	return ret
}
