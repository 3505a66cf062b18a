package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/willf/bitset"
)

// MemoryStore keeps bitmaps in process. A single mutex makes every call
// atomic, which is the same guarantee the Lua scripts give on Redis.
type MemoryStore struct {
	mu   sync.Mutex
	bits map[string]*bitset.BitSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bits: make(map[string]*bitset.BitSet)}
}

func (s *MemoryStore) bitmap(key string) *bitset.BitSet {
	b, ok := s.bits[key]
	if !ok {
		b = bitset.New(0)
		s.bits[key] = b
	}
	return b
}

func (s *MemoryStore) SetBits(_ context.Context, keys []string, offsets []uint64) error {
	if err := checkOffsets(offsets); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		b := s.bitmap(key)
		for _, offset := range offsets {
			b.Set(uint(offset))
		}
	}
	return nil
}

func (s *MemoryStore) GetBits(_ context.Context, keys []string, offsets []uint64) ([]bool, error) {
	if err := checkOffsets(offsets); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]bool, 0, len(keys)*len(offsets))
	for _, key := range keys {
		b, ok := s.bits[key]
		for _, offset := range offsets {
			ret = append(ret, ok && b.Test(uint(offset)))
		}
	}
	return ret, nil
}

func (s *MemoryStore) CopyUnion(_ context.Context, sources []string, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.bitmap(target)
	for _, src := range sources {
		if b, ok := s.bits[src]; ok {
			t.InPlaceUnion(b)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, keys []string, bitSize uint64) error {
	if bitSize == 0 || bitSize > MaxBitSize {
		return errors.WithMessagef(ErrBitOffsetOutOfRange, "bit size %d", bitSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.bits[key] = bitset.New(uint(bitSize))
	}
	return nil
}

func (s *MemoryStore) BitCount(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bits[key]
	if !ok {
		return 0, nil
	}
	return uint64(b.Count()), nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.bits, key)
	}
	return nil
}

// Exists reports whether key currently holds a bitmap.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bits[key]
	return ok
}
