package store

import (
	"context"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

var (
	redigoSetBits   = redis.NewScript(-1, setBitsScript)
	redigoGetBits   = redis.NewScript(-1, getBitsScript)
	redigoCopyUnion = redis.NewScript(-1, copyUnionScript)
	redigoClear     = redis.NewScript(-1, clearScript)
)

// RedigoStore runs the bitmap scripts on connections borrowed from a redigo pool.
type RedigoStore struct {
	pool *redis.Pool
}

func NewRedigoStore(pool *redis.Pool) *RedigoStore {
	return &RedigoStore{pool: pool}
}

func scriptArgs(keys []string, args []interface{}) []interface{} {
	ret := make([]interface{}, 0, 1+len(keys)+len(args))
	ret = append(ret, len(keys))
	for _, k := range keys {
		ret = append(ret, k)
	}
	return append(ret, args...)
}

func (s *RedigoStore) do(ctx context.Context, fn func(conn redis.Conn) (interface{}, error)) (interface{}, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *RedigoStore) SetBits(ctx context.Context, keys []string, offsets []uint64) error {
	if len(keys) == 0 || len(offsets) == 0 {
		return nil
	}
	if err := checkOffsets(offsets); err != nil {
		return err
	}
	_, err := s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return redigoSetBits.Do(conn, scriptArgs(keys, offsetArgs(offsets))...)
	})
	if err != nil {
		return errors.WithMessage(err, "setbits script failed")
	}
	return nil
}

func (s *RedigoStore) GetBits(ctx context.Context, keys []string, offsets []uint64) ([]bool, error) {
	if len(keys) == 0 || len(offsets) == 0 {
		return []bool{}, nil
	}
	if err := checkOffsets(offsets); err != nil {
		return nil, err
	}
	reply, err := s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return redigoGetBits.Do(conn, scriptArgs(keys, offsetArgs(offsets))...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "getbits script failed")
	}
	return bitsFromReply(reply, len(keys)*len(offsets))
}

func (s *RedigoStore) CopyUnion(ctx context.Context, sources []string, target string) error {
	if len(sources) == 0 {
		return nil
	}
	keys := append(append(make([]string, 0, len(sources)+1), sources...), target)
	_, err := s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return redigoCopyUnion.Do(conn, scriptArgs(keys, nil)...)
	})
	if err != nil {
		return errors.WithMessage(err, "copyunion script failed")
	}
	return nil
}

func (s *RedigoStore) Clear(ctx context.Context, keys []string, bitSize uint64) error {
	if len(keys) == 0 {
		return nil
	}
	if bitSize == 0 || bitSize > MaxBitSize {
		return errors.WithMessagef(ErrBitOffsetOutOfRange, "bit size %d", bitSize)
	}
	_, err := s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return redigoClear.Do(conn, scriptArgs(keys, []interface{}{bitSize})...)
	})
	if err != nil {
		return errors.WithMessage(err, "clear script failed")
	}
	return nil
}

func (s *RedigoStore) BitCount(ctx context.Context, key string) (uint64, error) {
	n, err := redis.Uint64(s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return conn.Do("BITCOUNT", key)
	}))
	if err != nil {
		return 0, errors.WithMessage(err, "bitcount failed")
	}
	return n, nil
}

func (s *RedigoStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.do(ctx, func(conn redis.Conn) (interface{}, error) {
		return conn.Do("DEL", redis.Args{}.AddFlat(keys)...)
	})
	if err != nil {
		return errors.WithMessage(err, "del failed")
	}
	return nil
}
