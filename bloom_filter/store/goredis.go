package store

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var (
	goRedisSetBits   = redis.NewScript(setBitsScript)
	goRedisGetBits   = redis.NewScript(getBitsScript)
	goRedisCopyUnion = redis.NewScript(copyUnionScript)
	goRedisClear     = redis.NewScript(clearScript)
)

// GoRedisStore runs the bitmap scripts through go-redis. Scripts are sent
// with EVALSHA and fall back to EVAL when the server has not cached them.
type GoRedisStore struct {
	client redis.UniversalClient
}

func NewGoRedisStore(client redis.UniversalClient) *GoRedisStore {
	return &GoRedisStore{client: client}
}

func (s *GoRedisStore) SetBits(ctx context.Context, keys []string, offsets []uint64) error {
	if len(keys) == 0 || len(offsets) == 0 {
		return nil
	}
	if err := checkOffsets(offsets); err != nil {
		return err
	}
	err := goRedisSetBits.Run(ctx, s.client, keys, offsetArgs(offsets)...).Err()
	if err != nil && err != redis.Nil {
		return errors.WithMessage(err, "setbits script failed")
	}
	return nil
}

func (s *GoRedisStore) GetBits(ctx context.Context, keys []string, offsets []uint64) ([]bool, error) {
	if len(keys) == 0 || len(offsets) == 0 {
		return []bool{}, nil
	}
	if err := checkOffsets(offsets); err != nil {
		return nil, err
	}
	reply, err := goRedisGetBits.Run(ctx, s.client, keys, offsetArgs(offsets)...).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "getbits script failed")
	}
	return bitsFromReply(reply, len(keys)*len(offsets))
}

func (s *GoRedisStore) CopyUnion(ctx context.Context, sources []string, target string) error {
	if len(sources) == 0 {
		return nil
	}
	keys := append(append(make([]string, 0, len(sources)+1), sources...), target)
	if err := goRedisCopyUnion.Run(ctx, s.client, keys).Err(); err != nil {
		return errors.WithMessage(err, "copyunion script failed")
	}
	return nil
}

func (s *GoRedisStore) Clear(ctx context.Context, keys []string, bitSize uint64) error {
	if len(keys) == 0 {
		return nil
	}
	if bitSize == 0 || bitSize > MaxBitSize {
		return errors.WithMessagef(ErrBitOffsetOutOfRange, "bit size %d", bitSize)
	}
	if err := goRedisClear.Run(ctx, s.client, keys, bitSize).Err(); err != nil {
		return errors.WithMessage(err, "clear script failed")
	}
	return nil
}

func (s *GoRedisStore) BitCount(ctx context.Context, key string) (uint64, error) {
	n, err := s.client.BitCount(ctx, key, nil).Result()
	if err != nil {
		return 0, errors.WithMessage(err, "bitcount failed")
	}
	return uint64(n), nil
}

func (s *GoRedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.WithMessage(err, "del failed")
	}
	return nil
}
