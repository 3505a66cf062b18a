package store

import (
	"context"

	"github.com/pkg/errors"
)

// MaxBitSize is the largest bitmap a single Redis key can hold (512MB).
const MaxBitSize uint64 = 1 << 32

var ErrBitOffsetOutOfRange = errors.New("bit offset is out of range")

// Store is the remote bitmap capability set a bit array is built on.
// Every multi-key call is applied atomically by the server.
type Store interface {
	// SetBits sets every offset in every key.
	SetBits(ctx context.Context, keys []string, offsets []uint64) error
	// GetBits reports every (key, offset) bit, key-major:
	// reply[k*len(offsets)+i] is offsets[i] in keys[k].
	GetBits(ctx context.Context, keys []string, offsets []uint64) ([]bool, error)
	// CopyUnion ORs every source bitmap into target.
	CopyUnion(ctx context.Context, sources []string, target string) error
	// Clear zeroes each key, leaving a bitmap of bitSize bits.
	Clear(ctx context.Context, keys []string, bitSize uint64) error
	BitCount(ctx context.Context, key string) (uint64, error)
	Delete(ctx context.Context, keys ...string) error
}

func checkOffsets(offsets []uint64) error {
	for _, offset := range offsets {
		if offset >= MaxBitSize {
			return errors.WithMessagef(ErrBitOffsetOutOfRange, "offset %d", offset)
		}
	}
	return nil
}

func offsetArgs(offsets []uint64) []interface{} {
	args := make([]interface{}, len(offsets))
	for i, offset := range offsets {
		args[i] = offset
	}
	return args
}

func bitsFromReply(reply interface{}, want int) ([]bool, error) {
	values, ok := reply.([]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected getbits reply %T", reply)
	}
	if len(values) != want {
		return nil, errors.Errorf("getbits reply has %d bits, want %d", len(values), want)
	}
	bits := make([]bool, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, errors.Errorf("unexpected getbits element %T", v)
		}
		bits[i] = n == 1
	}
	return bits, nil
}
