package bf

import (
	"encoding/binary"

	"github.com/creachadair/cityhash"
	farm "github.com/dgryski/go-farm"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Hasher produces the two 64-bit halves of a 128-bit hash of an encoded member.
type Hasher func(data []byte) (h1, h2 uint64)

func Murmur3(data []byte) (uint64, uint64) {
	return murmur3.Sum128(data)
}

func Farm(data []byte) (uint64, uint64) {
	return farm.Fingerprint128(data)
}

func City(data []byte) (uint64, uint64) {
	return cityhash.Hash128(data)
}

// Highway returns a keyed HighwayHash-128 Hasher. key must be 32 bytes.
func Highway(key []byte) (Hasher, error) {
	if len(key) != highwayhash.Size {
		return nil, errors.WithMessagef(ErrInvalidArgument, "highwayhash key must be %d bytes, got %d", highwayhash.Size, len(key))
	}
	k := append([]byte(nil), key...)
	return func(data []byte) (uint64, uint64) {
		sum := highwayhash.Sum128(data, k)
		return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
	}, nil
}

// HasherByName resolves murmur3, farm, city or highway. The key is only
// used by highway.
func HasherByName(name string, key []byte) (Hasher, error) {
	switch name {
	case "", "murmur3":
		return Murmur3, nil
	case "farm":
		return Farm, nil
	case "city":
		return City, nil
	case "highway":
		return Highway(key)
	}
	return nil, errors.WithMessagef(ErrInvalidArgument, "unknown hasher %q", name)
}
