package bf

import (
	"encoding/binary"
	"math"
)

// Funnel appends the canonical byte form of a member to dst. Two members
// are the same to a filter exactly when their funnelled bytes are equal.
type Funnel[T any] interface {
	Append(dst []byte, member T) []byte
}

type FunnelFunc[T any] func(dst []byte, member T) []byte

func (f FunnelFunc[T]) Append(dst []byte, member T) []byte { return f(dst, member) }

var (
	StringFunnel Funnel[string] = FunnelFunc[string](func(dst []byte, s string) []byte {
		return append(dst, s...)
	})

	BytesFunnel Funnel[[]byte] = FunnelFunc[[]byte](func(dst []byte, b []byte) []byte {
		return append(dst, b...)
	})

	Int64Funnel Funnel[int64] = FunnelFunc[int64](func(dst []byte, v int64) []byte {
		return binary.LittleEndian.AppendUint64(dst, uint64(v))
	})

	Int32Funnel Funnel[int32] = FunnelFunc[int32](func(dst []byte, v int32) []byte {
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	})

	Uint64Funnel Funnel[uint64] = FunnelFunc[uint64](func(dst []byte, v uint64) []byte {
		return binary.LittleEndian.AppendUint64(dst, v)
	})

	Float64Funnel Funnel[float64] = FunnelFunc[float64](func(dst []byte, v float64) []byte {
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	})
)
