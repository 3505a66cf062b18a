package bf

import (
	"github.com/sirupsen/logrus"
)

const DefaultGrowRate = 0.5

type Options struct {
	Strategy   Strategy
	Hasher     Hasher
	HasherName string

	Grow     bool
	GrowRate float64

	Logger  logrus.FieldLogger
	Metrics *Metrics
	Meta    MetaStore
}

type Option func(ops *Options)

func defaultOptions() *Options {
	return &Options{
		Strategy:   DoubleHash64,
		Hasher:     Murmur3,
		HasherName: "murmur3",
		Grow:       true,
		GrowRate:   DefaultGrowRate,
		Logger:     logrus.StandardLogger(),
	}
}

func WithStrategy(s Strategy) Option {
	return func(ops *Options) {
		ops.Strategy = s
	}
}

// WithHasher sets the member hash. name is recorded in the metadata so a
// restart with a different hash can be detected.
func WithHasher(name string, h Hasher) Option {
	return func(ops *Options) {
		ops.HasherName = name
		ops.Hasher = h
	}
}

// WithGrowth toggles shard growth. A rate <= 0 keeps the current rate.
func WithGrowth(enabled bool, rate float64) Option {
	return func(ops *Options) {
		ops.Grow = enabled
		if rate > 0 {
			ops.GrowRate = rate
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(ops *Options) {
		if l != nil {
			ops.Logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(ops *Options) {
		ops.Metrics = m
	}
}

func WithMetaStore(m MetaStore) Option {
	return func(ops *Options) {
		ops.Meta = m
	}
}
