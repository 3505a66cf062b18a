package conf

import (
	"encoding/hex"
	"os"
	"time"

	bf "github.com/codingWhat/redisbloom/bloom_filter"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	ClientGoRedis = "goredis"
	ClientRedigo  = "redigo"
	ClientMemory  = "memory"
)

type Config struct {
	Redis   Redis   `yaml:"redis"`
	Bloom   Bloom   `yaml:"bloom"`
	Breaker Breaker `yaml:"breaker"`

	MetaPath string `yaml:"meta_path"` // empty disables descriptor metadata

	HTTP HTTP `yaml:"http"`
	Log  Log  `yaml:"log"`

	Filters []FilterGroup `yaml:"filters"`
	Warmup  []Warmup      `yaml:"warmup"`
	Kafka   Kafka         `yaml:"kafka"`
}

type Redis struct {
	Client       string        `yaml:"client"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Bloom struct {
	Strategy   string  `yaml:"strategy"`
	Hash       string  `yaml:"hash"`
	HighwayKey string  `yaml:"highway_key"` // hex, 32 bytes
	Grow       bool    `yaml:"grow"`
	GrowRate   float64 `yaml:"grow_rate"`

	// DeadlockDetection turns on go-deadlock reporting for filter locks.
	DeadlockDetection bool `yaml:"deadlock_detection"`
}

type Breaker struct {
	Enabled         bool          `yaml:"enabled"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	ErrorPercent    int           `yaml:"error_percent"`
	VolumeThreshold int           `yaml:"volume_threshold"`
	SleepWindow     time.Duration `yaml:"sleep_window"`
}

type HTTP struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int     `yaml:"burst"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// FilterGroup declares the filters of one business prefix. Each field
// becomes the filter prefix:name.
type FilterGroup struct {
	Prefix string  `yaml:"prefix"`
	Fields []Field `yaml:"fields"`
}

type Field struct {
	Name               string        `yaml:"name"`
	ExpectedInsertions int64         `yaml:"expected_insertions"`
	FPP                float64       `yaml:"fpp"`
	TTL                time.Duration `yaml:"ttl"`
	ResetCron          string        `yaml:"reset_cron"`
}

type Warmup struct {
	Filter    string `yaml:"filter"`
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"`
	Column    string `yaml:"column"`
	BatchSize int    `yaml:"batch_size"`
}

type Kafka struct {
	Brokers       []string      `yaml:"brokers"`
	Group         string        `yaml:"group"`
	Topics        []string      `yaml:"topics"`
	Filter        string        `yaml:"filter"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Filter is a declared filter with its full name.
type Filter struct {
	Name string
	Field
}

func Default() *Config {
	return &Config{
		Redis: Redis{
			Client:       ClientGoRedis,
			Addr:         "127.0.0.1:6379",
			PoolSize:     20,
			DialTimeout:  time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Bloom: Bloom{
			Strategy: "64",
			Hash:     "murmur3",
			Grow:     true,
			GrowRate: bf.DefaultGrowRate,
		},
		Breaker: Breaker{
			Timeout:         time.Second,
			MaxConcurrent:   100,
			ErrorPercent:    50,
			VolumeThreshold: 20,
			SleepWindow:     5 * time.Second,
		},
		HTTP: HTTP{
			Addr:  "127.0.0.1:8081",
			Burst: 100,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Kafka: Kafka{
			BatchSize:     500,
			FlushInterval: time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := checkConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeclaredFilters flattens the filter groups.
func (c *Config) DeclaredFilters() []Filter {
	var ret []Filter
	for _, g := range c.Filters {
		for _, f := range g.Fields {
			ret = append(ret, Filter{Name: g.Prefix + ":" + f.Name, Field: f})
		}
	}
	return ret
}

// Lookup returns the declared filter called name.
func (c *Config) Lookup(name string) (Filter, bool) {
	for _, f := range c.DeclaredFilters() {
		if f.Name == name {
			return f, true
		}
	}
	return Filter{}, false
}

func (c *Config) Strategy() (bf.Strategy, error) {
	return bf.ParseStrategy(c.Bloom.Strategy)
}

func (c *Config) Hasher() (bf.Hasher, error) {
	var key []byte
	if c.Bloom.HighwayKey != "" {
		var err error
		if key, err = hex.DecodeString(c.Bloom.HighwayKey); err != nil {
			return nil, errors.Wrap(err, "decode highway_key")
		}
	}
	return bf.HasherByName(c.Bloom.Hash, key)
}

func checkConfig(c *Config) error {
	switch c.Redis.Client {
	case ClientGoRedis, ClientRedigo, ClientMemory:
	default:
		return errors.Errorf("unknown redis client %q", c.Redis.Client)
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	if _, err := c.Hasher(); err != nil {
		return err
	}
	if c.Bloom.GrowRate <= 0 || c.Bloom.GrowRate > 1 {
		return errors.Errorf("grow_rate (%v) must be in (0, 1]", c.Bloom.GrowRate)
	}

	seen := make(map[string]struct{})
	for _, f := range c.DeclaredFilters() {
		if _, dup := seen[f.Name]; dup {
			return errors.Errorf("filter %q declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, _, err := bf.SizeFor(f.ExpectedInsertions, f.FPP); err != nil {
			return errors.WithMessagef(err, "filter %q", f.Name)
		}
		if f.ResetCron != "" {
			if _, err := cron.ParseStandard(f.ResetCron); err != nil {
				return errors.WithMessagef(err, "filter %q reset_cron", f.Name)
			}
		}
		if f.TTL < 0 {
			return errors.Errorf("filter %q ttl must not be negative", f.Name)
		}
	}

	for _, w := range c.Warmup {
		if _, ok := seen[w.Filter]; !ok {
			return errors.Errorf("warmup filter %q is not declared", w.Filter)
		}
		if w.DSN == "" || w.Table == "" || w.Column == "" {
			return errors.Errorf("warmup of %q needs dsn, table and column", w.Filter)
		}
	}
	if len(c.Kafka.Brokers) > 0 {
		if _, ok := seen[c.Kafka.Filter]; !ok {
			return errors.Errorf("kafka filter %q is not declared", c.Kafka.Filter)
		}
		if c.Kafka.Group == "" || len(c.Kafka.Topics) == 0 {
			return errors.New("kafka needs group and topics")
		}
	}
	return nil
}
