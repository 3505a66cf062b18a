package main

import (
	"time"

	"github.com/codingWhat/redisbloom/bloom_filter/store"
	"github.com/codingWhat/redisbloom/conf"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
)

// newStore builds the bitmap store named by the config, wrapped in a circuit
// breaker when enabled. The returned func releases its connections.
func newStore(config *conf.Config) (store.Store, func(), error) {
	c := config.Redis
	var (
		s       store.Store
		closeFn = func() {}
	)
	switch c.Client {
	case conf.ClientGoRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:        []string{c.Addr},
			Password:     c.Password,
			DB:           c.DB,
			PoolSize:     c.PoolSize,
			DialTimeout:  c.DialTimeout,
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
		})
		s = store.NewGoRedisStore(client)
		closeFn = func() { _ = client.Close() }
	case conf.ClientRedigo:
		pool := newRedigoPool(c)
		s = store.NewRedigoStore(pool)
		closeFn = func() { _ = pool.Close() }
	default:
		s = store.NewMemoryStore()
	}

	log := logrus.WithFields(logrus.Fields{"client": c.Client, "addr": c.Addr})
	if b := config.Breaker; b.Enabled {
		s = store.NewBreakerStore(s, "bloomd.redis", store.BreakerConfig{
			Timeout:                b.Timeout,
			MaxConcurrentRequests:  b.MaxConcurrent,
			RequestVolumeThreshold: b.VolumeThreshold,
			SleepWindow:            b.SleepWindow,
			ErrorPercentThreshold:  b.ErrorPercent,
		})
		log = log.WithField("breaker", true)
	}
	log.Info("bitmap store ready")
	return s, closeFn, nil
}

func newRedigoPool(c conf.Redis) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     c.PoolSize,
		MaxActive:   c.PoolSize,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", c.Addr,
				redis.DialPassword(c.Password),
				redis.DialDatabase(c.DB),
				redis.DialConnectTimeout(c.DialTimeout),
				redis.DialReadTimeout(c.ReadTimeout),
				redis.DialWriteTimeout(c.WriteTimeout),
			)
		},
		TestOnBorrow: func(conn redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := conn.Do("PING")
			return err
		},
	}
}
