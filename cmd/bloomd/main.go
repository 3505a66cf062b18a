package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bf "github.com/codingWhat/redisbloom/bloom_filter"
	"github.com/codingWhat/redisbloom/bloom_filter/ingest"
	"github.com/codingWhat/redisbloom/bloom_filter/lifecycle"
	"github.com/codingWhat/redisbloom/bloom_filter/meta"
	"github.com/codingWhat/redisbloom/bloom_filter/store"
	"github.com/codingWhat/redisbloom/bloom_filter/warmup"
	"github.com/codingWhat/redisbloom/conf"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "bloomd.yaml", "path to the YAML config")
	flag.Parse()

	config, err := conf.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := setupLogger(config.Log); err != nil {
		logrus.WithError(err).Fatal("setup logger")
	}
	setupDeadlockDetection(config.Bloom)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		logrus.WithError(err).Fatal("bloomd exited")
	}
}

func run(ctx context.Context, config *conf.Config) error {
	s, closeStore, err := newStore(config)
	if err != nil {
		return err
	}
	defer closeStore()

	var metaStore *meta.BoltStore
	if config.MetaPath != "" {
		if metaStore, err = meta.Open(config.MetaPath, true); err != nil {
			return err
		}
		defer metaStore.Close()
	}

	registry := metrics.NewRegistry()
	reg, err := newRegistry(s, config, registry, metaStore)
	if err != nil {
		return err
	}
	if n, err := reg.Restore(ctx); err != nil {
		return errors.WithMessage(err, "restore filters")
	} else if n > 0 {
		logrus.WithField("filters", n).Info("restored filters from meta")
	}

	tasks := lifecycle.NewTaskManager(reg)
	defer tasks.Close()
	if err := declareFilters(ctx, reg, tasks, config); err != nil {
		return err
	}

	if err := warmUp(ctx, reg, config); err != nil {
		return err
	}

	if len(config.Kafka.Brokers) > 0 {
		stopIngest, err := startIngest(ctx, reg, config)
		if err != nil {
			return err
		}
		defer stopIngest()
	}

	srv := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: newRouter(newServer(reg, config, registry), config.HTTP),
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", config.HTTP.Addr).Info("bloomd serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logrus.Info("bloomd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRegistry(s store.Store, config *conf.Config, registry metrics.Registry, metaStore *meta.BoltStore) (*bf.Registry[string], error) {
	strategy, err := config.Strategy()
	if err != nil {
		return nil, err
	}
	hasher, err := config.Hasher()
	if err != nil {
		return nil, err
	}
	opts := []bf.Option{
		bf.WithStrategy(strategy),
		bf.WithHasher(config.Bloom.Hash, hasher),
		bf.WithGrowth(config.Bloom.Grow, config.Bloom.GrowRate),
		bf.WithLogger(logrus.StandardLogger()),
		bf.WithMetrics(bf.NewMetrics(registry)),
	}
	if metaStore != nil {
		opts = append(opts, bf.WithMetaStore(metaStore))
	}
	return bf.NewRegistry[string](s, bf.StringFunnel, opts...), nil
}

// declareFilters creates the configured filters and arms their expiry and
// reset schedules.
func declareFilters(ctx context.Context, reg *bf.Registry[string], tasks *lifecycle.TaskManager, config *conf.Config) error {
	for _, f := range config.DeclaredFilters() {
		if err := reg.Declare(f.Name, f.ExpectedInsertions, f.FPP); err != nil {
			return errors.WithMessagef(err, "declare %q", f.Name)
		}
		if f.TTL > 0 {
			if err := tasks.ExpireAfter(ctx, f.Name, f.TTL); err != nil {
				return err
			}
		}
		if f.ResetCron != "" {
			if err := tasks.ResetEvery(f.Name, f.ResetCron); err != nil {
				return err
			}
		}
	}
	return nil
}

func warmUp(ctx context.Context, reg *bf.Registry[string], config *conf.Config) error {
	if len(config.Warmup) == 0 {
		return nil
	}
	jobs := make([]warmup.Job, 0, len(config.Warmup))
	for _, w := range config.Warmup {
		f, _ := config.Lookup(w.Filter)
		db, err := warmup.OpenMySQL(w.DSN)
		if err != nil {
			for _, job := range jobs {
				_ = job.Source.(io.Closer).Close()
			}
			return err
		}
		jobs = append(jobs, warmup.Job{
			Filter:             f.Name,
			ExpectedInsertions: f.ExpectedInsertions,
			FPP:                f.FPP,
			BatchSize:          w.BatchSize,
			Source:             warmup.NewGormSource(db, w.Table, w.Column),
		})
	}
	return warmup.Run(ctx, reg, jobs)
}

func startIngest(ctx context.Context, reg *bf.Registry[string], config *conf.Config) (func(), error) {
	k := config.Kafka
	f, _ := config.Lookup(k.Filter)
	cg, err := ingest.NewConsumerGroup(k.Brokers, k.Group)
	if err != nil {
		return nil, err
	}
	h := ingest.NewHandler(reg, f.Name, f.ExpectedInsertions, f.FPP,
		ingest.WithBatchSize(k.BatchSize),
		ingest.WithFlushInterval(k.FlushInterval),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ingest.Consume(ctx, cg, k.Topics, h, time.Second); err != nil {
			logrus.WithError(err).Error("kafka ingest stopped")
		}
	}()
	return func() {
		_ = cg.Close()
		<-done
	}, nil
}

func setupLogger(c conf.Log) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func setupDeadlockDetection(c conf.Bloom) {
	if !c.DeadlockDetection {
		return
	}
	bf.EnableDeadlockDetection(time.Minute, func() {
		logrus.Error("potential deadlock on a bloom filter lock")
	})
}
