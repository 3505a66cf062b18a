// Package warmup fills cold filters from the store they guard.
package warmup

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const DefaultBatchSize = 1000

// Putter is satisfied by *bf.Registry[string].
type Putter interface {
	PutAll(ctx context.Context, name string, expectedInsertions int64, fpp float64, members []string) error
}

// Source yields members in batches of at most batchSize.
type Source interface {
	Each(ctx context.Context, batchSize int, fn func(batch []string) error) error
}

type Job struct {
	Filter             string
	ExpectedInsertions int64
	FPP                float64
	BatchSize          int
	Source             Source
}

type options struct {
	concurrency int
	logger      logrus.FieldLogger
}

type Option func(ops *options)

func WithConcurrency(n int) Option {
	return func(ops *options) {
		ops.concurrency = n
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(ops *options) {
		ops.logger = l
	}
}

// Run loads every job, at most concurrency at a time. The first failure
// cancels the jobs still running. Sources that are io.Closers are closed
// once their job ends.
func Run(ctx context.Context, p Putter, jobs []Job, opts ...Option) error {
	ops := &options{concurrency: 4, logger: logrus.StandardLogger()}
	for _, op := range opts {
		op(ops)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ops.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if c, ok := job.Source.(io.Closer); ok {
				defer func() {
					if err := c.Close(); err != nil {
						ops.logger.WithError(err).WithField("filter", job.Filter).Warn("close warmup source failed")
					}
				}()
			}
			return load(ctx, p, job, ops.logger)
		})
	}
	return g.Wait()
}

func load(ctx context.Context, p Putter, job Job, log logrus.FieldLogger) error {
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	log = log.WithField("filter", job.Filter)
	begin := time.Now()
	loaded := 0
	err := job.Source.Each(ctx, batchSize, func(batch []string) error {
		if err := p.PutAll(ctx, job.Filter, job.ExpectedInsertions, job.FPP, batch); err != nil {
			return err
		}
		loaded += len(batch)
		log.WithField("loaded", loaded).Debug("warmup batch stored")
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "warm up %q", job.Filter)
	}
	log.WithFields(logrus.Fields{"loaded": loaded, "cost": time.Since(begin)}).Info("bloom filter warmed up")
	return nil
}

// OpenMySQL opens a quiet gorm handle for warm-up reads.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	return db, nil
}

// GormSource reads one column of a table in keyset pages ordered by that
// column, so it should be unique and indexed.
type GormSource struct {
	db     *gorm.DB
	table  string
	column string
}

func NewGormSource(db *gorm.DB, table, column string) *GormSource {
	return &GormSource{db: db, table: table, column: column}
}

// Close releases the connection pool behind the source.
func (s *GormSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormSource) Each(ctx context.Context, batchSize int, fn func(batch []string) error) error {
	var (
		last    string
		started bool
	)
	for {
		var batch []string
		if err := s.page(s.db.WithContext(ctx), last, started, batchSize).Pluck(s.column, &batch).Error; err != nil {
			return errors.Wrapf(err, "read %s.%s", s.table, s.column)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last, started = batch[len(batch)-1], true
	}
}

func (s *GormSource) page(tx *gorm.DB, after string, started bool, limit int) *gorm.DB {
	col := clause.Column{Name: s.column}
	tx = tx.Table(s.table)
	if started {
		tx = tx.Where(clause.Gt{Column: col, Value: after})
	}
	return tx.Order(clause.OrderByColumn{Column: col}).Limit(limit)
}
