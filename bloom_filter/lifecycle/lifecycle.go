// Package lifecycle schedules filter expiry and periodic resets outside the
// registry, which runs no goroutines of its own.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("task manager closed")

// Filters is the part of a registry the tasks act on.
type Filters interface {
	Remove(ctx context.Context, name string) error
	Reset(ctx context.Context, name string) error
}

type expiry struct {
	timer *timingwheel.Timer
}

type TaskManager struct {
	filters Filters
	tw      *timingwheel.TimingWheel
	cron    *cron.Cron

	mu      sync.Mutex
	timers  map[string]*expiry
	entries map[string]cron.EntryID

	isClosed atomic.Bool

	logger      logrus.FieldLogger
	taskTimeout time.Duration
	tick        time.Duration
	wheelSize   int64
}

type Option func(m *TaskManager)

// WithTick sets the timing wheel resolution. tick must be at least 1ms.
func WithTick(tick time.Duration, wheelSize int64) Option {
	return func(m *TaskManager) {
		m.tick = tick
		m.wheelSize = wheelSize
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *TaskManager) {
		m.logger = l
	}
}

// WithTaskTimeout bounds each Remove or Reset issued by a task.
func WithTaskTimeout(d time.Duration) Option {
	return func(m *TaskManager) {
		m.taskTimeout = d
	}
}

func NewTaskManager(filters Filters, opts ...Option) *TaskManager {
	m := &TaskManager{
		filters:     filters,
		timers:      make(map[string]*expiry),
		entries:     make(map[string]cron.EntryID),
		logger:      logrus.StandardLogger(),
		taskTimeout: 10 * time.Second,
		tick:        time.Second,
		wheelSize:   3600,
	}
	for _, op := range opts {
		op(m)
	}
	m.tw = timingwheel.NewTimingWheel(m.tick, m.wheelSize)
	m.tw.Start()
	m.cron = cron.New(cron.WithLogger(cron.PrintfLogger(m.logger)))
	m.cron.Start()
	return m
}

// ExpireAfter removes the filter once ttl has elapsed. Arming it again for
// the same name replaces the previous deadline. Cancelling ctx before the
// deadline skips the removal.
func (m *TaskManager) ExpireAfter(ctx context.Context, name string, ttl time.Duration) error {
	if m.isClosed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.Errorf("ttl of %q must be positive, got %s", name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[name]; ok {
		old.timer.Stop()
	}
	e := &expiry{}
	m.timers[name] = e
	e.timer = m.tw.AfterFunc(ttl, func() {
		m.expire(ctx, name, e)
	})
	return nil
}

func (m *TaskManager) expire(ctx context.Context, name string, e *expiry) {
	m.mu.Lock()
	if m.timers[name] != e {
		m.mu.Unlock()
		return
	}
	delete(m.timers, name)
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	m.run(ctx, name, "expire", m.filters.Remove)
}

// ResetEvery resets the filter on a cron schedule, e.g. "0 4 * * *" or
// "@every 1h". It replaces any previous schedule for name.
func (m *TaskManager) ResetEvery(name, spec string) error {
	if m.isClosed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.cron.AddFunc(spec, func() {
		m.run(context.Background(), name, "reset", m.filters.Reset)
	})
	if err != nil {
		return errors.WithMessagef(err, "bad reset schedule %q for %q", spec, name)
	}
	if old, ok := m.entries[name]; ok {
		m.cron.Remove(old)
	}
	m.entries[name] = id
	return nil
}

// Scheduled reports which tasks are pending for name.
func (m *TaskManager) Scheduled(name string) (expires, resets bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, expires = m.timers[name]
	_, resets = m.entries[name]
	return
}

func (m *TaskManager) Cancel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.timers[name]; ok {
		e.timer.Stop()
		delete(m.timers, name)
	}
	if id, ok := m.entries[name]; ok {
		m.cron.Remove(id)
		delete(m.entries, name)
	}
}

// Close stops scheduling and waits for running reset jobs.
func (m *TaskManager) Close() {
	if !m.isClosed.CompareAndSwap(false, true) {
		return
	}
	m.tw.Stop()
	<-m.cron.Stop().Done()

	m.mu.Lock()
	m.timers = make(map[string]*expiry)
	m.entries = make(map[string]cron.EntryID)
	m.mu.Unlock()
}

func (m *TaskManager) run(ctx context.Context, name, task string, fn func(context.Context, string) error) {
	log := m.logger.WithFields(logrus.Fields{"filter": name, "task": task})
	withRecover(log, func() {
		ctx, cancel := context.WithTimeout(ctx, m.taskTimeout)
		defer cancel()
		if err := fn(ctx, name); err != nil {
			log.WithError(err).Warn("bloom filter task failed")
			return
		}
		log.Info("bloom filter task done")
	})
}

func withRecover(log logrus.FieldLogger, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			log.WithField("panic", err).Error("bloom filter task panic")
		}
	}()
	fn()
}
