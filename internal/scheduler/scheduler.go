package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a housekeeping job on a fixed interval, with one immediate
// run on Start. A panicking run is logged and the schedule continues.
type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	log      *zap.Logger

	running atomic.Bool
	runs    atomic.Int64
	lastRun atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context), log *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		log:      log.With(zap.String("job", name)),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop. It stops on Stop or when parent is done, and
// returns false if the loop is already running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, cancel, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.interval))

	s.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done

	s.log.Info("scheduler stopped", zap.Int64("runs", s.runs.Load()))
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Runs is the number of completed runs, including ones that panicked.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// LastRun is the start time of the most recent run, zero before the first.
func (s *Scheduler) LastRun() time.Time {
	ns := s.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	s.lastRun.Store(start.UnixNano())

	defer func() {
		s.runs.Add(1)
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.Any("panic", r))
		}
	}()

	s.tickFn(ctx)
	s.log.Debug("scheduler tick completed", zap.Duration("duration", time.Since(start)))
}
