package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickFunc is run once per interval. Returned errors are logged and never
// stop the loop.
type TickFunc func(context.Context) error

// Scheduler runs a TickFunc on a fixed interval until stopped. The interval
// is the upper bound on how late a due message can be picked up.
type Scheduler struct {
	interval time.Duration
	tickFn   TickFunc
	log      *zap.Logger

	running atomic.Bool
	ticks   atomic.Int64
	lastErr atomic.Pointer[string]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time view of the loop for the admin API.
type Status struct {
	Running   bool   `json:"running"`
	Interval  string `json:"interval"`
	Ticks     int64  `json:"ticks"`
	LastError string `json:"lastError,omitempty"`
}

func New(interval time.Duration, tickFn TickFunc, log *zap.Logger) (*Scheduler, error) {
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
		interval: interval,
		tickFn:   tickFn,
		log:      log.Named("scheduler"),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

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
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
	}
	if msg := s.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	start := time.Now()
	err := s.tickFn(ctx)
	s.ticks.Add(1)
	if err != nil {
		msg := err.Error()
		s.lastErr.Store(&msg)
		s.log.Error("scheduler tick failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	s.lastErr.Store(nil)
	s.log.Debug("scheduler tick completed", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}
