package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagehand/bandsync/internal/cache"
	"github.com/stagehand/bandsync/internal/localstore"
	"github.com/stagehand/bandsync/internal/netmon"
)

// Applier pushes one queued mutation to the remote store.
type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

type ApplierFunc func(ctx context.Context, m Mutation) error

func (f ApplierFunc) Apply(ctx context.Context, m Mutation) error { return f(ctx, m) }

type SchedulerOptions struct {
	Queue    *Queue
	Applier  Applier
	Monitor  *netmon.Monitor
	Interval time.Duration
	Logger   *slog.Logger

	// SweepStore/SweepAge optionally age out stale cache entries on
	// the periodic pass, piggybacking on the same timer.
	SweepStore localstore.Store
	SweepAge   time.Duration
}

// Scheduler drains the pending queue on a periodic timer and on every
// down-to-up connectivity edge. Drain passes never overlap.
type Scheduler struct {
	queue    *Queue
	applier  Applier
	monitor  *netmon.Monitor
	interval time.Duration
	logger   *slog.Logger

	sweepStore localstore.Store
	sweepAge   time.Duration

	busy        atomic.Bool
	started     atomic.Bool
	unsubscribe func()
	stopOnce    sync.Once
	stop        chan struct{}
	done        chan struct{}
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Queue == nil || opts.Applier == nil {
		return nil, errors.New("scheduler requires a queue and an applier")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Scheduler{
		queue:      opts.Queue,
		applier:    opts.Applier,
		monitor:    opts.Monitor,
		interval:   interval,
		logger:     logger,
		sweepStore: opts.SweepStore,
		sweepAge:   opts.SweepAge,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Submit enqueues a mutation and, when the network is up, kicks an
// immediate asynchronous drain so online creates sync right away.
func (s *Scheduler) Submit(ctx context.Context, m Mutation) (Mutation, error) {
	queued, err := s.queue.Enqueue(m)
	if err != nil {
		return Mutation{}, err
	}
	if s.monitor == nil || s.monitor.Online() {
		go func() {
			if err := s.Drain(ctx); err != nil {
				s.logger.Warn("post-submit drain failed", "error", err)
			}
		}()
	}
	return queued, nil
}

// Start runs the periodic loop and wires the reconnect trigger. At
// most one loop runs per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func(online bool) {
			if !online {
				return
			}
			go func() {
				if err := s.Drain(ctx); err != nil {
					s.logger.Warn("reconnect drain failed", "error", err)
				}
			}()
		})
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Drain(ctx); err != nil {
					s.logger.Warn("periodic drain failed", "error", err)
				}
				s.sweep()
			}
		}
	}()
}

// Stop ends the periodic loop. Safe whether or not Start ever ran.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}

// Drain applies a snapshot of the queue in order. Successes are
// removed; failures stay for the next pass, keeping their relative
// order. Only one pass runs at a time.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.busy.Store(false)

	if s.monitor != nil && !s.monitor.Online() {
		return nil
	}

	var firstErr error
	for _, m := range s.queue.Snapshot() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.applier.Apply(ctx, m); err != nil {
			s.logger.Warn("mutation sync failed", "mutation", m.ID, "collection", m.Collection, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.queue.Remove(m.ID); err != nil && !errors.Is(err, ErrNotQueued) {
			s.logger.Warn("mutation remove failed", "mutation", m.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sweep ages out stale snapshots. The queue blob and the permissions
// blob are durable state, not cache, and are never swept.
func (s *Scheduler) sweep() {
	if s.sweepStore == nil || s.sweepAge <= 0 {
		return
	}
	removed, err := s.sweepStore.SweepOlderThan(s.sweepAge, QueueKey, cache.PermissionsKey)
	if err != nil {
		s.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("swept stale cache entries", "removed", removed)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
