// Package worker implements the engine's worker thread pool: N goroutines
// that continuously consult a scheduler.Strategy to pick a pool, drain one
// ready contract from it, and execute it.
package worker

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/workengine/pkg/contract"
	"github.com/khryptorgraphics/workengine/pkg/scheduler"
)

// Config configures a Service.
type Config struct {
	// ThreadCount is the number of worker goroutines. 0 means
	// runtime.GOMAXPROCS(0), clamped to at least 1.
	ThreadCount int
	// MaxSoftFailureCount is how many consecutive empty selections a
	// worker tolerates before blocking on its wake channel instead of
	// yielding the scheduler.
	MaxSoftFailureCount int
	// Strategy is the scheduling strategy consulted every loop
	// iteration. Defaults to scheduler.NewAdaptiveRanking().
	Strategy scheduler.Strategy
	// Logger receives structured lifecycle logs. A nil Logger discards.
	Logger *logrus.Logger
	// PollInterval bounds how long a worker blocks on its wake channel
	// before re-checking the pool list, so a missed wake notification
	// can never wedge a worker indefinitely.
	PollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ThreadCount <= 0 {
		out.ThreadCount = defaultThreadCount()
	}
	if out.MaxSoftFailureCount <= 0 {
		out.MaxSoftFailureCount = 32
	}
	if out.Strategy == nil {
		out.Strategy = scheduler.NewAdaptiveRanking()
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
		out.Logger.SetOutput(discardWriter{})
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Millisecond
	}
	return out
}

// Service runs Config.ThreadCount worker goroutines that drive registered
// pools via a scheduler.Strategy. It also implements
// contract.ConcurrencyProvider so pools can nudge it directly when work
// becomes available or a pool is destroyed.
type Service struct {
	cfg Config

	poolsMu sync.RWMutex
	pools   []*contract.Pool

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New constructs a Service. Pass a zero Config for documented defaults.
func New(cfg Config) *Service {
	return &Service{
		cfg:  cfg.withDefaults(),
		wake: make(chan struct{}, 1),
	}
}

// Register adds a pool to the set workers drain and wires the service as
// its concurrency provider.
func (s *Service) Register(p *contract.Pool) {
	s.poolsMu.Lock()
	s.pools = append(s.pools, p)
	s.poolsMu.Unlock()

	p.SetConcurrencyProvider(s)
	s.cfg.Strategy.NotifyPoolsChanged()
	s.notifyWake()
}

func (s *Service) snapshot() []scheduler.Pool {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()
	out := make([]scheduler.Pool, len(s.pools))
	for i, p := range s.pools {
		out[i] = p
	}
	return out
}

func (s *Service) poolByName(name string) *contract.Pool {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()
	for _, p := range s.pools {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// NotifyWorkAvailable implements contract.ConcurrencyProvider.
func (s *Service) NotifyWorkAvailable(*contract.Pool) {
	s.notifyWake()
}

// NotifyGroupDestroyed implements contract.ConcurrencyProvider: it removes
// the pool from the registered set and re-notifies the strategy of the
// membership change.
func (s *Service) NotifyGroupDestroyed(p *contract.Pool) {
	s.poolsMu.Lock()
	for i, existing := range s.pools {
		if existing == p {
			s.pools = append(s.pools[:i], s.pools[i+1:]...)
			break
		}
	}
	s.poolsMu.Unlock()
	s.cfg.Strategy.NotifyPoolsChanged()
}

func (s *Service) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start spawns the worker goroutines. Idempotent while already running.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(s.cfg.ThreadCount)
	for i := 0; i < s.cfg.ThreadCount; i++ {
		go s.runLoop(i)
	}
	s.cfg.Logger.WithFields(logrus.Fields{
		"threads":  s.cfg.ThreadCount,
		"strategy": s.cfg.Strategy.Name(),
	}).Info("worker service started")
}

// RequestStop signals all worker goroutines to exit without waiting for
// them to do so.
func (s *Service) RequestStop() {
	if !s.running.Load() {
		return
	}
	close(s.stopCh)
	s.notifyWake()
}

// WaitForStop blocks until every worker goroutine has exited, then clears
// running state so Start can be called again.
func (s *Service) WaitForStop() {
	s.wg.Wait()
	s.running.Store(false)
	s.cfg.Logger.Info("worker service stopped")
}

// Stop is RequestStop followed by WaitForStop.
func (s *Service) Stop() {
	s.RequestStop()
	s.WaitForStop()
}

type threadState struct {
	threadID          int
	softFailureCount  int
	lastExecutedGroup string
	rng               *rand.Rand
	bias              uint64
}

func (s *Service) runLoop(threadID int) {
	defer s.wg.Done()
	ts := &threadState{
		threadID: threadID,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(threadID)*0x2545F4914F6CDD1D)),
	}

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		pools := s.snapshot()
		if len(pools) == 0 {
			if s.blockUntilWoken() {
				return
			}
			continue
		}

		ctx := scheduler.Context{
			ThreadID:            ts.threadID,
			ConsecutiveFailures: ts.softFailureCount,
			LastExecutedGroup:   ts.lastExecutedGroup,
			TotalThreads:        s.cfg.ThreadCount,
		}

		selected, shouldSleep := s.cfg.Strategy.SelectNextGroup(pools, ctx)
		if selected == nil {
			if s.idle(ts, shouldSleep) {
				return
			}
			continue
		}

		pool := s.poolByName(selected.Name())
		if pool == nil || pool.Stopping() {
			ts.softFailureCount++
			continue
		}

		h := pool.SelectForExecution(&ts.bias)
		if !h.Valid() {
			ts.softFailureCount++
			continue
		}

		select {
		case <-s.stopCh:
			pool.Complete(h)
			return
		default:
		}

		s.executeOne(pool, h)
		s.cfg.Strategy.NotifyWorkExecuted(selected, ctx)
		ts.softFailureCount = 0
		ts.lastExecutedGroup = pool.Name()
	}
}

// executeOne runs one claimed contract, recovering a panicking callable so
// a single misbehaving unit of work cannot take down a worker goroutine
// (WorkException is captured here, never allowed to propagate past
// the boundary that caught it).
func (s *Service) executeOne(pool *contract.Pool, h contract.Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.WithFields(logrus.Fields{
				"pool":  pool.Name(),
				"panic": r,
			}).Error("work callable panicked")
		}
		pool.Complete(h)
	}()
	pool.Execute(h)
}

// idle applies the worker loop's backoff policy: sleep on the wake
// channel if the strategy asked for it or soft failures have accumulated
// past the configured threshold; otherwise yield once and keep spinning.
func (s *Service) idle(ts *threadState, shouldSleep bool) (stopped bool) {
	if shouldSleep || ts.softFailureCount >= s.cfg.MaxSoftFailureCount {
		ts.softFailureCount = 0
		return s.blockUntilWoken()
	}
	ts.softFailureCount++
	runtime.Gosched()
	return false
}

func (s *Service) blockUntilWoken() (stopped bool) {
	select {
	case <-s.stopCh:
		return true
	case <-s.wake:
		return false
	case <-time.After(s.cfg.PollInterval):
		return false
	}
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }

func defaultThreadCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}
