// Package scheduler runs the payment pipeline: select due schedules, claim
// them, execute, recover from failures and write the outcome.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/blockpal/paymentscheduler/pkg/batch"
	"github.com/blockpal/paymentscheduler/pkg/circuitbreaker"
	"github.com/blockpal/paymentscheduler/pkg/claim"
	"github.com/blockpal/paymentscheduler/pkg/credentials"
	"github.com/blockpal/paymentscheduler/pkg/executor"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/lifecycle"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
	"github.com/blockpal/paymentscheduler/pkg/retry"
	"github.com/blockpal/paymentscheduler/pkg/selector"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// BreakerOptions configures the per-chain circuit breakers
type BreakerOptions struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	Reset     time.Duration
}

// Options configures a Service
type Options struct {
	WorkerID         string
	WorkerCount      int
	SelectLimit      int
	PollSchedule     string
	LeaseTTL         time.Duration
	ExecutionTimeout time.Duration
	ReceiptTimeout   time.Duration
	Chains           []int
	Selector         selector.Options
	Retry            retry.Options
	Breaker          BreakerOptions
}

// Dependencies are the external services of the pipeline. Batch is optional.
type Dependencies struct {
	Store       store.Store
	Ledgers     ledger.Provider
	Credentials credentials.Provider
	Prices      pricefeed.Feed
	Batch       *batch.Engine
}

// Service runs the payment pipeline
type Service struct {
	store       store.Store
	ledgers     ledger.Provider
	credentials credentials.Provider
	selector    *selector.Selector
	claims      *claim.Manager
	executor    *executor.Engine
	batch       *batch.Engine
	retry       *retry.Controller
	writer      *lifecycle.Writer

	breakers map[int]*circuitbreaker.CircuitBreaker
	opts     Options
	logger   logger.Logger
	now      func() time.Time

	// runMu keeps manual triggers and the poll loop from overlapping
	runMu sync.Mutex
}

// NewService wires the pipeline components
func NewService(deps Dependencies, opts Options, log logger.Logger) *Service {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	breakers := make(map[int]*circuitbreaker.CircuitBreaker)
	for _, chainID := range opts.Chains {
		breakers[chainID] = circuitbreaker.NewCircuitBreaker(
			opts.Breaker.Enabled,
			opts.Breaker.Threshold,
			opts.Breaker.Window,
			opts.Breaker.Reset,
		)
	}

	return &Service{
		store:       deps.Store,
		ledgers:     deps.Ledgers,
		credentials: deps.Credentials,
		selector:    selector.NewSelector(deps.Store, opts.Selector, log),
		claims:      claim.NewManager(deps.Store, opts.LeaseTTL, log),
		executor:    executor.NewEngine(deps.Ledgers, deps.Prices, opts.ReceiptTimeout, log),
		batch:       deps.Batch,
		retry:       retry.NewController(deps.Ledgers, deps.Store, deps.Prices, opts.Retry, log),
		writer:      lifecycle.NewWriter(deps.Store, log),
		breakers:    breakers,
		opts:        opts,
		logger:      log,
		now:         time.Now,
	}
}

// WithClock overrides the time source of the pipeline and its components
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.claims.WithClock(now)
	s.retry.WithClock(now)
	s.writer.WithClock(now)
	for _, cb := range s.breakers {
		cb.WithClock(now)
	}
	return s
}

// Start runs the poll loop until ctx is cancelled. Executions already
// claimed when the context ends run to completion before Start returns.
func (s *Service) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.opts.PollSchedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Poll failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.opts.PollSchedule, err)
	}

	s.logger.Notice("Starting payment scheduler %s with %d workers, poll %q",
		s.opts.WorkerID, s.opts.WorkerCount, s.opts.PollSchedule)
	c.Start()

	<-ctx.Done()
	s.logger.Notice("Context cancelled, shutting down scheduler")
	<-c.Stop().Done()
	s.logger.Notice("Scheduler stopped")
	return nil
}

// Summary counts the results of one pass
type Summary struct {
	Selected int            `json:"selected"`
	Results  map[Result]int `json:"results"`
}

// RunOnce selects the due schedules and processes them with at most
// WorkerCount executions in flight
func (s *Service) RunOnce(ctx context.Context) (*Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	due, err := s.selector.SelectDue(ctx, s.now().UTC(), s.opts.SelectLimit)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Selected: len(due), Results: make(map[Result]int)}
	if len(due) == 0 {
		s.logger.Debug("No due payments")
		return summary, nil
	}
	s.logger.Info("Found %d due payments", len(due))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.WorkerCount)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		id := due[i].ID
		g.Go(func() error {
			result := s.Process(ctx, id)
			mu.Lock()
			summary.Results[result]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

// breaker returns the circuit breaker of a chain, or nil
func (s *Service) breaker(chainID int) *circuitbreaker.CircuitBreaker {
	return s.breakers[chainID]
}

// Breakers returns a snapshot of every chain's circuit breaker
func (s *Service) Breakers() map[int]circuitbreaker.State {
	out := make(map[int]circuitbreaker.State, len(s.breakers))
	for chainID, cb := range s.breakers {
		out[chainID] = cb.State()
	}
	return out
}

// ResetBreaker closes the circuit of a chain
func (s *Service) ResetBreaker(chainID int) error {
	cb, ok := s.breakers[chainID]
	if !ok {
		return fmt.Errorf("%w: %d", ledger.ErrUnsupportedChain, chainID)
	}
	cb.Reset()
	metrics.CircuitOpen.WithLabelValues(strconv.Itoa(chainID)).Set(0)
	s.logger.NoticeWithChain(chainID, "Circuit breaker reset")
	return nil
}
