package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultInterval    = 5 * time.Second
	defaultConcurrency = 16
	defaultRate        = 200
)

// Notifier delivers an "assignment set changed" push to one worker
type Notifier interface {
	NotifyAssignmentChanged(ctx context.Context, accountID, workerID string) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, accountID, workerID string) error

func (f NotifierFunc) NotifyAssignmentChanged(ctx context.Context, accountID, workerID string) error {
	return f(ctx, accountID, workerID)
}

// Pair identifies a worker within its account
type Pair struct {
	AccountID string
	WorkerID  string
}

// Config configures a Coalescer
type Config struct {
	// Interval between flushes. Defaults to 5s.
	Interval time.Duration

	// Concurrency bounds in-flight notifications during a flush
	Concurrency int

	// RatePerSecond caps notifications per second; Burst defaults to
	// Concurrency.
	RatePerSecond float64
	Burst         int
}

// Coalescer batches assignment-change notifications so a worker hears at
// most once per flush, however many of its tasks moved.
type Coalescer struct {
	mu      sync.Mutex
	pending map[Pair]struct{}

	notifier    Notifier
	interval    time.Duration
	concurrency int
	limiter     *rate.Limiter

	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a Coalescer that flushes through notifier
func New(notifier Notifier, cfg Config) *Coalescer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}

	return &Coalescer{
		pending:     make(map[Pair]struct{}),
		notifier:    notifier,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      log.WithComponent("broadcast"),
	}
}

// Add records that workerID's assignment set changed. Adding a pair that
// is already pending is a no-op.
func (c *Coalescer) Add(accountID, workerID string) {
	if workerID == "" {
		return
	}

	c.mu.Lock()
	c.pending[Pair{AccountID: accountID, WorkerID: workerID}] = struct{}{}
	n := len(c.pending)
	c.mu.Unlock()

	metrics.BroadcastPending.Set(float64(n))
}

// Pending returns a sorted copy of the pairs awaiting the next flush
func (c *Coalescer) Pending() []Pair {
	c.mu.Lock()
	pairs := make([]Pair, 0, len(c.pending))
	for p := range c.pending {
		pairs = append(pairs, p)
	}
	c.mu.Unlock()

	sortPairs(pairs)
	return pairs
}

// swap takes the pending set and leaves an empty one in its place
func (c *Coalescer) swap() map[Pair]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	taken := c.pending
	c.pending = make(map[Pair]struct{})
	metrics.BroadcastPending.Set(0)
	return taken
}

// Flush sends one notification per pending pair. Pairs added while a flush
// is running wait for the next one. Failed notifications are not retried;
// workers also poll on their own cadence.
func (c *Coalescer) Flush(ctx context.Context) error {
	taken := c.swap()
	if len(taken) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BroadcastFlushDuration)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)
	g.SetLimit(c.concurrency)

	for pair := range taken {
		pair := pair
		g.Go(func() error {
			err := c.limiter.Wait(ctx)
			if err == nil {
				err = c.notifier.NotifyAssignmentChanged(ctx, pair.AccountID, pair.WorkerID)
			}
			if err != nil {
				metrics.BroadcastPushes.WithLabelValues("failed").Inc()
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("notify %s/%s: %w", pair.AccountID, pair.WorkerID, err))
				mu.Unlock()
				return nil
			}
			metrics.BroadcastPushes.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug().Int("workers", len(taken)).Msg("Flushed assignment changes")
	return merr.ErrorOrNil()
}

// Start begins the periodic flush loop
func (c *Coalescer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.run()
}

// Stop ends the flush loop and waits for an in-flight flush to finish.
// It is safe to call more than once.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.doneCh
	}
}

func (c *Coalescer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Some assignment notifications failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].AccountID != pairs[j].AccountID {
			return pairs[i].AccountID < pairs[j].AccountID
		}
		return pairs[i].WorkerID < pairs[j].WorkerID
	})
}
