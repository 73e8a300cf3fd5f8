package coupon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// SweeperConfig controls the expiration sweeper.
type SweeperConfig struct {
	// BatchSize is the number of coupons expired per atomic batch.
	BatchSize int
	// MaxRetries is how many times a failed batch is retried before the sweep
	// gives up.
	MaxRetries uint64
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
}

func (c *SweeperConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
}

// Sweeper moves active coupons past their end date to the expired status.
type Sweeper struct {
	coupons Repository
	cfg     SweeperConfig
	opts    options
	metrics *metrics

	lastSuccess atomic.Int64
}

// NewSweeper creates a Sweeper over the coupon store.
func NewSweeper(coupons Repository, cfg SweeperConfig, opts ...Option) *Sweeper {
	cfg.setDefaults()
	o := buildOptions(opts)
	return &Sweeper{
		coupons: coupons,
		cfg:     cfg,
		opts:    o,
		metrics: newMetrics(o.meterProvider),
	}
}

// Sweep expires every active coupon whose end date is before now and returns
// how many were changed. Each batch commits on its own; cancelling ctx stops
// the sweep between batches and leaves no batch half-applied. Running Sweep
// twice with the same now is a no-op the second time.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	var total int
	for {
		if err := ctx.Err(); err != nil {
			s.recordExpired(ctx, total)
			return total, err
		}

		n, err := s.expireBatch(ctx, now)
		if err != nil {
			s.recordExpired(ctx, total)
			return total, errors.Wrap(err, "expire batch")
		}
		total += n
		if n < s.cfg.BatchSize {
			break
		}
	}

	s.recordExpired(ctx, total)
	s.lastSuccess.Store(s.opts.now().UnixNano())
	if total > 0 {
		s.opts.lg.Info("Expired coupons", zap.Int("count", total), zap.Time("now", now))
	}
	return total, nil
}

func (s *Sweeper) expireBatch(ctx context.Context, now time.Time) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (int, error) {
		n, err := s.coupons.ExpireBatch(ctx, now, s.cfg.BatchSize)
		if err != nil && ctx.Err() != nil {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxRetries), ctx), func(err error, d time.Duration) {
		s.opts.lg.Warn("Expire batch failed, retrying", zap.Error(err), zap.Duration("backoff", d))
	})
}

func (s *Sweeper) recordExpired(ctx context.Context, n int) {
	if n > 0 {
		s.metrics.expired.Add(context.WithoutCancel(ctx), int64(n))
	}
}

// LastSuccess returns the time of the last sweep that completed without
// error, or the zero time if none has.
func (s *Sweeper) LastSuccess() time.Time {
	v := s.lastSuccess.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Run sweeps immediately and then on every interval until ctx is done.
// Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx, s.opts.now()); err != nil && ctx.Err() == nil {
		s.opts.lg.Error("Expiration sweep failed", zap.Error(err))
	}
}
