package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports unhealthy when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCountCheck reports unhealthy when the number of goroutines
// exceeds threshold, which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// FreshnessCheck reports unhealthy when the background job whose last
// successful run is returned by last has not completed within maxAge.
func FreshnessCheck(last func() time.Time, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		t := last()
		if t.IsZero() {
			return errors.New("no successful run yet")
		}
		if age := now().Sub(t); age > maxAge {
			return errors.Errorf("last success %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
