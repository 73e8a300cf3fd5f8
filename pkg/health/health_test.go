package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, endpoint http.HandlerFunc) (int, statusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(h *Health, probe Probe, i, n int) {
	for range n {
		h.checks[probe][i].run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		check  CheckFunc
		runs   int
		status int
	}{
		{name: "Passing", check: passingCheck(), runs: 1, status: http.StatusOK},
		{name: "StartsHealthy", check: failingCheck("down"), runs: 0, status: http.StatusOK},
		{name: "BelowThreshold", check: failingCheck("down"), runs: 2, status: http.StatusOK},
		{name: "AtThreshold", check: failingCheck("down"), runs: 3, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(nil)
			h.Add(Liveness, "db", tt.check)
			runN(h, Liveness, 0, tt.runs)

			status, body := get(t, h.LiveEndpoint)
			assert.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				assert.Equal(t, "unhealthy", body.Status)
				assert.Equal(t, "down", body.Checks["db"])
				assert.Equal(t, []string{"db"}, body.Failed)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New(nil)
	h.Add(Readiness, "db", passingCheck())
	h.Add(Readiness, "sweeper", failingCheck("stale"), WithThresholds(1, 1))

	status, body := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body.Checks, "_readiness")
	assert.False(t, h.IsReady())

	h.SetReady(true)
	status, _ = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, h.IsReady())

	runN(h, Readiness, 1, 1)
	status, body = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "stale", body.Checks["sweeper"])
	assert.NotContains(t, body.Checks, "db")
	assert.False(t, h.IsReady())

	// Liveness is unaffected by readiness checks.
	status, _ = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, status)
}

func TestCheckRecovery(t *testing.T) {
	failing := true
	h := New(nil)
	h.Add(Liveness, "flaky", func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	c := h.checks[Liveness][0]
	ctx := context.Background()

	assert.False(t, c.run(ctx))
	assert.True(t, c.run(ctx), "second failure flips the check")
	assert.False(t, c.healthy.Load())
	assert.EqualError(t, c.err(), "down")

	failing = false
	assert.False(t, c.run(ctx))
	assert.True(t, c.run(ctx), "second success flips it back")
	assert.True(t, c.healthy.Load())
	assert.NoError(t, c.err())
}

func TestCheckTimeout(t *testing.T) {
	h := New(nil)
	h.Add(Readiness, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithThresholds(1, 1))

	h.checks[Readiness][0].run(context.Background())
	assert.ErrorIs(t, h.checks[Readiness][0].err(), context.DeadlineExceeded)
}

func TestStartLogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := New(zap.New(core))
	h.Add(Liveness, "db", failingCheck("refused"), WithThresholds(1, 1))
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Health check failing").Len() == 1
	}, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()

	// Staying unhealthy does not log again.
	assert.Equal(t, 1, logs.FilterMessage("Health check failing").Len())
}

func TestConcurrentAccess(t *testing.T) {
	h := New(nil)
	h.Add(Liveness, "concurrent", failingCheck("err"))
	h.Add(Readiness, "concurrent", passingCheck())
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name  string
		check CheckFunc
		err   string
	}{
		{name: "PingOK", check: PingCheck(pinger{})},
		{name: "PingFail", check: PingCheck(pinger{err: errors.New("refused")}), err: "ping: refused"},
		{name: "GoroutinesOK", check: GoroutineCountCheck(100000)},
		{name: "GoroutinesLeak", check: GoroutineCountCheck(0), err: "exceeds threshold"},
		{
			name:  "Fresh",
			check: FreshnessCheck(func() time.Time { return now.Add(-time.Minute) }, 5*time.Minute, clock),
		},
		{
			name:  "Stale",
			check: FreshnessCheck(func() time.Time { return now.Add(-10 * time.Minute) }, 5*time.Minute, clock),
			err:   "last success 10m0s ago exceeds 5m0s",
		},
		{
			name:  "NeverRan",
			check: FreshnessCheck(func() time.Time { return time.Time{} }, 5*time.Minute, clock),
			err:   "no successful run yet",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(ctx)
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}
