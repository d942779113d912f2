package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"upcoach-sync/pkg/retry"
)

func TestRetryHooks(t *testing.T) {
	m := New()
	cfg := retry.DefaultConfig().WithInitialDelay(time.Millisecond).WithMaxDelay(time.Millisecond)

	calls := 0
	res := retry.DoWithResult(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return calls, nil
	}, m.RetryHooks("habits")...)
	m.ObserveOutcome("habits", res.Err, res.TotalDuration)

	require.True(t, res.IsSuccess())
	require.Equal(t, 3.0, testutil.ToFloat64(m.attempts.WithLabelValues("habits")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("habits")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("habits", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.outcomes.WithLabelValues("habits", "failure")))
}

func TestObserveSync(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)

	m.ObserveSync("ok", time.Second, at)
	m.ObserveSync("partial", time.Second, at.Add(time.Hour))
	m.SetResourceItems("goals", 4)
	m.ObserveJob("sync", nil)
	m.ObserveJob("sync", errors.New("boom"))

	require.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.syncRuns.WithLabelValues("partial")))
	require.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess))
	require.Equal(t, 4.0, testutil.ToFloat64(m.resourceItems.WithLabelValues("goals")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sync", "error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveJob("sync", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `coachsync_scheduler_job_runs_total{job="sync",outcome="success"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.Nil(t, m.RetryHooks("x"))
	require.Nil(t, m.Registry())
	m.ObserveOutcome("x", nil, time.Second)
	m.ObserveSync("ok", time.Second, time.Now())
	m.SetResourceItems("x", 1)
	m.ObserveJob("x", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
