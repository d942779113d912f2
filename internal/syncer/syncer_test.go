package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upcoach-sync/internal/platform/metrics"
	"upcoach-sync/internal/shared"
	"upcoach-sync/internal/syncer"
	"upcoach-sync/pkg/retry"
)

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	fetch func(resource string, call int) ([]json.RawMessage, error)
}

func (f *fakeSource) Fetch(_ context.Context, resource string) ([]json.RawMessage, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[resource]++
	n := f.calls[resource]
	f.mu.Unlock()
	return f.fetch(resource, n)
}

func (f *fakeSource) count(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[resource]
}

func items(docs ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d))
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastPolicy(n int) retry.Config {
	return retry.DefaultConfig().
		WithMaxAttempts(n).
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(5 * time.Millisecond).
		WithJitter(false).
		WithShouldRetry(shared.IsTransient)
}

func TestSyncAll_StoresSnapshots(t *testing.T) {
	src := &fakeSource{fetch: func(resource string, _ int) ([]json.RawMessage, error) {
		switch resource {
		case "habits":
			return items(`{"id":"h1"}`, `{"id":"h2"}`), nil
		case "goals":
			return items(`{"id":"g1"}`), nil
		}
		return nil, nil
	}}
	store := syncer.NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := syncer.New(src, store, syncer.WithLogger(discard()), syncer.WithNow(func() time.Time { return at }))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusOK, rep.Status)
	require.NoError(t, rep.Err())
	require.Len(t, rep.Results, 3)
	for _, r := range rep.Results {
		assert.Equal(t, 1, r.Attempts, r.Resource)
	}

	habits, err := s.Latest(context.Background(), "habits")
	require.NoError(t, err)
	require.Equal(t, 2, habits.Count)
	require.JSONEq(t, `[{"id":"h1"},{"id":"h2"}]`, string(habits.Payload))
	require.Equal(t, at, habits.FetchedAt)
	require.NotEmpty(t, habits.ID)

	tasks, err := s.Latest(context.Background(), "tasks")
	require.NoError(t, err)
	require.Equal(t, 0, tasks.Count)
	require.JSONEq(t, `[]`, string(tasks.Payload))
}

func TestSyncAll_PartialFailure(t *testing.T) {
	src := &fakeSource{fetch: func(resource string, _ int) ([]json.RawMessage, error) {
		if resource == "goals" {
			return nil, shared.MarkKind(errors.New("goals: 403"), shared.KindForbidden)
		}
		return items(`{}`), nil
	}}
	store := syncer.NewMemoryStore()
	s := syncer.New(src, store, syncer.WithLogger(discard()), syncer.WithRetry(fastPolicy(3)))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusPartial, rep.Status)
	require.Error(t, rep.Err())
	require.True(t, shared.IsForbidden(rep.Err()))
	require.Equal(t, 1, src.count("goals"), "forbidden is not transient")

	_, err = store.Latest(context.Background(), "goals")
	require.True(t, shared.IsNotFound(err))
}

func TestSyncAll_AllFailed(t *testing.T) {
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) {
		return nil, errors.New("boom")
	}}
	s := syncer.New(src, syncer.NewMemoryStore(), syncer.WithLogger(discard()), syncer.WithRetry(fastPolicy(2)))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusFailed, rep.Status)
}

func TestSyncAll_RetriesTransient(t *testing.T) {
	src := &fakeSource{fetch: func(resource string, call int) ([]json.RawMessage, error) {
		if call == 1 {
			return nil, shared.MarkKind(errors.New("503"), shared.KindUnavailable)
		}
		return items(`{"id":1}`), nil
	}}
	s := syncer.New(src, syncer.NewMemoryStore(),
		syncer.WithLogger(discard()),
		syncer.WithRetry(fastPolicy(2)),
		syncer.WithResources("habits"))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusOK, rep.Status)
	require.Equal(t, 2, rep.Results[0].Attempts)
	require.Equal(t, 1, rep.Results[0].Items)
}

type failingStore struct{ *syncer.MemoryStore }

func (*failingStore) Save(context.Context, syncer.Snapshot) error {
	return shared.MarkKind(errors.New("disk full"), shared.KindInternal)
}

func TestSyncAll_SaveError(t *testing.T) {
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) { return items(`{}`), nil }}
	s := syncer.New(src, &failingStore{MemoryStore: syncer.NewMemoryStore()}, syncer.WithLogger(discard()), syncer.WithResources("tasks"))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusFailed, rep.Status)
	require.ErrorContains(t, rep.Err(), "save snapshot")
	require.True(t, shared.IsInternal(rep.Err()))
	require.Equal(t, 1, src.count("tasks"))
}

func TestSyncAll_InvalidPolicy(t *testing.T) {
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) { return nil, nil }}
	s := syncer.New(src, syncer.NewMemoryStore(),
		syncer.WithLogger(discard()),
		syncer.WithRetry(retry.DefaultConfig().WithMaxAttempts(0)))

	_, err := s.SyncAll(context.Background())
	require.ErrorIs(t, err, retry.ErrInvalidConfig)
	require.Zero(t, src.count("habits"))
}

func TestSyncAll_CanceledContext(t *testing.T) {
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) {
		return nil, shared.MarkKind(errors.New("503"), shared.KindUnavailable)
	}}
	s := syncer.New(src, syncer.NewMemoryStore(),
		syncer.WithLogger(discard()),
		syncer.WithResources("habits"),
		syncer.WithRetry(fastPolicy(5).WithInitialDelay(time.Hour).WithMaxDelay(time.Hour)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rep, err := s.SyncAll(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, rep.Results[0].Err, context.DeadlineExceeded)
	require.Equal(t, 1, rep.Results[0].Attempts)
}

func TestSyncAll_CoalescesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var fetches int32
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return items(`{}`), nil
	}}
	s := syncer.New(src, syncer.NewMemoryStore(), syncer.WithLogger(discard()), syncer.WithResources("habits"))

	const callers = 5
	var wg sync.WaitGroup
	reports := make([]syncer.Report, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := s.SyncAll(context.Background())
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fetches) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&fetches), int32(callers))
	for _, rep := range reports {
		require.Equal(t, syncer.StatusOK, rep.Status)
	}
}

func TestSyncAll_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak int32
	src := &fakeSource{fetch: func(string, int) ([]json.RawMessage, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return items(`{}`), nil
	}}
	s := syncer.New(src, syncer.NewMemoryStore(),
		syncer.WithLogger(discard()),
		syncer.WithConcurrency(1))

	rep, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, syncer.StatusOK, rep.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestSyncAll_Metrics(t *testing.T) {
	src := &fakeSource{fetch: func(resource string, _ int) ([]json.RawMessage, error) {
		if resource == "tasks" {
			return nil, errors.New("boom")
		}
		return items(`{}`, `{}`), nil
	}}
	m := metrics.New()
	s := syncer.New(src, syncer.NewMemoryStore(), syncer.WithLogger(discard()), syncer.WithMetrics(m))

	_, err := s.SyncAll(context.Background())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "coachsync_sync_runs_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(m.Registry(), "coachsync_sync_resource_items")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReport_JSON(t *testing.T) {
	rep := syncer.Report{
		Status: syncer.StatusPartial,
		Results: []syncer.ResourceResult{
			{Resource: "habits", Items: 3, Attempts: 1},
			{Resource: "goals", Attempts: 2, Err: errors.New("503 Service Unavailable")},
		},
	}
	b, err := json.Marshal(rep)
	require.NoError(t, err)

	var out struct {
		Status  string
		Results []map[string]any
	}
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "partial", out.Status)
	require.Equal(t, "habits", out.Results[0]["resource"])
	require.NotContains(t, out.Results[0], "error")
	require.Equal(t, "503 Service Unavailable", out.Results[1]["error"])
}

func TestMemoryStore(t *testing.T) {
	st := syncer.NewMemoryStore()
	_, err := st.Latest(context.Background(), "habits")
	require.True(t, shared.IsNotFound(err))

	require.NoError(t, st.Save(context.Background(), syncer.Snapshot{Resource: "habits", Count: 1}))
	require.NoError(t, st.Save(context.Background(), syncer.Snapshot{Resource: "habits", Count: 2}))
	got, err := st.Latest(context.Background(), "habits")
	require.NoError(t, err)
	require.Equal(t, 2, got.Count)
}
