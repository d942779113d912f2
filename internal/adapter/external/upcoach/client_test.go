package upcoach_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"upcoach-sync/internal/adapter/external/upcoach"
	"upcoach-sync/internal/platform/httpclient"
	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

func newHTTP() *httpclient.Client {
	return httpclient.New(
		httpclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		httpclient.WithRetry(retry.Quick().WithInitialDelay(time.Millisecond).WithJitter(false)),
	)
}

func newClient(t *testing.T, srv *httptest.Server, opts ...upcoach.Option) *upcoach.Client {
	t.Helper()
	c, err := upcoach.New(newHTTP(), srv.URL+"/", opts...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := upcoach.New(newHTTP(), "not a url")
	require.Error(t, err)
	require.True(t, shared.IsValidation(err))
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "coach@upcoach.test", in["email"])
		require.Equal(t, "pw", in["password"])
		require.Equal(t, "agent-1", in["deviceId"])
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	}))
	defer srv.Close()

	c := newClient(t, srv, upcoach.WithDeviceID("agent-1"))
	require.NoError(t, c.Login(context.Background(), "coach@upcoach.test", "pw"))
	require.Equal(t, "tok-1", c.Token())
}

func TestLogin_Unauthorized(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	err := c.Login(context.Background(), "coach@upcoach.test", "wrong")
	require.Error(t, err)
	require.True(t, shared.IsUnauthorized(err))
	require.False(t, retry.IsRetryableError(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var se *httpclient.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestLogin_MissingCredentials(t *testing.T) {
	c, err := upcoach.New(newHTTP(), "http://upcoach.test")
	require.NoError(t, err)
	require.True(t, shared.IsValidation(c.Login(context.Background(), "", "pw")))
}

func TestHabits_BareArrayAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/habits", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"h1","name":"Meditate","frequency":"daily","streak":4},{"id":"h2","name":"Run"}]`))
	}))
	defer srv.Close()

	habits, err := newClient(t, srv, upcoach.WithToken("tok")).Habits(context.Background())
	require.NoError(t, err)
	require.Equal(t, []upcoach.Habit{
		{ID: "h1", Name: "Meditate", Frequency: "daily", Streak: 4},
		{ID: "h2", Name: "Run"},
	}, habits)
}

func TestGoalsAndTasks_Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/goals":
			_, _ = w.Write([]byte(`{"data":[{"id":"g1","title":"Marathon","progress":0.25}]}`))
		case "/api/tasks":
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv)
	goals, err := c.Goals(context.Background())
	require.NoError(t, err)
	require.Len(t, goals, 1)
	require.Equal(t, "Marathon", goals[0].Title)
	require.Equal(t, 0.25, goals[0].Progress)

	tasks, err := c.Tasks(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tasks)
	require.Empty(t, tasks)
}

func TestFetch_UnexpectedPayload(t *testing.T) {
	for name, body := range map[string]string{
		"empty":     "",
		"object":    `{"items":[]}`,
		"scalar":    `42`,
		"malformed": `[{"id":`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newClient(t, srv).Fetch(context.Background(), upcoach.ResourceHabits)
			require.ErrorIs(t, err, upcoach.ErrUnexpectedPayload)
		})
	}
}

func TestFetch_UnknownResource(t *testing.T) {
	c, err := upcoach.New(newHTTP(), "http://upcoach.test")
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "meals")
	require.True(t, shared.IsValidation(err))
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"t1","title":"Plan week"}]`))
	}))
	defer srv.Close()

	items, err := newClient(t, srv).Fetch(context.Background(), upcoach.ResourceTasks)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCheckIn_IdempotencyKeyReusedAcrossRetries(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/habits/h-1/check-in", r.URL.Path)
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"habitId":"h-1","streak":5}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, upcoach.WithIdempotencyKeys(func() string { return "key-1" }))
	out, err := c.CheckIn(context.Background(), "h-1")
	require.NoError(t, err)
	require.Equal(t, 5, out.Streak)
	require.Equal(t, []string{"key-1", "key-1"}, keys)
}

func TestCheckIn_DefaultKeysAreUnique(t *testing.T) {
	var (
		mu   sync.Mutex
		keys = map[string]bool{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys[r.Header.Get("Idempotency-Key")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	for i := 0; i < 3; i++ {
		out, err := c.CheckIn(context.Background(), "h-2")
		require.NoError(t, err)
		require.Equal(t, "h-2", out.HabitID)
	}
	require.Len(t, keys, 3)
}

func TestCheckIn_Validation(t *testing.T) {
	c, err := upcoach.New(newHTTP(), "http://upcoach.test")
	require.NoError(t, err)
	_, err = c.CheckIn(context.Background(), "  ")
	require.True(t, shared.IsValidation(err))
}

func TestCheckIn_AlreadyCheckedIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "habit already exists for today", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).CheckIn(context.Background(), "h-3")
	require.True(t, shared.IsConflict(err))
	require.False(t, httpclient.RetryableError(err))
}

func TestPing(t *testing.T) {
	status := int32(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	require.NoError(t, c.Ping(context.Background()))

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	require.Error(t, c.Ping(context.Background()))
}
