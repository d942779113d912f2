package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"upcoach-sync/pkg/retry"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	require.Equal(t, "prod", c.Env)
	require.Equal(t, "info", c.Log.ConsoleLevel)
	require.Equal(t, "http://localhost:8080", c.API.URL)
	require.Equal(t, 15*time.Second, c.API.Timeout)
	require.Equal(t, []string{"habits", "goals", "tasks"}, c.Sync.Resources)
	require.Equal(t, "@every 15m", c.Sync.Schedule)
	require.Equal(t, "sqlite", c.Store.Driver)
	require.Equal(t, ":8081", c.Admin.Addr)
	require.Equal(t, 50, c.Store.Keep)

	p, err := c.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, retry.API().MaxAttempts, p.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, p.InitialDelay)
	require.Equal(t, 10*time.Second, p.MaxDelay)
	require.True(t, p.Jitter)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("UPCOACH_API_URL", "https://api.upcoach.test/")
	t.Setenv("UPCOACH_EMAIL", "coach@upcoach.test")
	t.Setenv("UPCOACH_PASSWORD", "pw")
	t.Setenv("RETRY_PRESET", "network")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("RETRY_MULTIPLIER", "1.5")
	t.Setenv("RETRY_JITTER", "false")
	t.Setenv("SYNC_RESOURCES", " Habits, tasks ,")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/coach")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.upcoach.test", c.API.URL)
	require.Equal(t, []string{"habits", "tasks"}, c.Sync.Resources)
	require.Equal(t, "postgres", c.Store.Driver)

	p, err := c.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, 7, p.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, p.InitialDelay)
	require.Equal(t, 30*time.Second, p.MaxDelay)
	require.Equal(t, 1.5, p.Multiplier)
	require.False(t, p.Jitter)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad env", map[string]string{"ENV": "staging"}},
		{"bad level", map[string]string{"LOG_CONSOLE_LEVEL": "verbose"}},
		{"bad url", map[string]string{"UPCOACH_API_URL": "not a url"}},
		{"email without password", map[string]string{"UPCOACH_EMAIL": "coach@upcoach.test"}},
		{"bad duration", map[string]string{"HTTP_TIMEOUT": "soon"}},
		{"bad int", map[string]string{"RETRY_MAX_ATTEMPTS": "many"}},
		{"bad bool", map[string]string{"RETRY_JITTER": "maybe"}},
		{"unknown preset", map[string]string{"RETRY_PRESET": "aggressive"}},
		{"multiplier below one", map[string]string{"RETRY_MULTIPLIER": "0.5"}},
		{"max below initial", map[string]string{"RETRY_INITIAL_DELAY": "1m", "RETRY_MAX_DELAY": "1s"}},
		{"unknown resource", map[string]string{"SYNC_RESOURCES": "habits,meals"}},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mysql"}},
		{"negative keep", map[string]string{"SNAPSHOT_KEEP": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestRetryPolicy_InvalidPreset(t *testing.T) {
	var c Config
	c.Retry.Preset = "bogus"
	_, err := c.RetryPolicy()
	require.True(t, errors.Is(err, retry.ErrInvalidConfig))
}

func TestSplitList(t *testing.T) {
	require.Nil(t, splitList(""))
	require.Equal(t, []string{"goals"}, splitList(" , GOALS ,"))
}
