package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"upcoach-sync/internal/adapter/admin"
	"upcoach-sync/internal/adapter/external/upcoach"
	"upcoach-sync/internal/adapter/scheduler"
	"upcoach-sync/internal/config"
	"upcoach-sync/internal/platform/httpclient"
	"upcoach-sync/internal/platform/logger"
	"upcoach-sync/internal/platform/metrics"
	"upcoach-sync/internal/platform/pg"
	"upcoach-sync/internal/platform/sqlite"
	"upcoach-sync/internal/shared"
	"upcoach-sync/internal/syncer"
	"upcoach-sync/pkg/retry"
)

const shutdownTimeout = 10 * time.Second

// App wires application components.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	policy  retry.Config
	metrics *metrics.Metrics
	api     *upcoach.Client

	syncer  *syncer.Syncer
	checks  []admin.Check
	closers []func() error
}

// Option configures App.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New builds the API client and its HTTP stack. Nothing touches the
// network or the database until a command needs it.
func New(cfg config.Config, opts ...Option) (*App, error) {
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, policy: policy, metrics: metrics.New()}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = logger.New(logger.Options{
			Env:          cfg.Env,
			ConsoleLevel: cfg.Log.ConsoleLevel,
			FileLevel:    cfg.Log.FileLevel,
			File:         cfg.Log.File,
			App:          "coachsync",
		})
		log := a.log
		a.closers = append(a.closers, func() error { return logger.Close(log) })
	}

	hc := httpclient.New(
		httpclient.WithLogger(a.log.With("component", "http")),
		httpclient.WithTimeout(cfg.API.Timeout),
		httpclient.WithRetry(policy),
		httpclient.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		httpclient.WithRetryHooks(a.metrics.RetryHooks("upcoach")...),
	)
	a.api, err = upcoach.New(hc, cfg.API.URL,
		upcoach.WithLogger(a.log.With("component", "upcoach")),
		upcoach.WithToken(cfg.API.Token),
		upcoach.WithDeviceID(cfg.API.DeviceID),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Run syncs on the configured schedule and serves the admin endpoints
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting",
		slog.String("api", a.cfg.API.URL),
		slog.String("store", a.cfg.Store.Driver),
		slog.String("schedule", a.cfg.Sync.Schedule))

	s, err := a.prepare(ctx)
	if err != nil {
		return err
	}

	sched := scheduler.NewWithContext(ctx, scheduler.Config{
		Logger:  a.log.With("component", "scheduler"),
		Metrics: a.metrics,
	})
	_, err = sched.AddCronJobWithOptions(a.cfg.Sync.Schedule, a.syncJob(s), scheduler.JobOptions{
		Name:          "sync",
		Timeout:       a.cfg.Sync.Timeout,
		OverlapPolicy: scheduler.SkipIfRunning,
		RunOnStart:    true,
	})
	if err != nil {
		return shared.MarkKind(fmt.Errorf("sync schedule %q: %w", a.cfg.Sync.Schedule, err), shared.KindValidation)
	}

	var srv *admin.Server
	if a.cfg.Admin.Addr != "" {
		srv = admin.NewServer(a.cfg.Admin.Addr, admin.Options{
			Syncer:  s,
			Metrics: a.metrics.Handler(),
			Checks:  a.checks,
			Logger:  a.log.With("component", "admin"),
		})
		srv.Start()
	}
	sched.Start()

	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, sched.StopContext(shutdownCtx))
	return errors.Join(errs...)
}

// Sync runs a single pass over every configured resource.
func (a *App) Sync(ctx context.Context) (syncer.Report, error) {
	s, err := a.prepare(ctx)
	if err != nil {
		return syncer.Report{}, err
	}
	return s.SyncAll(ctx)
}

// CheckIn marks habitID as done for today.
func (a *App) CheckIn(ctx context.Context, habitID string) (upcoach.CheckIn, error) {
	if err := a.authenticate(ctx, false); err != nil {
		return upcoach.CheckIn{}, err
	}
	return a.api.CheckIn(ctx, habitID)
}

// Wait polls the API health endpoint under policy until it answers.
// Each probe is a single HTTP attempt; policy alone decides the pacing.
func (a *App) Wait(ctx context.Context, policy retry.Config) retry.Result[struct{}] {
	hc := httpclient.New(
		httpclient.WithLogger(a.log.With("component", "http")),
		httpclient.WithTimeout(a.cfg.API.Timeout),
		httpclient.WithRetry(a.policy.WithMaxAttempts(1)),
	)
	api, err := upcoach.New(hc, a.cfg.API.URL, upcoach.WithLogger(a.log))
	if err != nil {
		return retry.Result[struct{}]{Err: err}
	}
	if policy.ShouldRetry == nil {
		policy = policy.WithShouldRetry(httpclient.RetryableError)
	}
	return retry.DoWithResult(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, api.Ping(ctx)
	}, retry.OnRetry(func(attempt int, err error, d time.Duration) {
		a.log.Info("api not ready",
			slog.String("url", a.cfg.API.URL),
			slog.Int("attempt", attempt),
			slog.Duration("wait", d),
			slog.Any("error", err))
	}))
}

// Close releases the store and flushes the log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// prepare logs in and opens the store once.
func (a *App) prepare(ctx context.Context) (*syncer.Syncer, error) {
	if a.syncer != nil {
		return a.syncer, nil
	}
	if err := a.authenticate(ctx, false); err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.checks = append(a.checks, admin.Check{Name: "api", Fn: a.api.Ping})
	a.syncer = syncer.New(a.api, store,
		syncer.WithResources(a.cfg.Sync.Resources...),
		syncer.WithLogger(a.log.With("component", "syncer")),
		syncer.WithMetrics(a.metrics),
	)
	return a.syncer, nil
}

// syncJob runs one pass. An expired token triggers a fresh login so the
// next pass can succeed.
func (a *App) syncJob(s *syncer.Syncer) scheduler.JobFunc {
	return func(ctx context.Context) error {
		rep, err := s.SyncAll(ctx)
		if err != nil {
			return err
		}
		err = rep.Err()
		if shared.IsUnauthorized(err) && a.cfg.API.Email != "" {
			if lerr := a.authenticate(ctx, true); lerr != nil {
				a.log.Error("re-login failed", slog.Any("error", lerr))
			}
		}
		return err
	}
}

// authenticate logs in with the configured credentials. Without
// credentials the static token, if any, is used as is.
func (a *App) authenticate(ctx context.Context, force bool) error {
	if a.cfg.API.Email == "" || (!force && a.api.Token() != "") {
		return nil
	}
	_, err := retry.Do(ctx, a.policy.WithShouldRetry(shared.IsTransient), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.api.Login(ctx, a.cfg.API.Email, a.cfg.API.Password)
	}, append(a.metrics.RetryHooks("upcoach.login"), retry.OnRetry(func(attempt int, err error, d time.Duration) {
		a.log.Warn("login retry", slog.Int("attempt", attempt), slog.Duration("wait", d), slog.Any("error", err))
	}))...)
	return err
}

func (a *App) openStore(ctx context.Context) (syncer.Store, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		return a.openPostgres(ctx)
	default:
		return a.openSQLite(ctx)
	}
}

func (a *App) openSQLite(ctx context.Context) (syncer.Store, error) {
	path := a.cfg.Store.SQLitePath
	db, err := sqlite.Open(ctx, path, sqlite.DefaultOptions())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	info, err := sqlite.Migrate(path)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	a.log.Info("sqlite ready", slog.String("path", path), slog.Uint64("version", uint64(info.FinalVersion)), slog.Bool("migrated", info.Applied))

	tx := sqlite.NewTxRunner(db,
		sqlite.WithLogger(a.log.With("component", "sqlite")),
		sqlite.WithRetryHooks(a.metrics.RetryHooks("sqlite.tx")...),
	)
	a.checks = append(a.checks, admin.Check{Name: "store", Fn: db.PingContext})
	return sqlite.NewSnapshotStore(tx, a.cfg.Store.Keep), nil
}

func (a *App) openPostgres(ctx context.Context) (syncer.Store, error) {
	log := a.log.With("component", "postgres")
	opts := pg.DefaultPoolOptions()
	opts.Logger = log
	pool, err := pg.Connect(ctx, a.cfg.Store.DatabaseURL, opts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	info, err := pg.Migrate(a.cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("postgres ready", slog.Uint64("version", uint64(info.FinalVersion)), slog.Bool("migrated", info.Applied))

	a.checks = append(a.checks, admin.Check{Name: "store", Fn: func(ctx context.Context) error {
		return pg.Ping(ctx, pool, 0)
	}})
	return pg.NewSnapshotStore(pg.NewTxRunner(pool, retry.Config{}, log), a.cfg.Store.Keep), nil
}
