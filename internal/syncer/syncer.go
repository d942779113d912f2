// Package syncer pulls resources from the UpCoach API and stores a snapshot
// of each one.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"upcoach-sync/internal/platform/metrics"
	"upcoach-sync/internal/shared"
	"upcoach-sync/pkg/retry"
)

// Report statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Source returns the items of a resource as raw JSON documents.
type Source interface {
	Fetch(ctx context.Context, resource string) ([]json.RawMessage, error)
}

// Store persists snapshots. Latest returns an error matching
// shared.ErrNotFound when resource has never been synced.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context, resource string) (Snapshot, error)
}

// Snapshot is the full content of one resource at FetchedAt.
type Snapshot struct {
	ID        string          `json:"id"`
	Resource  string          `json:"resource"`
	Count     int             `json:"count"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// ResourceResult is the outcome of syncing one resource.
type ResourceResult struct {
	Resource string        `json:"resource"`
	Items    int           `json:"items"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// MarshalJSON adds the error text.
func (r ResourceResult) MarshalJSON() ([]byte, error) {
	type plain ResourceResult
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Report summarizes one SyncAll run.
type Report struct {
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"duration"`
	Status    string           `json:"status"`
	Results   []ResourceResult `json:"results"`
}

// Err joins the errors of all failed resources.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Resource, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Syncer runs sync passes. It is safe for concurrent use.
type Syncer struct {
	src         Source
	store       Store
	resources   []string
	policy      retry.Config
	concurrency int
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	sf singleflight.Group
}

// Option configures Syncer.
type Option func(*Syncer)

// WithResources sets the resources synced by SyncAll.
func WithResources(rs ...string) Option {
	return func(s *Syncer) { s.resources = append([]string(nil), rs...) }
}

// WithRetry sets the per-resource retry policy. It applies on top of the
// HTTP client's own retries, so keep it short.
func WithRetry(cfg retry.Config) Option {
	return func(s *Syncer) { s.policy = cfg }
}

// WithConcurrency bounds the number of resources synced at once.
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets logger used by syncer.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records runs in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithNow replaces the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Syncer. By default every resource is retried once more on
// transient errors, two at a time.
func New(src Source, store Store, opts ...Option) *Syncer {
	s := &Syncer{
		src:         src,
		store:       store,
		resources:   []string{"habits", "goals", "tasks"},
		policy:      retry.Quick().WithShouldRetry(shared.IsTransient),
		concurrency: 2,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resources returns the resources synced by SyncAll.
func (s *Syncer) Resources() []string { return append([]string(nil), s.resources...) }

// SyncAll syncs every resource. A failing resource does not stop the others;
// check Report.Status or Report.Err. Calls made while a pass is running wait
// for it and share its report. The error is non-nil only when the pass could
// not start, for example because of an invalid retry policy.
func (s *Syncer) SyncAll(ctx context.Context) (Report, error) {
	v, err, coalesced := s.sf.Do("all", func() (any, error) {
		return s.run(ctx)
	})
	if coalesced {
		s.log.Debug("sync coalesced")
	}
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// Latest returns the newest snapshot of resource.
func (s *Syncer) Latest(ctx context.Context, resource string) (Snapshot, error) {
	return s.store.Latest(ctx, resource)
}

func (s *Syncer) run(ctx context.Context) (Report, error) {
	if err := s.policy.Validate(); err != nil {
		return Report{}, err
	}
	rep := Report{StartedAt: s.now(), Results: make([]ResourceResult, len(s.resources))}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, res := range s.resources {
		g.Go(func() error {
			rep.Results[i] = s.syncResource(ctx, res)
			return nil
		})
	}
	_ = g.Wait()

	rep.Duration = s.now().Sub(rep.StartedAt)
	rep.Status = status(rep.Results)
	s.metrics.ObserveSync(rep.Status, rep.Duration, s.now())

	attrs := []any{
		slog.String("status", rep.Status),
		slog.Int("resources", len(rep.Results)),
		slog.Duration("dur", rep.Duration),
	}
	if err := rep.Err(); err != nil {
		s.log.Warn("sync finished", append(attrs, slog.Any("error", err))...)
	} else {
		s.log.Info("sync finished", attrs...)
	}
	return rep, nil
}

func (s *Syncer) syncResource(ctx context.Context, resource string) ResourceResult {
	op := "sync." + resource
	res := retry.DoWithResult(ctx, s.policy, func(ctx context.Context) (int, error) {
		items, err := s.src.Fetch(ctx, resource)
		if err != nil {
			return 0, err
		}
		snap, err := newSnapshot(resource, items, s.now())
		if err != nil {
			return 0, err
		}
		if err := s.store.Save(ctx, snap); err != nil {
			return 0, shared.Wrap(err, "save snapshot")
		}
		return snap.Count, nil
	}, append(s.metrics.RetryHooks(op),
		retry.OnRetry(func(attempt int, err error, d time.Duration) {
			s.log.Warn("sync resource retry",
				slog.String("resource", resource),
				slog.Int("attempt", attempt),
				slog.Duration("wait", d),
				slog.Any("error", err))
		}))...)

	s.metrics.ObserveOutcome(op, res.Err, res.TotalDuration)
	if res.IsFailure() {
		s.log.Warn("sync resource failed",
			slog.String("resource", resource),
			slog.Int("attempts", res.Attempts),
			slog.String("kind", shared.KindOf(res.Err).String()),
			slog.Any("error", res.Err))
	} else {
		s.metrics.SetResourceItems(resource, res.Value)
		s.log.Info("sync resource",
			slog.String("resource", resource),
			slog.Int("items", res.Value),
			slog.Int("attempts", res.Attempts),
			slog.Duration("dur", res.TotalDuration))
	}
	return ResourceResult{
		Resource: resource,
		Items:    res.Value,
		Attempts: res.Attempts,
		Duration: res.TotalDuration,
		Err:      res.Err,
	}
}

func newSnapshot(resource string, items []json.RawMessage, at time.Time) (Snapshot, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:        uuid.NewString(),
		Resource:  resource,
		Count:     len(items),
		Payload:   payload,
		FetchedAt: at.UTC(),
	}, nil
}

func status(results []ResourceResult) string {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusOK
	case failed == len(results):
		return StatusFailed
	}
	return StatusPartial
}
