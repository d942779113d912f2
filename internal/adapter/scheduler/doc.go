// Package scheduler runs the agent's periodic jobs.
//
// Jobs are scheduled with a cron spec (github.com/robfig/cron/v3, five or
// six fields, descriptors such as "@every 15m" included) or a fixed
// interval. Each job can have a name, a timeout, an overlap policy and can
// run once right after Start. Panics are recovered and reported as errors.
//
//	s := scheduler.New(scheduler.Config{Logger: log, Metrics: m})
//	_, err := s.AddCronJobWithOptions(cfg.Sync.Schedule, func(ctx context.Context) error {
//		rep, err := syncer.SyncAll(ctx)
//		if err != nil {
//			return err
//		}
//		return rep.Err()
//	}, scheduler.JobOptions{
//		Name:          "sync",
//		Timeout:       cfg.Sync.Timeout,
//		OverlapPolicy: scheduler.SkipIfRunning,
//		RunOnStart:    true,
//	})
//	s.Start()
//	defer s.StopContext(shutdownCtx)
//
// JobHooks and Config.Metrics observe every execution.
package scheduler
