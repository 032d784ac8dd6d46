// Package cronrunner schedules background jobs with robfig/cron.
package cronrunner

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner runs jobs on cron schedules (seconds field enabled). Every job
// receives the runner's base context, so jobs stop cooperating once it is
// cancelled.
type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
}

func New(baseCtx context.Context, logger *slog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name. Overlapping runs of the same job are skipped.
func (r *Runner) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.logger.ErrorContext(r.baseCtx, "cron: job failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logger.DebugContext(r.baseCtx, "cron: job done",
			slog.String("job", name),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (r *Runner) Start() {
	r.logger.Info("cron: started", slog.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("cron: stopped")
}
