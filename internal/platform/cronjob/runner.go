// Package cronjob runs named periodic jobs on a robfig/cron scheduler.
package cronjob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic unit of work. It should return promptly once ctx is done.
type Job func(ctx context.Context) error

// Runner schedules jobs with second-optional cron specs or @every descriptors.
// Overlapping runs of the same job are skipped.
type Runner struct {
	logger *slog.Logger
	parser cron.Parser
	c      *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(logger *slog.Logger) *Runner {
	logger = logger.With("component", "cron")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under name. A zero timeout leaves runs unbounded.
func (r *Runner) Add(name, spec string, timeout time.Duration, job Job) error {
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	_, err := r.c.AddFunc(spec, func() {
		r.run(name, timeout, job)
	})
	return err
}

func (r *Runner) run(name string, timeout time.Duration, job Job) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := job(ctx)
	cronRunsCounter.WithLabelValues(name, outcome(err)).Inc()
	cronRunDurationHist.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("Cron job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	r.logger.Debug("Cron job finished", "job", name, "duration", time.Since(start))
}

// RunNow runs job once on the caller's goroutine with the same bookkeeping as a
// scheduled run.
func (r *Runner) RunNow(name string, timeout time.Duration, job Job) {
	r.run(name, timeout, job)
}

func (r *Runner) Start() {
	r.logger.Info("Starting cron runner", "jobs", len(r.c.Entries()))
	r.c.Start()
}

// Stop cancels running jobs and waits for them to return or for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	done := r.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
