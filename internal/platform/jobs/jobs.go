// Package jobs runs the clinic's periodic sweeps (installment reminders and
// the pharmacy stock digest) on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultDailySpec runs the sweep every morning at 07:00 clinic time.
const DefaultDailySpec = "0 7 * * *"

// Task is one step of a sweep. Run reports how many items it handled.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Result is the outcome of one task in a sweep.
type Result struct {
	Task     string        `json:"task"`
	Handled  int           `json:"handled"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type Scheduler struct {
	cron    *cron.Cron
	tasks   []Task
	logger  zerolog.Logger
	timeout time.Duration
}

// NewScheduler builds a scheduler whose cron specs are read in loc. A sweep
// that is still running when the next one is due is skipped.
func NewScheduler(loc *time.Location, logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: 10 * time.Minute,
	}
}

// SetTimeout bounds a whole sweep.
func (s *Scheduler) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Register appends a task to the sweep. Tasks run in registration order.
func (s *Scheduler) Register(t Task) { s.tasks = append(s.tasks, t) }

// Schedule runs the sweep on spec, a standard five-field cron expression.
func (s *Scheduler) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return nil
}

// RunOnce runs every task now. A failing task is logged and does not stop
// the ones after it.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.tasks))
	for _, t := range s.tasks {
		start := time.Now()
		n, err := t.Run(ctx)
		r := Result{Task: t.Name, Handled: n, Err: err, Duration: time.Since(start)}
		results = append(results, r)

		if err != nil {
			s.logger.Error().Err(err).Str("task", t.Name).Msg("job failed")
			continue
		}
		s.logger.Info().
			Str("task", t.Name).
			Int("handled", n).
			Dur("duration", r.Duration).
			Msg("job finished")
	}
	return results
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for a running sweep until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes the cron library's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
