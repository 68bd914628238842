// Package sweep runs the periodic maintenance jobs: expiring open slots whose claim
// window has passed and retrying failed outbound messages.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/slotcast/internal/config"
	"github.com/kiranshivaraju/slotcast/internal/dispatch"
	"github.com/kiranshivaraju/slotcast/internal/metrics"
	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = 30 * time.Second

// Job is one named periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Expirer closes open slots past their claim window. *broadcast.Service satisfies it.
type Expirer interface {
	ExpireOpenSlots(ctx context.Context) (int, error)
}

// Retrier re-sends failed outbound messages. *dispatch.Dispatcher satisfies it.
type Retrier interface {
	RetryFailed(ctx context.Context, limit int) (dispatch.RetryStats, error)
}

type Runner struct {
	mu      sync.Mutex
	log     *slog.Logger
	metrics metrics.Recorder
	parser  cron.Parser
	loc     *time.Location
	jobs    []Job
	c       *cron.Cron
	cancel  context.CancelFunc
}

func New(loc *time.Location, m metrics.Recorder, log *slog.Logger) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		log:     log,
		metrics: m,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
	}
}

// NewFromConfig builds a runner with the expiry and retry jobs registered.
func NewFromConfig(cfg config.SweepConfig, e Expirer, r Retrier, m metrics.Recorder, log *slog.Logger) (*Runner, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sweep timezone: %w", err)
	}
	run := New(loc, m, log)
	if err := run.Add(ExpireJob(cfg.ExpireSpec, e, run.log)); err != nil {
		return nil, err
	}
	if err := run.Add(RetryJob(cfg.RetrySpec, cfg.RetryBatch, r, run.log)); err != nil {
		return nil, err
	}
	return run, nil
}

// Add registers a job. Jobs must be added before Start.
func (r *Runner) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("sweep job needs a name and a func")
	}
	if _, err := r.parser.Parse(j.Spec); err != nil {
		return fmt.Errorf("sweep job %s: invalid spec %q: %w", j.Name, j.Spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return errors.New("sweep runner already started")
	}
	r.jobs = append(r.jobs, j)
	return nil
}

// Start schedules every registered job. Overlapping runs of the same job are skipped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	for _, j := range r.jobs {
		if _, err := c.AddFunc(j.Spec, func() { r.exec(runCtx, j) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	r.c, r.cancel = c, cancel
	c.Start()
	r.log.Info("sweep runner started", "jobs", len(r.jobs), "tz", r.loc.String())
	return nil
}

// Stop cancels in-flight jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	r.cancel()
	<-r.c.Stop().Done()
	r.c, r.cancel = nil, nil
	r.log.Info("sweep runner stopped")
}

// RunNow executes the named job immediately, outside the schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	var job *Job
	for i := range r.jobs {
		if r.jobs[i].Name == name {
			job = &r.jobs[i]
			break
		}
	}
	r.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown sweep job %q", name)
	}
	return r.exec(ctx, *job)
}

func (r *Runner) exec(ctx context.Context, j Job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep job %s panicked: %v", j.Name, rec)
		}
		r.metrics.SweepRun(j.Name, err)
		if err != nil {
			r.log.Error("sweep job failed", "job", j.Name, "error", err)
			return
		}
		r.log.Debug("sweep job done", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
	}()
	return j.Run(ctx)
}

func ExpireJob(spec string, e Expirer, log *slog.Logger) Job {
	if log == nil {
		log = slog.Default()
	}
	return Job{
		Name: "expire",
		Spec: spec,
		Run: func(ctx context.Context) error {
			n, err := e.ExpireOpenSlots(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("expired open slots", "count", n)
			}
			return nil
		},
	}
}

func RetryJob(spec string, batch int, d Retrier, log *slog.Logger) Job {
	if log == nil {
		log = slog.Default()
	}
	return Job{
		Name: "retry",
		Spec: spec,
		Run: func(ctx context.Context) error {
			stats, err := d.RetryFailed(ctx, batch)
			if err != nil {
				return err
			}
			if stats.Leased > 0 {
				log.Info("retried failed messages", "leased", stats.Leased, "sent", stats.Sent, "failed", stats.Failed)
			}
			return nil
		},
	}
}
