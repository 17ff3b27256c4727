package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// Runner runs the merge job until the stream is drained.
type Runner interface {
	Drain(ctx context.Context) (Stats, error)
}

// RunReport describes the most recent run of the job.
type RunReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Stats     Stats         `json:"stats"`
	Error     string        `json:"error,omitempty"`
}

// Orchestrator schedules the merge job. Runs are requested by a ticker, an
// optional cron schedule, stream append notifications and manual triggers,
// and are executed one at a time by a single worker. Requests arriving
// while a run is in progress collapse into one follow-up run.
type Orchestrator struct {
	job      Runner
	interval time.Duration
	cronExpr string
	notifier domain.Notifier
	channel  string
	trigger  chan struct{}
	logger   *slog.Logger

	mu   sync.Mutex
	last *RunReport
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCron additionally runs the job on a 5-field cron schedule.
func WithCron(expr string) OrchestratorOption {
	return func(o *Orchestrator) { o.cronExpr = expr }
}

// WithNotifications runs the job whenever a message arrives on channel.
func WithNotifications(n domain.Notifier, channel string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = n
		o.channel = channel
	}
}

// NewOrchestrator creates an Orchestrator. A non-positive interval disables
// the ticker.
func NewOrchestrator(job Runner, interval time.Duration, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		job:      job,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TriggerChannel returns the channel that requests one run. Senders should
// use a non-blocking send.
func (o *Orchestrator) TriggerChannel() chan<- struct{} {
	return o.trigger
}

// Trigger requests a run without blocking. It reports false when a run is
// already queued.
func (o *Orchestrator) Trigger() bool {
	select {
	case o.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastRun returns the report of the most recent run, if any.
func (o *Orchestrator) LastRun() (RunReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return RunReport{}, false
	}
	return *o.last, true
}

// Run starts the schedulers and the worker. It runs the job once
// immediately and returns when ctx is cancelled or a scheduler fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	var schedule CronSchedule
	if o.cronExpr != "" {
		var err error
		if schedule, err = ParseCron(o.cronExpr); err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", o.cronExpr, err)
		}
	}

	o.logger.Info("orchestrator starting",
		slog.Duration("interval", o.interval),
		slog.String("cron", o.cronExpr),
		slog.String("notify_channel", o.channel),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.work(ctx)
		return nil
	})

	if o.interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(o.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					o.Trigger()
				}
			}
		})
	}

	if o.cronExpr != "" {
		g.Go(func() error {
			return o.runCron(ctx, schedule)
		})
	}

	if o.notifier != nil && o.channel != "" {
		g.Go(func() error {
			ch, err := o.notifier.Subscribe(ctx, o.channel)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pipeline: subscribe %s: %w", o.channel, err)
			}
			for range ch {
				o.Trigger()
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}

func (o *Orchestrator) runCron(ctx context.Context, schedule CronSchedule) error {
	for {
		next, err := schedule.Next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", o.cronExpr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			o.Trigger()
		}
	}
}

// work executes runs serially.
func (o *Orchestrator) work(ctx context.Context) {
	o.runJob(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.trigger:
			o.runJob(ctx)
		}
	}
}

func (o *Orchestrator) runJob(ctx context.Context) {
	start := time.Now()
	stats, err := o.job.Drain(ctx)
	report := RunReport{
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
		Stats:     stats,
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		report.Error = err.Error()
		o.logger.Error("merge job failed", slog.String("error", err.Error()))
	}

	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()
}
