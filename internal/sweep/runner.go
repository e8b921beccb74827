// Package sweep schedules the periodic batch jobs and guards each run with a
// cross-instance lock.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"land-office/internal/core"
)

// Job names.
const (
	JobExpireOffers   = "expire-offers"
	JobMarkOverdue    = "mark-overdue-invoices"
	JobPurgeAuditRows = "purge-audit"
)

var (
	// ErrUnknownJob is returned by RunJob for a name the runner does not know.
	ErrUnknownJob = errors.New("unknown sweep job")
	// ErrLocked is returned by RunJob when another instance holds the job lock.
	ErrLocked = errors.New("sweep job is running elsewhere")
)

// Job is one named batch operation.
type Job struct {
	Name string
	Run  func(ctx context.Context) (core.SweepResult, error)
}

// Jobs returns the standard job set backed by svc.
func Jobs(svc core.SweepService, opts core.SweepOptions) []Job {
	return []Job{
		{Name: JobExpireOffers, Run: func(ctx context.Context) (core.SweepResult, error) {
			return svc.ExpireStaleOffers(ctx, opts)
		}},
		{Name: JobMarkOverdue, Run: func(ctx context.Context) (core.SweepResult, error) {
			return svc.MarkOverdueInvoices(ctx, opts)
		}},
		{Name: JobPurgeAuditRows, Run: func(ctx context.Context) (core.SweepResult, error) {
			return svc.PurgeOldAuditRows(ctx, opts)
		}},
	}
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// Runner runs its jobs once on Start and then on every tick until Stop.
type Runner struct {
	jobs    map[string]Job
	order   []string
	locker  Locker
	metrics *Metrics
	log     *zap.Logger
	cfg     RunnerConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner builds a runner. A nil locker means an in-process lock and nil
// metrics disables instrumentation.
func NewRunner(jobs []Job, locker Locker, metrics *Metrics, log *zap.Logger, cfg RunnerConfig) *Runner {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	r := &Runner{
		jobs:    make(map[string]Job, len(jobs)),
		locker:  locker,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
	}
	for _, j := range jobs {
		r.jobs[j.Name] = j
		r.order = append(r.order, j.Name)
	}
	return r
}

// JobNames returns the registered job names, sorted.
func (r *Runner) JobNames() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Start launches the schedule loop. Calling Start on a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	r.log.Info("sweep runner started", zap.Duration("interval", r.cfg.Interval), zap.Strings("jobs", r.order))
}

// Stop cancels the loop and waits for an in-flight run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("sweep runner stopped")
}

// RunOnce runs every job in registration order. Failures are logged, not returned.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, name := range r.order {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunJob(ctx, name); err != nil && !errors.Is(err, ErrLocked) {
			r.log.Error("sweep job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// RunJob runs one job under its lock.
func (r *Runner) RunJob(ctx context.Context, name string) (core.SweepResult, error) {
	job, ok := r.jobs[name]
	if !ok {
		return core.SweepResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	lock, ok, err := r.locker.TryLock(ctx, name, r.cfg.LockTTL)
	if err != nil {
		return core.SweepResult{}, err
	}
	if !ok {
		r.log.Debug("sweep job locked elsewhere", zap.String("job", name))
		r.observe(name, core.SweepResult{}, ErrLocked)
		return core.SweepResult{}, ErrLocked
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("failed to release sweep lock", zap.String("job", name), zap.Error(err))
		}
	}()

	res, err := job.Run(ctx)
	r.observe(name, res, err)
	if err != nil {
		return res, fmt.Errorf("sweep %s: %w", name, err)
	}
	r.log.Info("sweep job done",
		zap.String("job", name),
		zap.Int("scanned", res.Scanned),
		zap.Int("affected", res.Affected),
		zap.Int("failed", res.Failed),
		zap.Duration("took", res.Duration))
	return res, nil
}

func (r *Runner) observe(name string, res core.SweepResult, err error) {
	if r.metrics != nil {
		r.metrics.observe(name, res, err, time.Now())
	}
}
