package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"land-office/internal/core"
)

type fakeSweeps struct {
	mu    sync.Mutex
	calls []string
	opts  []core.SweepOptions
	fail  map[string]error
}

func (f *fakeSweeps) record(name string, opts core.SweepOptions) (core.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.opts = append(f.opts, opts)
	if err := f.fail[name]; err != nil {
		return core.SweepResult{Scanned: 1, Failed: 1}, err
	}
	return core.SweepResult{Scanned: 3, Affected: 2, Duration: 5 * time.Millisecond}, nil
}

func (f *fakeSweeps) ExpireStaleOffers(_ context.Context, opts core.SweepOptions) (core.SweepResult, error) {
	return f.record(JobExpireOffers, opts)
}

func (f *fakeSweeps) MarkOverdueInvoices(_ context.Context, opts core.SweepOptions) (core.SweepResult, error) {
	return f.record(JobMarkOverdue, opts)
}

func (f *fakeSweeps) PurgeOldAuditRows(_ context.Context, opts core.SweepOptions) (core.SweepResult, error) {
	return f.record(JobPurgeAuditRows, opts)
}

func (f *fakeSweeps) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRunner(svc core.SweepService, locker Locker) (*Runner, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	opts := core.SweepOptions{BatchSize: 50, FollowUpTasks: true}
	r := NewRunner(Jobs(svc, opts), locker, metrics, zap.NewNop(), RunnerConfig{Interval: time.Hour})
	return r, metrics
}

func TestRunner_RunOnceRunsEveryJobInOrder(t *testing.T) {
	svc := &fakeSweeps{}
	r, metrics := newTestRunner(svc, nil)

	r.RunOnce(context.Background())

	assert.Equal(t, []string{JobExpireOffers, JobMarkOverdue, JobPurgeAuditRows}, svc.calls)
	for _, o := range svc.opts {
		assert.Equal(t, 50, o.BatchSize)
		assert.True(t, o.FollowUpTasks)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(JobExpireOffers, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.items.WithLabelValues(JobMarkOverdue, "affected")))
	assert.Positive(t, testutil.ToFloat64(metrics.lastSuccess.WithLabelValues(JobPurgeAuditRows)))
}

func TestRunner_JobFailureDoesNotStopOthers(t *testing.T) {
	svc := &fakeSweeps{fail: map[string]error{JobExpireOffers: errors.New("boom")}}
	r, metrics := newTestRunner(svc, nil)

	r.RunOnce(context.Background())

	assert.Len(t, svc.calls, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(JobExpireOffers, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.items.WithLabelValues(JobExpireOffers, "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.lastSuccess.WithLabelValues(JobExpireOffers)))
}

func TestRunner_RunJob(t *testing.T) {
	svc := &fakeSweeps{}
	locker := NewMemoryLocker()
	r, metrics := newTestRunner(svc, locker)
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		_, err := r.RunJob(ctx, "reindex")
		assert.ErrorIs(t, err, ErrUnknownJob)
	})

	t.Run("runs the named job", func(t *testing.T) {
		res, err := r.RunJob(ctx, JobMarkOverdue)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Affected)
		assert.Equal(t, []string{JobMarkOverdue}, svc.calls)
	})

	t.Run("skips when locked elsewhere", func(t *testing.T) {
		held, ok, err := locker.TryLock(ctx, JobPurgeAuditRows, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		defer held.Release(ctx)

		_, err = r.RunJob(ctx, JobPurgeAuditRows)
		assert.ErrorIs(t, err, ErrLocked)
		assert.NotContains(t, svc.calls, JobPurgeAuditRows)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(JobPurgeAuditRows, "skipped")))
	})

	t.Run("releases the lock after a run", func(t *testing.T) {
		_, err := r.RunJob(ctx, JobExpireOffers)
		require.NoError(t, err)
		lock, ok, err := locker.TryLock(ctx, JobExpireOffers, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		_ = lock.Release(ctx)
	})
}

func TestRunner_StartStop(t *testing.T) {
	svc := &fakeSweeps{}
	r, _ := newTestRunner(svc, nil)

	r.Start(context.Background())
	r.Start(context.Background()) // no-op while running

	assert.Eventually(t, func() bool { return svc.callCount() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"jobs run immediately on start")

	r.Stop()
	r.Stop()
	n := svc.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, svc.callCount(), "no runs after stop")
}

func TestRunner_JobNames(t *testing.T) {
	r, _ := newTestRunner(&fakeSweeps{}, nil)
	assert.Equal(t, []string{JobExpireOffers, JobMarkOverdue, JobPurgeAuditRows}, r.JobNames())
}
