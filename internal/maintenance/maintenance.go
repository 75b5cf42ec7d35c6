// Package maintenance holds the recurring housekeeping jobs the scheduler
// enqueues: breaker health snapshots and retention cleanup.
//
// Breaker registries are per process, so collect_health records the breakers
// of the worker that runs it. The API process's breakers are visible only
// through its admin endpoint.
package maintenance

import (
	"context"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/jobs"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/resilience"
	"github.com/SirClappington/renderq/internal/scheduler"
	"github.com/SirClappington/renderq/internal/storage"
)

const (
	CollectHealth  = "maintenance.collect_health"
	CleanupMetrics = "maintenance.cleanup_metrics"
)

// HealthSource is satisfied by *resilience.Registry.
type HealthSource interface {
	HealthStatus() map[string]resilience.Health
}

type Jobs struct {
	health    HealthSource
	snapshots storage.HealthStore
	records   storage.JobStore
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Jobs)

func WithClock(now func() time.Time) Option {
	return func(j *Jobs) { j.now = now }
}

func New(health HealthSource, snapshots storage.HealthStore, records storage.JobStore, retention time.Duration, logger *zap.Logger, opts ...Option) *Jobs {
	j := &Jobs{
		health:    health,
		snapshots: snapshots,
		records:   records,
		retention: retention,
		now:       time.Now,
		logger:    logging.OrNop(logger),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// CollectHealth persists one snapshot per known breaker.
func (j *Jobs) CollectHealth(ctx context.Context, _ struct{}) error {
	status := j.health.HealthStatus()
	if len(status) == 0 {
		return nil
	}
	at := j.now().UTC()
	snaps := make([]storage.HealthSnapshot, 0, len(status))
	for service, h := range status {
		snaps = append(snaps, storage.HealthSnapshot{
			Service:       service,
			State:         string(h.State),
			FailureCount:  h.FailureCount,
			LastFailureAt: h.LastFailureTime,
			Healthy:       h.Healthy,
			CollectedAt:   at,
		})
	}
	sort.Slice(snaps, func(a, b int) bool { return snaps[a].Service < snaps[b].Service })

	if err := j.snapshots.InsertHealthSnapshots(ctx, snaps); err != nil {
		return err
	}
	unhealthy := 0
	for _, s := range snaps {
		if !s.Healthy {
			unhealthy++
		}
	}
	j.logger.Info("service health collected",
		zap.Int("services", len(snaps)),
		zap.Int("unhealthy", unhealthy),
	)
	return nil
}

// CleanupMetrics removes finished job records and health snapshots older
// than the retention window. Both purges run even if one fails.
func (j *Jobs) CleanupMetrics(ctx context.Context, _ struct{}) error {
	cutoff := j.now().UTC().Add(-j.retention)
	jobsPurged, errJobs := j.records.PurgeFinished(ctx, cutoff)
	snapsPurged, errSnaps := j.snapshots.PurgeHealthSnapshots(ctx, cutoff)
	if err := multierr.Combine(errJobs, errSnaps); err != nil {
		return err
	}
	j.logger.Info("retention cleanup done",
		zap.Time("cutoff", cutoff),
		zap.Int64("jobs", jobsPurged),
		zap.Int64("health_snapshots", snapsPurged),
	)
	return nil
}

// Register adds both jobs to reg on the cleanup lane.
func Register(reg *jobs.Registry, j *Jobs) {
	jobs.Register(reg, jobs.Definition[struct{}]{Name: CollectHealth, Lane: domain.LaneCleanup, Handler: j.CollectHealth})
	jobs.Register(reg, jobs.Definition[struct{}]{Name: CleanupMetrics, Lane: domain.LaneCleanup, Handler: j.CleanupMetrics})
}

// Tasks returns the scheduler entries for both jobs.
func Tasks(healthEvery, cleanupEvery time.Duration) []scheduler.Task {
	return []scheduler.Task{
		{Name: "collect-health", Schedule: "@every " + healthEvery.String(), Lane: domain.LaneCleanup, Handler: CollectHealth},
		{Name: "cleanup-metrics", Schedule: "@every " + cleanupEvery.String(), Lane: domain.LaneCleanup, Handler: CleanupMetrics},
	}
}
