// Package health derives operational signals from the queue's persisted
// state: stuck-job counts, failure rates, a worker-liveness heuristic, and a
// composite health score. Everything here is read-only reporting; nothing is
// auto-remediated.
package health

import (
	"context"
	"log/slog"
	"time"

	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/internal/queue"
)

// Liveness is a heuristic read on worker activity inferred from queue row
// timestamps. It is an operational signal, not an authoritative liveness
// check; a worker heartbeat channel would be a separate concern.
type Liveness string

const (
	LivenessProcessing     Liveness = "processing_jobs"
	LivenessRecentlyActive Liveness = "recently_active"
	LivenessIdleNoJobs     Liveness = "idle_no_jobs"
	LivenessJobsStuck      Liveness = "jobs_stuck"
	LivenessUncertain      Liveness = "uncertain"
)

// Snapshot is a point-in-time health report.
type Snapshot struct {
	GeneratedAt      time.Time
	Stats            *queue.Stats
	StuckJobs        int
	RecentFailures   int
	FailureRate      float64
	FailureAlert     bool
	Liveness         Liveness
	LongReservations []*queue.Entry
	HealthScore      int
}

// Monitor computes health snapshots from the store.
type Monitor struct {
	store  *queue.Store
	cfg    config.Health
	logger *slog.Logger
}

// NewMonitor builds a monitor with the configured thresholds.
func NewMonitor(store *queue.Store, cfg config.Health, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "health"),
	}
}

// Snapshot derives the current health view. Storage errors abort the whole
// snapshot rather than returning a partial one.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stuck, err := m.store.CountStuck(ctx, time.Duration(m.cfg.StuckThresholdMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}

	windowStart := now.Add(-time.Duration(m.cfg.FailureRateWindowMinutes) * time.Minute)
	failures, err := m.store.CountFailuresSince(ctx, windowStart)
	if err != nil {
		return nil, err
	}
	activity, err := m.store.CountWorkItemsUpdatedSince(ctx, windowStart, "")
	if err != nil {
		return nil, err
	}

	longReservations, err := m.store.ListLongReservations(ctx, time.Duration(m.cfg.LongReservationMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		GeneratedAt:      now,
		Stats:            stats,
		StuckJobs:        stuck,
		RecentFailures:   failures,
		FailureRate:      failureRate(failures, activity),
		Liveness:         m.liveness(stats, stuck, now),
		LongReservations: longReservations,
	}
	snapshot.FailureAlert = snapshot.FailureRate > m.cfg.FailureRateAlert
	snapshot.HealthScore = score(snapshot)

	if snapshot.FailureAlert || snapshot.StuckJobs > 0 {
		m.logger.WarnContext(ctx, "queue health degraded",
			logging.Int("stuck_jobs", snapshot.StuckJobs),
			logging.Float64("failure_rate", snapshot.FailureRate),
			logging.Bool("failure_alert", snapshot.FailureAlert),
			logging.String("liveness", string(snapshot.Liveness)),
			logging.Int("health_score", snapshot.HealthScore),
		)
	}
	return snapshot, nil
}

// failureRate is failures over all work tracked in the window. The
// denominator is registry activity alone rather than surviving queue rows,
// since completed entries are deleted and every worker failure already
// touches its registry item inside the window.
func failureRate(failures, activity int) float64 {
	if failures <= 0 {
		return 0
	}
	if activity <= 0 {
		return 1
	}
	rate := float64(failures) / float64(activity)
	if rate > 1 {
		return 1
	}
	return rate
}

// liveness ranks the heuristics strictly: active reservations beat recent
// activity, which beats an empty queue, which beats a stuck report.
func (m *Monitor) liveness(stats *queue.Stats, stuck int, now time.Time) Liveness {
	if stats.Reserved > 0 {
		return LivenessProcessing
	}
	recentWindow := time.Duration(m.cfg.RecentActivityMinutes) * time.Minute
	if stats.LatestReserved != nil && now.Sub(*stats.LatestReserved) <= recentWindow {
		return LivenessRecentlyActive
	}
	if stats.Pending == 0 {
		return LivenessIdleNoJobs
	}
	if stuck > 0 {
		return LivenessJobsStuck
	}
	return LivenessUncertain
}

// score is 100 minus weighted penalties, floored at zero.
func score(s *Snapshot) int {
	penalty := 0

	stuck := s.StuckJobs
	if stuck > 5 {
		stuck = 5
	}
	penalty += stuck * 10

	long := len(s.LongReservations)
	if long > 4 {
		long = 4
	}
	penalty += long * 5

	if s.FailureAlert {
		penalty += 30
	}

	result := 100 - penalty
	if result < 0 {
		return 0
	}
	return result
}
