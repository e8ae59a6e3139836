// Package maintenance runs the periodic housekeeping jobs against the
// durable history store: per-conversation retention trimming and database
// compaction.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Zbun/wechat-gpt-relay/internal/database"
)

// Scheduler owns the gocron instance and the registered jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	store     database.Store
	log       *slog.Logger

	trimSchedule   string
	vacuumSchedule string
	maxStoredTurns int

	mu      sync.Mutex
	running bool
}

// Config sets the job schedules, in cron syntax with optional seconds field.
type Config struct {
	TrimSchedule   string // retention trim per conversation key
	VacuumSchedule string // database compaction
	MaxStoredTurns int
}

// NewScheduler creates the maintenance scheduler. Jobs are registered but not
// running until Start is called.
func NewScheduler(store database.Store, cfg Config, log *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler:      s,
		store:          store,
		log:            log.With("component", "maintenance"),
		trimSchedule:   cfg.TrimSchedule,
		vacuumSchedule: cfg.VacuumSchedule,
		maxStoredTurns: cfg.MaxStoredTurns,
	}, nil
}

// Start registers the jobs and starts the scheduler ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"history_trim", s.trimSchedule, s.trimAll},
		{"sql_maintenance", s.vacuumSchedule, s.store.RunSQLMaintenance},
	}

	scheduledCount := 0
	for _, job := range jobs {
		if job.schedule == "" {
			s.log.Info("Skipping maintenance job with empty schedule", "job", job.name)
			continue
		}

		run := job.run
		_, err := s.scheduler.NewJob(
			gocron.CronJob(job.schedule, true),
			gocron.NewTask(func(ctx context.Context, name string) {
				s.log.Info("Running maintenance job", "job", name)
				start := time.Now()
				if jobErr := run(ctx); jobErr != nil {
					s.log.Error("Maintenance job failed", "job", name, "error", jobErr)
				}
				s.log.Info("Finished maintenance job", "job", name, "duration", time.Since(start))
			}, context.Background(), job.name),
			gocron.WithName(job.name),
		)
		if err != nil {
			s.log.Error("Failed to schedule maintenance job", "job", job.name, "schedule", job.schedule, "error", err)
			continue
		}

		s.log.Info("Scheduled maintenance job", "job", job.name, "schedule", job.schedule)
		scheduledCount++
	}

	s.scheduler.Start()
	s.running = true
	s.log.Info("Maintenance scheduler started", "jobs_scheduled", scheduledCount)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.log.Error("Error during maintenance scheduler shutdown", "error", err)
	}
	s.running = false
	return err
}

// trimAll enforces the per-key retention cap across every known
// conversation. Steady-state appends already trim their own key; this sweep
// catches keys whose deferred trim was dropped.
func (s *Scheduler) trimAll(ctx context.Context) error {
	keys, err := s.store.ConversationKeys(ctx)
	if err != nil {
		return fmt.Errorf("list conversation keys: %w", err)
	}

	var trimmed int64
	for _, key := range keys {
		n, err := s.store.TrimTurns(ctx, key, s.maxStoredTurns)
		if err != nil {
			s.log.Warn("Failed to trim conversation", "conv_key", key, "error", err)
			continue
		}
		trimmed += n
	}

	if trimmed > 0 {
		s.log.Info("Trimmed stored conversation turns", "keys", len(keys), "turns_deleted", trimmed)
	}
	return nil
}
