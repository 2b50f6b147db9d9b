package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/krshsl/praxis/proctor/repository"
)

const (
	DefaultSweepSchedule = "@every 5m"
	DefaultSweepGrace    = 2 * time.Minute
	sweepBatch           = 50
)

// Sweeper re-fires evaluation for submitted sessions that are still unscored
// after the grace period, e.g. because the process died mid-evaluation.
type Sweeper struct {
	repo      *repository.GORMRepository
	evaluator Submitter
	schedule  string
	grace     time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

func NewSweeper(repo *repository.GORMRepository, evaluator Submitter, schedule string, grace time.Duration) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if grace <= 0 {
		grace = DefaultSweepGrace
	}
	return &Sweeper{
		repo:      repo,
		evaluator: evaluator,
		schedule:  schedule,
		grace:     grace,
		cron:      cron.New(),
		now:       time.Now,
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			slog.Error("Evaluation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule evaluation sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("Evaluation sweeper started", "schedule", s.schedule, "grace", s.grace)
	return nil
}

// Stop halts scheduling and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Evaluation sweeper stopped")
}

// RunOnce fires evaluation for each unscored session and returns how many it
// fired.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	sessions, err := s.repo.ListUnscoredSubmitted(ctx, s.now().Add(-s.grace), sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, session := range sessions {
		slog.Info("Re-firing evaluation", "session_id", session.ID, "submitted_at", session.SubmittedAt)
		s.evaluator.Fire(session.ID)
	}
	return len(sessions), nil
}
