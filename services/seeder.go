package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

const (
	DemoToken         = "demo-token"
	demoCandidate     = "candidate@example.com"
	demoReviewer      = "reviewer@example.com"
	demoTokenLifetime = 30 * 24 * time.Hour
)

// DatabaseSeeder creates a demo reviewer, a candidate with a small question
// pack, and a long-lived interview token. Every step is idempotent.
type DatabaseSeeder struct {
	repo *repository.GORMRepository
	auth *AuthService
}

func NewDatabaseSeeder(repo *repository.GORMRepository, auth *AuthService) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo, auth: auth}
}

func (s *DatabaseSeeder) SeedDatabase(ctx context.Context) error {
	if _, err := s.auth.CreateReviewer(ctx, demoReviewer, "password", "Demo Reviewer"); err != nil {
		return fmt.Errorf("failed to seed reviewer: %w", err)
	}

	existing, err := s.repo.GetInterviewToken(ctx, DemoToken)
	if err != nil {
		return fmt.Errorf("error checking demo token: %w", err)
	}
	if existing != nil {
		slog.Info("Demo token already exists, skipping", "token", DemoToken)
		return nil
	}

	candidate, err := s.seedCandidate(ctx)
	if err != nil {
		return err
	}

	pack := &models.QuestionPack{
		CandidateID: &candidate.ID,
		Title:       "Backend engineer screen",
		Questions: []models.PackQuestion{
			{Position: 0, Text: "Walk me through a service you designed end to end.", Skill: "system design"},
			{Position: 1, Text: "How do you make a write endpoint safe to retry?", Skill: "distributed systems"},
			{Position: 2, Text: "Tell me about a production incident you debugged.", Skill: "operations"},
		},
	}
	if err := s.repo.CreateQuestionPack(ctx, pack); err != nil {
		return fmt.Errorf("failed to seed question pack: %w", err)
	}

	now := time.Now()
	token := &models.InterviewToken{
		Token:       DemoToken,
		CandidateID: candidate.ID,
		PackID:      &pack.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(demoTokenLifetime),
	}
	if err := s.repo.CreateInterviewToken(ctx, token); err != nil {
		return fmt.Errorf("failed to seed demo token: %w", err)
	}

	slog.Info("Database seeding completed successfully", "token", DemoToken, "pack_id", pack.ID)
	return nil
}

func (s *DatabaseSeeder) seedCandidate(ctx context.Context) (*models.Candidate, error) {
	candidate, err := s.repo.GetCandidateByEmail(ctx, demoCandidate)
	if err != nil {
		return nil, fmt.Errorf("error checking candidate %s: %w", demoCandidate, err)
	}
	if candidate != nil {
		return candidate, nil
	}
	candidate = &models.Candidate{Email: demoCandidate, FullName: "Demo Candidate"}
	if err := s.repo.CreateCandidate(ctx, candidate); err != nil {
		return nil, fmt.Errorf("failed to create candidate %s: %w", demoCandidate, err)
	}
	slog.Info("Created candidate", "email", demoCandidate)
	return candidate, nil
}
