package models

import (
	"github.com/google/uuid"
)

// Database schema overview:
// 1. candidates - people invited to an interview
// 2. reviewers, refresh_tokens - human reviewers and their cookie sessions
// 3. question_packs, pack_questions - frozen per-candidate question lists
// 4. interview_tokens - one opaque credential per interview instance
// 5. interview_sessions - one per token, holds the question cursor and recording outcome
// 6. interview_turns - one immutable row per (session, question)
// 7. evaluations, question_scores - automatic scoring, one evaluation per session
// 8. interview_reports - denormalized dashboard rows
// 9. audit_events - fire-and-forget trail of attempt milestones

// All lists every model in migration order.
func All() []any {
	return []any{
		&Candidate{},
		&Reviewer{},
		&RefreshToken{},
		&QuestionPack{},
		&PackQuestion{},
		&InterviewToken{},
		&InterviewSession{},
		&InterviewTurn{},
		&Evaluation{},
		&QuestionScore{},
		&InterviewReport{},
		&AuditEvent{},
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
