package models

import (
	"testing"
	"time"
)

func TestEffectiveScore(t *testing.T) {
	override := 71.5
	tests := []struct {
		name    string
		eval    Evaluation
		want    float64
		rounded int
	}{
		{"computed", Evaluation{OverallScore: 64.4}, 64.4, 64},
		{"override wins", Evaluation{OverallScore: 64.4, OverrideScore: &override}, 71.5, 72},
		{"zero", Evaluation{}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eval.EffectiveScore(); got != tt.want {
				t.Errorf("EffectiveScore() = %v, want %v", got, tt.want)
			}
			if got := tt.eval.RoundedScore(); got != tt.rounded {
				t.Errorf("RoundedScore() = %v, want %v", got, tt.rounded)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tok := InterviewToken{CreatedAt: issued, ExpiresAt: issued.Add(24 * time.Hour)}

	if tok.Expired(issued.Add(23 * time.Hour)) {
		t.Error("token expired before 24h")
	}
	if !tok.Expired(issued.Add(24 * time.Hour)) {
		t.Error("token still valid at 24h")
	}
}

func TestSessionDefaults(t *testing.T) {
	s := &InterviewSession{Token: "tok-1"}
	if err := s.BeforeCreate(nil); err != nil {
		t.Fatal(err)
	}
	if s.ID == "" {
		t.Error("expected generated id")
	}
	if s.RecordingStatus != RecordingPending {
		t.Errorf("RecordingStatus = %q", s.RecordingStatus)
	}
	if s.Closed() {
		t.Error("pending session reported closed")
	}
}
