package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
)

// AuditEmitter writes audit events off the request path. Failures are logged
// and never reach the caller.
type AuditEmitter struct {
	repo    *repository.AuditRepository
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAuditEmitter(repo *repository.AuditRepository) *AuditEmitter {
	return &AuditEmitter{repo: repo, timeout: 5 * time.Second}
}

func (a *AuditEmitter) Emit(token string, sessionID *string, eventType, actor string, payload map[string]any) {
	if a == nil || a.repo == nil {
		return
	}
	event := &models.AuditEvent{
		Token:     token,
		SessionID: sessionID,
		Type:      eventType,
		Actor:     actor,
		Payload:   payload,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.repo.SaveEvent(ctx, event); err != nil {
			slog.Warn("Audit event dropped", "type", eventType, "error", err)
		}
	}()
}

// Wait blocks until in-flight events are written.
func (a *AuditEmitter) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}
