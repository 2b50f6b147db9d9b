package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingSubmitter) Fire(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, sessionID)
}

func TestSweeperRunOnce(t *testing.T) {
	f := newEvalFixture(t)
	ctx := context.Background()
	now := time.Now()

	stale := f.session(t, "stale", "A?")
	f.submit(t, stale, now.Add(-10*time.Minute))

	fresh := f.session(t, "fresh", "A?")
	f.submit(t, fresh, now.Add(-30*time.Second))

	scored := f.session(t, "scored", "A?")
	f.turn(t, scored, f.pack[0].ID, f.pack[0].Text, "done")
	f.submit(t, scored, now.Add(-10*time.Minute))
	_, _, err := NewEvaluator(f.repo, f.questions, nil, f.audit).Trigger(ctx, scored.ID)
	require.NoError(t, err)

	f.session(t, "open", "A?")

	sub := &recordingSubmitter{}
	sweeper := NewSweeper(f.repo, sub, "", time.Minute)
	sweeper.now = func() time.Time { return now }

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{stale.ID}, sub.fired)

	// once the grace period passes the fresh session is picked up too
	sweeper.now = func() time.Time { return now.Add(5 * time.Minute) }
	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{stale.ID, stale.ID, fresh.ID}, sub.fired)
}

func TestSweeperStartStop(t *testing.T) {
	f := newEvalFixture(t)
	sweeper := NewSweeper(f.repo, &recordingSubmitter{}, "@every 1h", 0)
	assert.Equal(t, DefaultSweepGrace, sweeper.grace)
	require.NoError(t, sweeper.Start())
	sweeper.Stop()

	bad := NewSweeper(f.repo, &recordingSubmitter{}, "not a schedule", 0)
	assert.Error(t, bad.Start())
}
