package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krshsl/praxis/proctor/websocket"
)

func TestRoomTokens(t *testing.T) {
	rooms := NewRoomTokens("room-secret", time.Hour)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rooms.now = func() time.Time { return now }

	signed, expires, err := rooms.Issue("interview-abc", "agent-c1", websocket.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expires)

	claims, err := rooms.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "interview-abc", claims.Room)
	assert.Equal(t, "agent-c1", claims.Identity)
	assert.Equal(t, websocket.RoleAgent, claims.Role)

	other := NewRoomTokens("different-secret", time.Hour)
	other.now = rooms.now
	_, err = other.Verify(signed)
	assert.Error(t, err)

	rooms.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = rooms.Verify(signed)
	assert.Error(t, err, "expired token must be rejected")

	_, err = rooms.Verify("")
	assert.Error(t, err)
}

func TestRoomTokensRejectUnknownRole(t *testing.T) {
	rooms := NewRoomTokens("room-secret", 0)
	signed, _, err := rooms.Issue("interview-abc", "someone", websocket.Role("observer"))
	require.NoError(t, err)

	_, err = rooms.Verify(signed)
	assert.Error(t, err)
}

func TestPickVoice(t *testing.T) {
	first := PickVoice("candidate-1")
	assert.NotEmpty(t, first)
	assert.Equal(t, first, PickVoice("candidate-1"))
}
