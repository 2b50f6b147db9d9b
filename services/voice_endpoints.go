package services

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"

	"github.com/krshsl/praxis/proctor/models"
	"github.com/krshsl/praxis/proctor/repository"
	"github.com/krshsl/praxis/proctor/voice"
	ws "github.com/krshsl/praxis/proctor/websocket"
)

// VoiceEndpoints mints relay credentials for the candidate and the agent and
// serves the relay websocket itself.
type VoiceEndpoints struct {
	repo     *repository.GORMRepository
	rooms    *RoomTokens
	hub      *ws.Hub
	wsURL    string
	agentKey string
	upgrader gorilla.Upgrader
}

func NewVoiceEndpoints(repo *repository.GORMRepository, rooms *RoomTokens, hub *ws.Hub, wsURL, agentKey, allowedOrigins string) *VoiceEndpoints {
	return &VoiceEndpoints{
		repo:     repo,
		rooms:    rooms,
		hub:      hub,
		wsURL:    wsURL,
		agentKey: agentKey,
		upgrader: gorilla.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// the agent is a server process and sends no Origin
				if r.Header.Get("Origin") == "" {
					return true
				}
				return CheckOrigin(r, allowedOrigins)
			},
		},
	}
}

// RegisterRoutes mounts the candidate route under /interviews/{token}.
func (e *VoiceEndpoints) RegisterRoutes(r chi.Router) {
	r.Post("/voice-token", e.CandidateTokenHandler)
}

// RegisterAgentRoutes mounts routes that require the agent API key. tokens
// validates the interview token as for candidate routes.
func (e *VoiceEndpoints) RegisterAgentRoutes(r chi.Router, tokens *TokenService) {
	r.Route("/agent", func(r chi.Router) {
		r.Use(e.RequireAgentKey)
		r.With(tokens.RequireInterviewToken).Post("/rooms/{token}/token", e.AgentTokenHandler)
	})
}

func roomName(session *models.InterviewSession) string {
	return "interview-" + session.ID
}

func (e *VoiceEndpoints) RequireAgentKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-Key")
		if e.agentKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(e.agentKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid agent key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *VoiceEndpoints) openSession(w http.ResponseWriter, r *http.Request) (*models.InterviewToken, *models.InterviewSession, bool) {
	tok := interviewTokenFrom(r.Context())
	session, err := e.repo.GetSessionByToken(r.Context(), tok.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to get session")
		return nil, nil, false
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "Session has not been started")
		return nil, nil, false
	}
	if session.Closed() {
		writeError(w, http.StatusConflict, "session_closed", "Session is already closed")
		return nil, nil, false
	}
	return tok, session, true
}

func (e *VoiceEndpoints) issue(w http.ResponseWriter, tok *models.InterviewToken, session *models.InterviewSession, role ws.Role) {
	identity := string(role) + "-" + session.CandidateID
	signed, expires, err := e.rooms.Issue(roomName(session), identity, role)
	if err != nil {
		slog.Error("Failed to issue room token", "error", err, "session_id", session.ID)
		writeError(w, http.StatusInternalServerError, "internal", "Failed to issue voice token")
		return
	}
	writeJSON(w, http.StatusOK, voice.Credentials{
		URL:       e.wsURL,
		Token:     signed,
		Room:      roomName(session),
		Voice:     PickVoice(tok.CandidateID),
		ExpiresAt: expires,
	})
	slog.Info("Voice token issued", "session_id", session.ID, "role", role)
}

func (e *VoiceEndpoints) CandidateTokenHandler(w http.ResponseWriter, r *http.Request) {
	tok, session, ok := e.openSession(w, r)
	if !ok {
		return
	}
	e.issue(w, tok, session, ws.RoleCandidate)
}

func (e *VoiceEndpoints) AgentTokenHandler(w http.ResponseWriter, r *http.Request) {
	tok, session, ok := e.openSession(w, r)
	if !ok {
		return
	}
	e.issue(w, tok, session, ws.RoleAgent)
}

// RelayHandler upgrades a participant holding a valid room token.
func (e *VoiceEndpoints) RelayHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := e.rooms.Verify(r.URL.Query().Get("access_token"))
	if err != nil {
		slog.Warn("Relay connection rejected", "error", err)
		writeError(w, http.StatusForbidden, "room_token_invalid", "Invalid room token")
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	e.hub.Join(conn, claims.Room, claims.Identity, claims.Role)
}
