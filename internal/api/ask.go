package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/querysmith/querysmith/internal/assembler"
	"github.com/querysmith/querysmith/internal/auth"
	"github.com/querysmith/querysmith/internal/orchestrator"
)

type askRequest struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
	Scope          string `json:"scope"`
}

type askResponse struct {
	ConversationID string              `json:"conversation_id"`
	Answer         orchestrator.Answer `json:"answer"`
	Stats          map[string]any      `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Orchestrator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "ask dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, "ask"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	conversationID := strings.TrimSpace(request.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	scope := scopeFromRequest(r, request.Scope)

	start := time.Now()
	answer, err := deps.Orchestrator.Ask(r.Context(), conversationID, request.Question, scope)
	if err != nil {
		handleAskError(r, w, err)
		return
	}

	archiveConversation(deps, r, conversationID)
	if deps.Audit != nil {
		deps.Audit.Record(r.Context(), AuditRecord{
			ConversationID: conversationID,
			EpisodeID:      uuid.NewString(),
			Question:       request.Question,
			Status:         string(answer.Status),
			FatalReason:    string(answer.FatalReason),
			Attempts:       answer.Attempts,
			SQL:            answer.SQL,
			LastError:      answer.LastError,
			StartedUnixMs:  start.UnixMilli(),
			DurationMs:     time.Since(start).Milliseconds(),
		})
	}

	writeJSON(w, http.StatusOK, askResponse{
		ConversationID: conversationID,
		Answer:         answer,
		Stats: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
}

func handleAskError(r *http.Request, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEpisodeInFlight):
		writeError(r.Context(), w, http.StatusConflict, "CONVERSATION_BUSY", "an episode is already running for this conversation", true, nil)
	case errors.Is(err, assembler.ErrContextUnavailable):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "no context source is available", true, nil)
	default:
		writeError(r.Context(), w, http.StatusBadGateway, "UPSTREAM_ERROR", "episode failed on an upstream dependency", true, map[string]any{"details": err.Error()})
	}
}

// scopeFromRequest prefers the authenticated identity's memory scope; an
// unauthenticated caller may name one explicitly.
func scopeFromRequest(r *http.Request, requested string) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.MemoryScope()
	}
	return strings.TrimSpace(requested)
}

func archiveConversation(deps Dependencies, r *http.Request, conversationID string) {
	if deps.Archive == nil || deps.Conversations == nil {
		return
	}
	snapshot, err := deps.Conversations.Snapshot(conversationID)
	if err != nil {
		return
	}
	deps.Archive.Save(r.Context(), conversationID, snapshot)
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}
