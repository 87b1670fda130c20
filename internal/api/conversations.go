package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/querysmith/querysmith/internal/conversation"
)

func handleGetConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation dependencies are not configured", false, nil)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CONVERSATION_ID_REQUIRED", "conversation id is required", false, nil)
		return
	}

	conv, err := deps.Conversations.Get(id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation was not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load conversation", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func handleCancelConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Orchestrator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "ask dependencies are not configured", false, nil)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CONVERSATION_ID_REQUIRED", "conversation id is required", false, nil)
		return
	}

	cancelled := deps.Orchestrator.Cancel(id)
	if !cancelled {
		writeError(r.Context(), w, http.StatusNotFound, "NO_EPISODE_IN_FLIGHT", "no episode is running for this conversation", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"cancelled":       true,
	})
}
