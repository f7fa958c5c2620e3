package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
)

type HistoryHandler struct {
	store        database.Store
	defaultLimit int
	maxLimit     int
	logger       *slog.Logger
}

func NewHistoryHandler(store database.Store, defaultLimit, maxLimit int, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:        store,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       logger,
	}
}

// HandleList handles GET /history
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", h.defaultLimit)
	if !ok || limit < 1 || limit > h.maxLimit {
		writeError(w, http.StatusUnprocessableEntity, "limit must be between 1 and "+strconv.Itoa(h.maxLimit))
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		writeError(w, http.StatusUnprocessableEntity, "offset must be a non-negative integer")
		return
	}

	convs, total, err := h.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}

	writeJSON(w, http.StatusOK, models.ConversationPage{
		Conversations: convs,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
	})
}

// HandleGet handles GET /history/{id}
func (h *HistoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	parsed, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid conversation id")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), parsed.String())
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
