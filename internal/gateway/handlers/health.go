package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// HealthHandler handles GET /health. Status stays "ok" while the store is
// down; only the database field changes.
func HealthHandler(store database.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC(), Database: "connected"}
		if err := store.Ping(ctx); err != nil {
			resp.Database = "disconnected"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
