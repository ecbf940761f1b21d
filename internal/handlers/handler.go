package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/relay"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	state  *relay.State
	db     store.Store
	redis  *store.RedisStore // may be nil
	logger zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(state *relay.State, db store.Store, redis *store.RedisStore, logger zerolog.Logger) *Handler {
	return &Handler{state: state, db: db, redis: redis, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
