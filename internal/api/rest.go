package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/storage"
)

// HealthFunc reports whether the consumer is attached to the broker.
type HealthFunc func() bool

// ReplayFunc dispatches a stored dead letter again and returns the workflow
// result. The entry is removed on success.
type ReplayFunc func(ctx context.Context, id string) (string, error)

type Handler struct {
	store   storage.Store
	replay  ReplayFunc
	healthy HealthFunc
	logger  *zap.Logger
}

// NewHTTPHandler serves the operator endpoints. store may be nil when dead
// letters are disabled; replay may be nil to refuse replays.
func NewHTTPHandler(store storage.Store, replay ReplayFunc, healthy HealthFunc, logger *zap.Logger) http.Handler {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{store: store, replay: replay, healthy: healthy, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /deadletters", h.handleListDeadLetters)
	mux.HandleFunc("GET /deadletters/{id}", h.handleGetDeadLetter)
	mux.HandleFunc("DELETE /deadletters/{id}", h.handleDeleteDeadLetter)
	mux.HandleFunc("POST /deadletters/{id}/replay", h.handleReplayDeadLetter)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from cmdb-reconciler"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !h.healthy() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disconnected"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusNotFound, "dead letters disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := h.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

func (h *Handler) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusNotFound, "dead letters disabled")
		return
	}
	d, err := h.store.GetDeadLetter(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		h.logger.Error("get dead letter", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusNotFound, "dead letters disabled")
		return
	}
	id := r.PathValue("id")
	err := h.store.DeleteDeadLetter(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		h.logger.Error("delete dead letter", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to delete dead letter")
		return
	}
	h.logger.Info("dead letter purged", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.replay == nil {
		h.writeError(w, http.StatusNotFound, "dead letters disabled")
		return
	}
	id := r.PathValue("id")
	result, err := h.replay(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		h.logger.Warn("replay failed", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.logger.Info("dead letter replayed", zap.String("id", id), zap.String("result", result))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": result})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Debug("http error", zap.Int("status", status), zap.String("msg", msg))
}
