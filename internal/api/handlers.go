package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"labelflow/internal/auth"
	"labelflow/internal/logging"
	"labelflow/internal/models"
	"labelflow/internal/presence"
	"labelflow/internal/services"
	"labelflow/internal/services/collaboration"
)

// Handler serves the lock, presence and health endpoints.
type Handler struct {
	locks        LockService
	hub          Broadcaster
	presence     presence.Store
	wsHandler    *collaboration.WebSocketHandler
	checks       map[string]Pinger
	storeTimeout time.Duration
	logger       *slog.Logger
}

func NewHandler(
	locks LockService,
	hub Broadcaster,
	store presence.Store,
	wsHandler *collaboration.WebSocketHandler,
	checks map[string]Pinger,
	storeTimeout time.Duration,
	logger *slog.Logger,
) *Handler {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		locks:        locks,
		hub:          hub,
		presence:     store,
		wsHandler:    wsHandler,
		checks:       checks,
		storeTimeout: storeTimeout,
		logger:       logger.With("component", "api"),
	}
}

// LockResponse is returned by acquire. Success and contention are both 200.
type LockResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Lock    *models.LockInfo `json:"lock,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	Count   *int64 `json:"count,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type activeUsersResponse struct {
	ImageID     string              `json:"image_id"`
	Users       []models.ActiveUser `json:"users"`
	Connections int                 `json:"connections"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	return logging.FromContext(r.Context(), h.logger)
}

// currentUser is only called behind auth.RequireUser.
func currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	}
	return user, ok
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return nil, false
	}
	if !user.IsAdmin {
		writeError(w, http.StatusForbidden, "Admin privileges required")
		return nil, false
	}
	return user, true
}

func (h *Handler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.storeTimeout)
}

// Health pings every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.storeCtx(r.Context())
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.log(r).Warn("health check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = "degraded"
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

// ActiveUsers reports who is viewing an image according to presence, with
// the connection count of this process.
func (h *Handler) ActiveUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	imageID := imageIDFrom(r)

	ctx, cancel := h.storeCtx(r.Context())
	defer cancel()

	users, err := h.presence.ActiveUsers(ctx, imageID)
	if err != nil {
		h.log(r).Warn("presence read failed, using connection view", "image_id", imageID, "error", err)
		users = h.hub.ActiveUsers(imageID)
	}
	if users == nil {
		users = []models.ActiveUser{}
	}

	writeJSON(w, http.StatusOK, activeUsersResponse{
		ImageID:     imageID,
		Users:       users,
		Connections: h.hub.ConnectionCount(imageID),
	})
}

// conflictDetail unwraps the display message of an expected lock conflict.
func conflictDetail(err error) (string, bool) {
	var conflict *services.LockConflictError
	if errors.As(err, &conflict) {
		return conflict.Message, true
	}
	return "", false
}
