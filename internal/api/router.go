package api

import (
	"log/slog"
	"net/http"

	"labelflow/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the router. requireUser guards everything under /api
// except health. CORS wraps the router so preflights never hit method
// matching.
func SetupRoutes(h *Handler, requireUser func(http.Handler) http.Handler, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()

	// Tracing first so recovery can log with the request logger.
	r.Use(middleware.TracingMiddleware(logger))
	r.Use(middleware.ErrorRecoveryMiddleware(logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	locks := api.PathPrefix("/locks").Subrouter()
	locks.Use(requireUser)
	locks.HandleFunc("/images/{id}/acquire", h.AcquireLock).Methods(http.MethodPost)
	locks.HandleFunc("/images/{id}/release", h.ReleaseLock).Methods(http.MethodPost)
	locks.HandleFunc("/images/{id}/refresh", h.RefreshLock).Methods(http.MethodPost)
	locks.HandleFunc("/images/{id}", h.GetLock).Methods(http.MethodGet)
	locks.HandleFunc("/cleanup", h.CleanupLocks).Methods(http.MethodPost)
	locks.HandleFunc("/users/{user_id}", h.ReleaseUserLocks).Methods(http.MethodDelete)

	collab := api.PathPrefix("/collaboration").Subrouter()
	collab.Use(requireUser)
	collab.HandleFunc("/images/{id}/users", h.ActiveUsers).Methods(http.MethodGet)

	r.HandleFunc("/ws/collaboration/{image_id}", h.HandleCollaborationWebSocket)

	return middleware.CORSMiddleware(allowedOrigins)(r)
}
