package api

import (
	"fmt"
	"net/http"
	"strconv"

	"labelflow/internal/models"

	"github.com/gorilla/mux"
)

func imageIDFrom(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// AcquireLock always answers 200; success=false carries the holder's name.
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	imageID := imageIDFrom(r)

	acquired, lock, err := h.locks.Acquire(r.Context(), imageID, user)
	if err != nil {
		if detail, isConflict := conflictDetail(err); isConflict {
			writeJSON(w, http.StatusOK, LockResponse{
				Success: false,
				Message: detail,
				Lock:    h.locks.Describe(r.Context(), lock),
			})
			return
		}
		h.log(r).Error("lock acquire failed", "image_id", imageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to acquire lock")
		return
	}
	if !acquired {
		writeJSON(w, http.StatusOK, LockResponse{Success: false, Message: "Failed to acquire lock"})
		return
	}

	expiresAt := lock.ExpiresAt
	h.hub.Broadcast(imageID, models.LockEventMessage{
		Type:      models.MessageTypeImageLocked,
		ImageID:   imageID,
		LockedBy:  user.ID,
		Username:  user.Username,
		ExpiresAt: &expiresAt,
	}, nil)

	writeJSON(w, http.StatusOK, LockResponse{
		Success: true,
		Message: "Lock acquired",
		Lock:    h.locks.Describe(r.Context(), lock),
	})
}

// ReleaseLock drops the caller's lock; ?force=true lets an admin drop anyone's.
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	imageID := imageIDFrom(r)

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	if _, err := h.locks.Release(r.Context(), imageID, user, force); err != nil {
		if detail, isConflict := conflictDetail(err); isConflict {
			writeError(w, http.StatusForbidden, detail)
			return
		}
		h.log(r).Error("lock release failed", "image_id", imageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to release lock")
		return
	}

	h.hub.Broadcast(imageID, models.LockEventMessage{
		Type:       models.MessageTypeImageUnlocked,
		ImageID:    imageID,
		UnlockedBy: user.ID,
		Username:   user.Username,
	}, nil)

	writeJSON(w, http.StatusOK, messageResponse{Message: "Lock released"})
}

func (h *Handler) RefreshLock(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	imageID := imageIDFrom(r)

	if _, err := h.locks.Refresh(r.Context(), imageID, user); err != nil {
		if detail, isConflict := conflictDetail(err); isConflict {
			writeError(w, http.StatusForbidden, detail)
			return
		}
		h.log(r).Error("lock refresh failed", "image_id", imageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to refresh lock")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Lock refreshed"})
}

// GetLock returns the live lock or null. A store error also yields null so
// the client shows the image as unlocked rather than failing.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}
	imageID := imageIDFrom(r)

	lock, err := h.locks.Get(r.Context(), imageID)
	if err != nil {
		h.log(r).Warn("lock read failed", "image_id", imageID, "error", err)
		lock = nil
	}
	if lock == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.locks.Describe(r.Context(), lock))
}

// CleanupLocks deletes every expired lock. Admin only.
func (h *Handler) CleanupLocks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	count, err := h.locks.CleanupExpired(r.Context())
	if err != nil {
		h.log(r).Error("lock cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clean up locks")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Cleaned up %d expired locks", count),
		Count:   &count,
	})
}

// ReleaseUserLocks drops every lock held by a user. Admin only.
func (h *Handler) ReleaseUserLocks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	userID := mux.Vars(r)["user_id"]

	count, err := h.locks.ReleaseUserLocks(r.Context(), userID)
	if err != nil {
		h.log(r).Error("releasing user locks failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to release locks")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Released %d locks", count),
		Count:   &count,
	})
}
