package api

import (
	"net/http"
)

// HandleCollaborationWebSocket upgrades /ws/collaboration/{image_id}. The
// token travels in the query string, so this route sits outside RequireUser.
func (h *Handler) HandleCollaborationWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
