package handlers

import (
	"context"
	"net/http"

	"casesync/internal/middleware"
	"casesync/internal/services"
)

// SyncHandler exposes the app lifecycle triggers to the UI.
type SyncHandler struct {
	lifecycle *services.Lifecycle
}

func NewSyncHandler(lifecycle *services.Lifecycle) *SyncHandler {
	return &SyncHandler{lifecycle: lifecycle}
}

// Background is called when the app is about to be suspended. The client may
// drop the request while suspending, so only the background deadline ends the
// uploads.
func (h *SyncHandler) Background(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	uploaded, err := h.lifecycle.Background(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResp("SYNC_FAILED", "Could not upload pending sessions", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"uploaded": uploaded})
}

func (h *SyncHandler) Foreground(w http.ResponseWriter, r *http.Request) {
	summary, err := h.lifecycle.Foreground(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResp("SYNC_FAILED", "Could not reach the session store", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

// Refresh is an explicit pull; remote copies win.
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	summary, err := h.lifecycle.Refresh(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResp("SYNC_FAILED", "Could not reach the session store", r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}
