package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"casesync/internal/middleware"
	"casesync/internal/models"
	"casesync/internal/services"
)

type SessionHandler struct {
	svc *services.SessionService
}

func NewSessionHandler(svc *services.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		CaseID string `json:"case_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.svc.Start(r.Context(), userID, req.CaseID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": session})
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sessions, err := h.svc.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	session, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.svc.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}

func (h *SessionHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender  string `json:"sender"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = models.SenderUser
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.AppendMessage(r.Context(), userID, sessionID, req.Sender, req.Content)
	})
}

func (h *SessionHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionName string  `json:"action_name"`
		Reason     *string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.RecordAction(r.Context(), userID, sessionID, req.ActionName, req.Reason)
	})
}

func (h *SessionHandler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.UpdateNotes(r.Context(), userID, sessionID, req.Notes)
	})
}

func (h *SessionHandler) UpdateDifferential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Differential []models.DiagnosisEntry `json:"differential"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.UpdateDifferential(r.Context(), userID, sessionID, req.Differential)
	})
}

func (h *SessionHandler) SetEvaluationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.EvaluationStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.SetEvaluationStatus(r.Context(), userID, sessionID, req.Status)
	})
}

func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score      *float64 `json:"score"`
		Evaluation *string  `json:"evaluation"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Score == nil {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"score": "required"}, r))
		return
	}

	h.respondMutation(w, r, func(userID, sessionID string) (*models.Session, error) {
		return h.svc.Complete(r.Context(), userID, sessionID, *req.Score, req.Evaluation)
	})
}

func (h *SessionHandler) respondMutation(w http.ResponseWriter, r *http.Request, fn func(userID, sessionID string) (*models.Session, error)) {
	session, err := fn(middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}
