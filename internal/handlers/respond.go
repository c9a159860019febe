package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"casesync/internal/cloudsync"
	"casesync/internal/middleware"
	"casesync/internal/models"
	"casesync/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	resp := errorResp(code, message, r)
	resp.Error.Fields = fields
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return false
	}
	return true
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
	case errors.Is(err, services.ErrCaseIDRequired):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{"case_id": "required"}, r))
	case errors.Is(err, models.ErrInvalidConfidence):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", err.Error(),
			map[string]string{"differential": "confidence must be between 0 and 1"}, r))
	case errors.Is(err, models.ErrInvalidEvaluationStatus):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", err.Error(),
			map[string]string{"status": "unknown evaluation status"}, r))
	case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrEmptyAction):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, cloudsync.ErrNoIdentity):
		writeJSON(w, http.StatusConflict, errorResp("NOT_LINKED", "Session is not linked to an account", r))
	default:
		slog.Error("Request failed", "path", r.URL.Path, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
