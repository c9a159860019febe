package models

import "time"

// SessionRecord is the remote copy of a session, keyed by (UserID, SessionID).
// The header fields are denormalized from the blob so listing never has to
// decode it. ServerUpdatedAt is assigned by the store on every write.
type SessionRecord struct {
	UserID           string           `json:"user_id"`
	SessionID        string           `json:"session_id"`
	CaseID           string           `json:"case_id"`
	Score            *float64         `json:"score"`
	IsCompleted      bool             `json:"is_completed"`
	EvaluationStatus EvaluationStatus `json:"evaluation_status"`
	MessageCount     int              `json:"message_count"`
	HistoryBlob      string           `json:"history_blob"`
	BlobDigest       string           `json:"blob_digest,omitempty"`
	ServerUpdatedAt  *time.Time       `json:"server_updated_at"`
}
