package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidConfidence       = errors.New("differential confidence must be within [0, 1]")
	ErrInvalidEvaluationStatus = errors.New("unknown evaluation status")
	ErrEmptyMessage            = errors.New("message content is empty")
	ErrEmptyAction             = errors.New("action name is empty")
)

type EvaluationStatus string

const (
	EvaluationNotStarted  EvaluationStatus = "not_started"
	EvaluationEvaluating  EvaluationStatus = "evaluating"
	EvaluationCompleted   EvaluationStatus = "completed"
	EvaluationFailed      EvaluationStatus = "failed"
	EvaluationRetryNeeded EvaluationStatus = "retry_needed"
)

func (s EvaluationStatus) Valid() bool {
	switch s {
	case EvaluationNotStarted, EvaluationEvaluating, EvaluationCompleted, EvaluationFailed, EvaluationRetryNeeded:
		return true
	}
	return false
}

// Message senders used by the UI collaborator. The sender tag is opaque to sync.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type PerformedAction struct {
	ActionName string    `json:"action_name"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     *string   `json:"reason,omitempty"`
}

type DiagnosisEntry struct {
	Diagnosis  string  `json:"diagnosis"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Session is one learner's progress through one case attempt. The sync
// bookkeeping fields at the bottom are local to the device and never leave it.
type Session struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id,omitempty"`
	CaseID            string            `json:"case_id"`
	IsCompleted       bool              `json:"is_completed"`
	Score             *float64          `json:"score,omitempty"`
	EvaluationStatus  EvaluationStatus  `json:"evaluation_status"`
	Messages          []Message         `json:"messages"`
	PerformedActions  []PerformedAction `json:"performed_actions"`
	Notes             string            `json:"notes"`
	Differential      []DiagnosisEntry  `json:"differential"`
	EvaluationPayload *string           `json:"evaluation_payload,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	CloudLastUpdated *time.Time `json:"cloud_last_updated,omitempty"`
	OriginDevice     string     `json:"origin_device"`
}

func NewSession(userID, caseID, deviceID string, now time.Time) *Session {
	return &Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		CaseID:           caseID,
		EvaluationStatus: EvaluationNotStarted,
		Messages:         []Message{},
		PerformedActions: []PerformedAction{},
		Differential:     []DiagnosisEntry{},
		CreatedAt:        now,
		UpdatedAt:        now,
		OriginDevice:     deviceID,
	}
}

func (s *Session) AppendMessage(sender, content string, at time.Time) error {
	if content == "" {
		return ErrEmptyMessage
	}
	s.Messages = append(s.Messages, Message{Sender: sender, Content: content, Timestamp: at})
	s.UpdatedAt = at
	return nil
}

func (s *Session) RecordAction(name string, reason *string, at time.Time) error {
	if name == "" {
		return ErrEmptyAction
	}
	s.PerformedActions = append(s.PerformedActions, PerformedAction{ActionName: name, Timestamp: at, Reason: reason})
	s.UpdatedAt = at
	return nil
}

func (s *Session) SetNotes(notes string, at time.Time) {
	s.Notes = notes
	s.UpdatedAt = at
}

// SetDifferential replaces the whole hypothesis list.
func (s *Session) SetDifferential(entries []DiagnosisEntry, at time.Time) error {
	for i, e := range entries {
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("entry %d (%q): %w", i, e.Diagnosis, ErrInvalidConfidence)
		}
	}
	s.Differential = append([]DiagnosisEntry{}, entries...)
	s.UpdatedAt = at
	return nil
}

func (s *Session) SetEvaluationStatus(status EvaluationStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEvaluationStatus, status)
	}
	s.EvaluationStatus = status
	s.UpdatedAt = at
	return nil
}

// Complete records the evaluation outcome. Score, payload, completion flag and
// status are set together so a reader never sees one without the others.
func (s *Session) Complete(score float64, payload *string, at time.Time) {
	s.Score = &score
	s.EvaluationPayload = payload
	s.IsCompleted = true
	s.EvaluationStatus = EvaluationCompleted
	s.UpdatedAt = at
}

// HasSyncableContent reports whether the session is worth a remote write.
func (s *Session) HasSyncableContent() bool {
	return len(s.Messages) > 0 || s.Notes != ""
}

// SessionContent is the remote-owned, blob-carried part of a session.
type SessionContent struct {
	Messages     []Message
	Actions      []PerformedAction
	Notes        string
	Differential []DiagnosisEntry
	Evaluation   *string
}

// ApplyRemote replaces every remote-owned field with the record's state and
// refreshes the sync bookkeeping. Local-only fields are left alone.
func (s *Session) ApplyRemote(rec *SessionRecord, content SessionContent, now time.Time) {
	if s.UserID == "" {
		s.UserID = rec.UserID
	}
	s.CaseID = rec.CaseID
	s.Score = copyFloat(rec.Score)
	s.IsCompleted = rec.IsCompleted
	s.EvaluationStatus = rec.EvaluationStatus
	s.Messages = nonNilMessages(content.Messages)
	s.PerformedActions = nonNilActions(content.Actions)
	s.Notes = content.Notes
	s.Differential = nonNilDiagnoses(content.Differential)
	s.EvaluationPayload = copyString(content.Evaluation)

	if rec.ServerUpdatedAt != nil {
		t := *rec.ServerUpdatedAt
		s.CloudLastUpdated = &t
	}
	synced := now
	s.LastSyncedAt = &synced
	if s.UpdatedAt.Before(now) {
		s.UpdatedAt = now
	}
}

// SessionFromRemote builds a local aggregate for a record this device has never seen.
func SessionFromRemote(rec *SessionRecord, content SessionContent, originDevice string, now time.Time) *Session {
	s := &Session{
		ID:           rec.SessionID,
		UserID:       rec.UserID,
		CreatedAt:    now,
		OriginDevice: originDevice,
	}
	s.ApplyRemote(rec, content, now)
	return s
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Score = copyFloat(s.Score)
	c.EvaluationPayload = copyString(s.EvaluationPayload)
	c.LastSyncedAt = copyTime(s.LastSyncedAt)
	c.CloudLastUpdated = copyTime(s.CloudLastUpdated)
	c.Messages = append([]Message{}, s.Messages...)
	c.PerformedActions = make([]PerformedAction, len(s.PerformedActions))
	for i, a := range s.PerformedActions {
		a.Reason = copyString(a.Reason)
		c.PerformedActions[i] = a
	}
	c.Differential = append([]DiagnosisEntry{}, s.Differential...)
	return &c
}

func nonNilMessages(in []Message) []Message {
	if in == nil {
		return []Message{}
	}
	return in
}

func nonNilActions(in []PerformedAction) []PerformedAction {
	if in == nil {
		return []PerformedAction{}
	}
	return in
}

func nonNilDiagnoses(in []DiagnosisEntry) []DiagnosisEntry {
	if in == nil {
		return []DiagnosisEntry{}
	}
	return in
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
