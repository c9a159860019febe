package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casesync/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCaseIDRequired  = errors.New("case_id is required")
)

type SessionStore interface {
	Save(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

type UploadQueue interface {
	Enqueue(userID, sessionID string) bool
}

// SessionCoordinator is the part of the sync engine local edits go through.
type SessionCoordinator interface {
	Now() time.Time
	EditLocal(userID, sessionID string, fn func() error) error
	Delete(ctx context.Context, userID, sessionID string) error
}

// SessionService applies user edits to the local store first and then
// schedules an upload. Callers never wait on the network for an edit.
type SessionService struct {
	store    SessionStore
	sync     SessionCoordinator
	queue    UploadQueue
	deviceID string
}

func NewSessionService(store SessionStore, sync SessionCoordinator, queue UploadQueue, deviceID string) *SessionService {
	return &SessionService{store: store, sync: sync, queue: queue, deviceID: deviceID}
}

func (s *SessionService) Start(ctx context.Context, userID, caseID string) (*models.Session, error) {
	if caseID == "" {
		return nil, ErrCaseIDRequired
	}

	session := models.NewSession(userID, caseID, s.deviceID, s.sync.Now())
	err := s.sync.EditLocal(userID, session.ID, func() error {
		return s.store.Save(ctx, session)
	})
	if err != nil {
		return nil, fmt.Errorf("save new session: %w", err)
	}
	return session, nil
}

func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *SessionService) AppendMessage(ctx context.Context, userID, sessionID, sender, content string) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		return session.AppendMessage(sender, content, now)
	})
}

func (s *SessionService) RecordAction(ctx context.Context, userID, sessionID, actionName string, reason *string) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		return session.RecordAction(actionName, reason, now)
	})
}

func (s *SessionService) UpdateNotes(ctx context.Context, userID, sessionID, notes string) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		session.SetNotes(notes, now)
		return nil
	})
}

func (s *SessionService) UpdateDifferential(ctx context.Context, userID, sessionID string, entries []models.DiagnosisEntry) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		return session.SetDifferential(entries, now)
	})
}

func (s *SessionService) SetEvaluationStatus(ctx context.Context, userID, sessionID string, status models.EvaluationStatus) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		return session.SetEvaluationStatus(status, now)
	})
}

func (s *SessionService) Complete(ctx context.Context, userID, sessionID string, score float64, evaluation *string) (*models.Session, error) {
	return s.mutate(ctx, userID, sessionID, func(session *models.Session, now time.Time) error {
		session.Complete(score, evaluation, now)
		return nil
	})
}

// Delete removes the remote record first; if that fails the local copy stays
// so the session is not silently resurrected by the next reconcile.
func (s *SessionService) Delete(ctx context.Context, userID, sessionID string) error {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return err
	}

	if err := s.sync.Delete(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("delete remote session: %w", err)
	}

	return s.sync.EditLocal(userID, sessionID, func() error {
		return s.store.Delete(ctx, sessionID)
	})
}

func (s *SessionService) mutate(ctx context.Context, userID, sessionID string, fn func(*models.Session, time.Time) error) (*models.Session, error) {
	var updated *models.Session
	err := s.sync.EditLocal(userID, sessionID, func() error {
		session, err := s.Get(ctx, userID, sessionID)
		if err != nil {
			return err
		}
		if err := fn(session, s.sync.Now()); err != nil {
			return err
		}
		if err := s.store.Save(ctx, session); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.HasSyncableContent() {
		s.queue.Enqueue(userID, sessionID)
	}
	return updated, nil
}
