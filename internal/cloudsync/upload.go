package cloudsync

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"casesync/internal/models"
	"casesync/internal/snapshot"
)

type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Upload writes one remote record for the session. Sessions without a linked
// user or without messages and notes are skipped without touching the remote
// store. The snapshot is taken from the local store once the session's upload
// lock is held, so s only selects the session; a session no longer stored
// locally is skipped. The returned error is non-nil only for OutcomeFailed.
func (e *Engine) Upload(ctx context.Context, s *models.Session) (Outcome, error) {
	if out, ok := e.skipUpload(s); ok {
		return out, nil
	}

	unlock := e.uploads.Lock(s.ID)
	defer unlock()

	var current *models.Session
	if err := e.EditLocal(s.UserID, s.ID, func() error {
		var err error
		current, err = e.local.Get(ctx, s.ID)
		return err
	}); err != nil {
		e.log.Error("Failed to load session for upload", "session_id", s.ID, "error", err)
		return OutcomeFailed, fmt.Errorf("load local session: %w", err)
	}
	if current == nil {
		e.log.Debug("Skipping upload", "session_id", s.ID, "reason", "not stored locally")
		return OutcomeSkipped, nil
	}
	if out, ok := e.skipUpload(current); ok {
		return out, nil
	}

	rec, err := e.buildRecord(current)
	if err != nil {
		e.log.Error("Failed to pack session", "session_id", s.ID, "error", err)
		return OutcomeFailed, err
	}

	err = e.withRetry(ctx, "upsert remote session", func(ctx context.Context) error {
		return e.remote.Upsert(ctx, rec)
	}, "user_id", current.UserID, "session_id", s.ID)
	if err != nil {
		e.log.Warn("Session upload failed", "user_id", current.UserID, "session_id", s.ID, "error", err)
		return OutcomeFailed, err
	}

	// The server timestamp is not read back; CloudLastUpdated only moves on a
	// later download of this record.
	now := e.opts.Now()
	if err := e.EditLocal(current.UserID, s.ID, func() error {
		return e.local.MarkSynced(ctx, s.ID, now)
	}); err != nil {
		e.log.Warn("Failed to record upload time locally", "session_id", s.ID, "error", err)
	}

	e.log.Info("Session uploaded", "user_id", current.UserID, "session_id", s.ID, "messages", rec.MessageCount)
	return OutcomeUploaded, nil
}

func (e *Engine) skipUpload(s *models.Session) (Outcome, bool) {
	if s.UserID == "" {
		e.log.Debug("Skipping upload", "session_id", s.ID, "reason", ErrNoIdentity)
		return OutcomeSkipped, true
	}
	if !s.HasSyncableContent() {
		e.log.Debug("Skipping upload", "session_id", s.ID, "reason", "no messages or notes")
		return OutcomeSkipped, true
	}
	return "", false
}

func (e *Engine) buildRecord(s *models.Session) (*models.SessionRecord, error) {
	blob, err := e.codec.Pack(s)
	if err != nil {
		return nil, err
	}
	digest, err := snapshot.Digest(blob)
	if err != nil {
		return nil, fmt.Errorf("digest snapshot: %w", err)
	}

	status := s.EvaluationStatus
	if status == "" {
		status = models.EvaluationNotStarted
	}

	return &models.SessionRecord{
		UserID:           s.UserID,
		SessionID:        s.ID,
		CaseID:           s.CaseID,
		Score:            s.Score,
		IsCompleted:      s.IsCompleted,
		EvaluationStatus: status,
		MessageCount:     len(s.Messages),
		HistoryBlob:      blob,
		BlobDigest:       digest,
	}, nil
}

// UploadBatch uploads sessions concurrently and returns how many succeeded.
// A partial batch is not an error.
func (e *Engine) UploadBatch(ctx context.Context, sessions []*models.Session) int {
	var uploaded atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.opts.BatchConcurrency)
	for _, s := range sessions {
		g.Go(func() error {
			if out, _ := e.Upload(ctx, s); out == OutcomeUploaded {
				uploaded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(uploaded.Load())
}

// UploadPending uploads every local session of the user that is not completed.
func (e *Engine) UploadPending(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	unlock := e.users.RLock(userID)
	sessions, err := e.local.ListIncomplete(ctx, userID)
	unlock()
	if err != nil {
		return 0, fmt.Errorf("list incomplete sessions: %w", err)
	}

	n := e.UploadBatch(ctx, sessions)
	e.log.Info("Pending sessions uploaded", "user_id", userID, "uploaded", n, "total", len(sessions))
	return n, nil
}
