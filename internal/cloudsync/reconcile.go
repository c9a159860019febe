package cloudsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"casesync/internal/models"
	"casesync/internal/snapshot"
)

type ReconcileOptions struct {
	// Force adopts every remote record that carries a server timestamp,
	// regardless of the tolerance window. Used for explicit user refresh.
	Force bool
}

type Summary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type recordResult int

const (
	resultSkipped recordResult = iota
	resultCreated
	resultUpdated
	resultFailed
)

// Reconcile pulls every remote record of the user and creates, updates or
// skips the matching local session. A bad record is logged and skipped
// without affecting the others. All changes are committed locally at once,
// after which one notification is sent per changed session.
func (e *Engine) Reconcile(ctx context.Context, userID string, opts ReconcileOptions) (Summary, error) {
	var sum Summary
	if userID == "" {
		e.log.Debug("Skipping reconcile", "reason", ErrNoIdentity)
		return sum, nil
	}

	unlockPass := e.reconciles.Lock(userID)
	defer unlockPass()

	records, err := e.listRemote(ctx, userID)
	if err != nil {
		e.log.Warn("Reconcile aborted, local data may be stale", "user_id", userID, "error", err)
		return sum, err
	}

	// Wait out in-flight uploads of these sessions, then list again so no
	// upload lands on top of a copy adopted here.
	held := make(map[string]func())
	defer releaseAll(held)
	e.lockUploads(records, held)

	records, err = e.listRemote(ctx, userID)
	if err != nil {
		e.log.Warn("Reconcile aborted, local data may be stale", "user_id", userID, "error", err)
		return sum, err
	}
	e.lockUploads(records, held)

	unlock := e.users.Lock(userID)
	now := e.opts.Now()
	changed := make([]*models.Session, 0, len(records))
	for _, rec := range records {
		s, result := e.reconcileRecord(ctx, userID, rec, opts, now)
		switch result {
		case resultCreated:
			sum.Created++
			changed = append(changed, s)
		case resultUpdated:
			sum.Updated++
			changed = append(changed, s)
		case resultFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}

	if len(changed) > 0 {
		if err := e.local.CommitRemote(ctx, changed); err != nil {
			unlock()
			e.log.Error("Failed to commit reconciled sessions", "user_id", userID, "error", err)
			return Summary{Skipped: sum.Skipped, Failed: sum.Failed + len(changed)}, fmt.Errorf("commit reconciled sessions: %w", err)
		}
	}
	unlock()
	releaseAll(held)

	for _, s := range changed {
		e.notifier.SessionUpdated(ctx, userID, s.ID)
	}

	e.log.Info("Reconcile finished", "user_id", userID, "force", opts.Force,
		"created", sum.Created, "updated", sum.Updated, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (e *Engine) listRemote(ctx context.Context, userID string) ([]*models.SessionRecord, error) {
	var records []*models.SessionRecord
	err := e.withRetry(ctx, "list remote sessions", func(ctx context.Context) error {
		var listErr error
		records, listErr = e.remote.ListByUser(ctx, userID)
		return listErr
	}, "user_id", userID)
	return records, err
}

// lockUploads takes the upload lock of every record's session not already in
// held, in session id order.
func (e *Engine) lockUploads(records []*models.SessionRecord, held map[string]func()) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if _, ok := held[rec.SessionID]; !ok {
			ids = append(ids, rec.SessionID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := held[id]; ok {
			continue
		}
		held[id] = e.uploads.Lock(id)
	}
}

func releaseAll(held map[string]func()) {
	for id, unlock := range held {
		unlock()
		delete(held, id)
	}
}

func (e *Engine) reconcileRecord(ctx context.Context, userID string, rec *models.SessionRecord, opts ReconcileOptions, now time.Time) (*models.Session, recordResult) {
	if rec.UserID != "" && rec.UserID != userID {
		e.log.Warn("Ignoring remote record owned by another user", "user_id", userID, "session_id", rec.SessionID)
		return nil, resultFailed
	}

	local, err := e.local.Get(ctx, rec.SessionID)
	if err != nil {
		e.log.Warn("Local lookup failed, skipping record", "session_id", rec.SessionID, "error", err)
		return nil, resultFailed
	}

	if local != nil && local.UserID != "" && local.UserID != userID {
		e.log.Warn("Local session belongs to another user, skipping record", "user_id", userID, "session_id", rec.SessionID)
		return nil, resultFailed
	}

	if local == nil {
		snap, err := decodeRecord(rec)
		if err != nil {
			e.log.Warn("Undecodable remote record, skipping", "session_id", rec.SessionID, "error", err)
			return nil, resultFailed
		}
		origin := snap.DeviceIdentifier
		if origin == "" {
			origin = e.deviceID
		}
		created := models.SessionFromRemote(rec, snap.Content, origin, now)
		if created.UserID == "" {
			created.UserID = userID
		}
		return created, resultCreated
	}

	decision := Decide(
		RemoteVersion{ServerUpdatedAt: rec.ServerUpdatedAt, MessageCount: rec.MessageCount},
		LocalVersion{CloudLastUpdated: local.CloudLastUpdated, MessageCount: len(local.Messages)},
		e.opts.Tolerance,
	)
	take := decision.TakeRemote || (opts.Force && rec.ServerUpdatedAt != nil)
	if !take {
		e.log.Debug("Keeping local session", "session_id", rec.SessionID, "reason", decision.Reason)
		return nil, resultSkipped
	}

	snap, err := decodeRecord(rec)
	if err != nil {
		e.log.Warn("Undecodable remote record, keeping local", "session_id", rec.SessionID, "error", err)
		return nil, resultFailed
	}

	updated := local.Clone()
	updated.ApplyRemote(rec, snap.Content, now)
	return updated, resultUpdated
}

func decodeRecord(rec *models.SessionRecord) (*snapshot.Snapshot, error) {
	if err := snapshot.VerifyDigest(rec.HistoryBlob, rec.BlobDigest); err != nil {
		return nil, err
	}
	return snapshot.Unpack(rec.HistoryBlob)
}
