package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"casesync/internal/database"
	"casesync/internal/models"
)

// LocalSessionRepo persists this device's sessions in SQLite. Times are
// stored as Unix nanoseconds; list-valued fields as JSON text.
type LocalSessionRepo struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func NewLocalSessionRepo(db *sql.DB) *LocalSessionRepo {
	return &LocalSessionRepo{db: db}
}

const localSessionColumns = `id, user_id, case_id, is_completed, score, evaluation_status,
	messages_json, actions_json, notes, differential_json, evaluation_payload,
	origin_device, created_at, updated_at, last_synced_at, cloud_last_updated`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save inserts or fully replaces a session.
func (r *LocalSessionRepo) Save(ctx context.Context, s *models.Session) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return database.RetryOnConflict(ctx, "save session", func() error {
		return saveSession(ctx, r.db, s)
	})
}

func saveSession(ctx context.Context, db execer, s *models.Session) error {
	messages, err := json.Marshal(nonNil(s.Messages))
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	actions, err := json.Marshal(nonNil(s.PerformedActions))
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	differential, err := json.Marshal(nonNil(s.Differential))
	if err != nil {
		return fmt.Errorf("encode differential: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (`+localSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			case_id = excluded.case_id,
			is_completed = excluded.is_completed,
			score = excluded.score,
			evaluation_status = excluded.evaluation_status,
			messages_json = excluded.messages_json,
			actions_json = excluded.actions_json,
			notes = excluded.notes,
			differential_json = excluded.differential_json,
			evaluation_payload = excluded.evaluation_payload,
			origin_device = excluded.origin_device,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at,
			cloud_last_updated = excluded.cloud_last_updated`,
		s.ID, s.UserID, s.CaseID, s.IsCompleted, s.Score, string(s.EvaluationStatus),
		string(messages), string(actions), s.Notes, string(differential), s.EvaluationPayload,
		s.OriginDevice, s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(),
		nullableNanos(s.LastSyncedAt), nullableNanos(s.CloudLastUpdated),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// Get returns (nil, nil) when the session does not exist.
func (r *LocalSessionRepo) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+localSessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	s, err := scanLocalSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByUser returns the user's sessions, most recently edited first.
func (r *LocalSessionRepo) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	return r.query(ctx, `SELECT `+localSessionColumns+` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
}

func (r *LocalSessionRepo) ListIncomplete(ctx context.Context, userID string) ([]*models.Session, error) {
	return r.query(ctx, `SELECT `+localSessionColumns+` FROM sessions WHERE user_id = ? AND is_completed = 0 ORDER BY updated_at DESC`, userID)
}

// ListUserIDs returns every identity with at least one session that is not
// completed on this device.
func (r *LocalSessionRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM sessions WHERE user_id != '' AND is_completed = 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *LocalSessionRepo) query(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []*models.Session{}
	for rows.Next() {
		s, err := scanLocalSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// MarkSynced records a successful upload without touching content or UpdatedAt.
func (r *LocalSessionRepo) MarkSynced(ctx context.Context, sessionID string, at time.Time) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return database.RetryOnConflict(ctx, "mark session synced", func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_synced_at = ? WHERE id = ?`, at.UnixNano(), sessionID)
		return err
	})
}

// CommitRemote writes every session in a single transaction.
func (r *LocalSessionRepo) CommitRemote(ctx context.Context, sessions []*models.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return database.RetryOnConflict(ctx, "commit remote sessions", func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		for _, s := range sessions {
			if err := saveSession(ctx, tx, s); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func (r *LocalSessionRepo) Delete(ctx context.Context, sessionID string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return database.RetryOnConflict(ctx, "delete session", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
		return err
	})
}

// Setting reads a device-level value; ok is false when it was never set.
func (r *LocalSessionRepo) Setting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT value FROM device_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (r *LocalSessionRepo) SetSetting(ctx context.Context, key, value string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return database.RetryOnConflict(ctx, "write setting", func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO device_settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

func (r *LocalSessionRepo) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocalSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status, messages, actions, differential string
	var score sql.NullFloat64
	var payload sql.NullString
	var createdAt, updatedAt int64
	var lastSynced, cloudUpdated sql.NullInt64

	err := row.Scan(
		&s.ID, &s.UserID, &s.CaseID, &s.IsCompleted, &score, &status,
		&messages, &actions, &s.Notes, &differential, &payload,
		&s.OriginDevice, &createdAt, &updatedAt, &lastSynced, &cloudUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	s.EvaluationStatus = models.EvaluationStatus(status)
	if score.Valid {
		v := score.Float64
		s.Score = &v
	}
	if payload.Valid {
		v := payload.String
		s.EvaluationPayload = &v
	}
	if err := json.Unmarshal([]byte(messages), &s.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &s.PerformedActions); err != nil {
		return nil, fmt.Errorf("decode actions of %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(differential), &s.Differential); err != nil {
		return nil, fmt.Errorf("decode differential of %s: %w", s.ID, err)
	}
	s.Messages = nonNil(s.Messages)
	s.PerformedActions = nonNil(s.PerformedActions)
	s.Differential = nonNil(s.Differential)

	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	s.LastSyncedAt = nanosToTime(lastSynced)
	s.CloudLastUpdated = nanosToTime(cloudUpdated)

	return &s, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nanosToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
