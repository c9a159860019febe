package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"casesync/internal/models"
)

// SessionRecordRepo is the remote session store. The server stamps
// server_updated_at on every write and never lets it move backwards.
type SessionRecordRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRecordRepo(pool *pgxpool.Pool) *SessionRecordRepo {
	return &SessionRecordRepo{pool: pool}
}

const sessionRecordColumns = `user_id, session_id, case_id, score, is_completed, evaluation_status,
	message_count, history_blob, COALESCE(blob_digest, ''), server_updated_at`

func (r *SessionRecordRepo) Upsert(ctx context.Context, rec *models.SessionRecord) error {
	var digest *string
	if rec.BlobDigest != "" {
		digest = &rec.BlobDigest
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_records (
			user_id, session_id, case_id, score, is_completed, evaluation_status,
			message_count, history_blob, blob_digest, server_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, clock_timestamp())
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			case_id = EXCLUDED.case_id,
			score = EXCLUDED.score,
			is_completed = EXCLUDED.is_completed,
			evaluation_status = EXCLUDED.evaluation_status,
			message_count = EXCLUDED.message_count,
			history_blob = EXCLUDED.history_blob,
			blob_digest = EXCLUDED.blob_digest,
			server_updated_at = GREATEST(clock_timestamp(), session_records.server_updated_at)
	`, rec.UserID, rec.SessionID, rec.CaseID, rec.Score, rec.IsCompleted, string(rec.EvaluationStatus),
		rec.MessageCount, rec.HistoryBlob, digest)
	if err != nil {
		return fmt.Errorf("upsert session record %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListByUser returns every record owned by userID, newest first.
func (r *SessionRecordRepo) ListByUser(ctx context.Context, userID string) ([]*models.SessionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionRecordColumns+`
		FROM session_records
		WHERE user_id = $1
		ORDER BY server_updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	records := []*models.SessionRecord{}
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}

func (r *SessionRecordRepo) Get(ctx context.Context, userID, sessionID string) (*models.SessionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionRecordColumns+`
		FROM session_records
		WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID)

	rec, err := scanSessionRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Delete removes one record. Deleting a missing record is not an error.
func (r *SessionRecordRepo) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM session_records
		WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("delete session record %s: %w", sessionID, err)
	}
	return nil
}

func scanSessionRecord(row pgx.Row) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var status string
	err := row.Scan(
		&rec.UserID,
		&rec.SessionID,
		&rec.CaseID,
		&rec.Score,
		&rec.IsCompleted,
		&status,
		&rec.MessageCount,
		&rec.HistoryBlob,
		&rec.BlobDigest,
		&rec.ServerUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session record: %w", err)
	}
	rec.EvaluationStatus = models.EvaluationStatus(status)
	return &rec, nil
}
