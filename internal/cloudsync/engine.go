// Package cloudsync reconciles locally persisted sessions with the shared
// remote store. Uploads write whole-session snapshots; downloads adopt remote
// copies only when the server clock says they are unambiguously newer.
package cloudsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"casesync/internal/models"
	"casesync/internal/snapshot"
)

var (
	ErrNoIdentity = errors.New("session is not linked to a user")
)

// RemoteStore is the shared store every device of a user writes to. Upsert
// must assign ServerUpdatedAt itself; client values are ignored.
type RemoteStore interface {
	Upsert(ctx context.Context, rec *models.SessionRecord) error
	ListByUser(ctx context.Context, userID string) ([]*models.SessionRecord, error)
	Delete(ctx context.Context, userID, sessionID string) error
}

// LocalStore is this device's persistent copy. Get returns (nil, nil) when
// the session does not exist locally. CommitRemote must apply all sessions
// in one transaction or none of them.
type LocalStore interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	ListIncomplete(ctx context.Context, userID string) ([]*models.Session, error)
	MarkSynced(ctx context.Context, sessionID string, at time.Time) error
	CommitRemote(ctx context.Context, sessions []*models.Session) error
}

type Options struct {
	Tolerance        time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	BatchConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Tolerance:        DefaultTolerance,
		MaxAttempts:      3,
		RetryDelay:       2 * time.Second,
		BatchConcurrency: 4,
	}
}

type Engine struct {
	local    LocalStore
	remote   RemoteStore
	codec    *snapshot.Codec
	notifier Notifier
	opts     Options
	log      *slog.Logger

	// Lock order: reconciles, uploads, users, edits.
	reconciles *keyedMutex // per user, one reconciliation pass at a time
	users      *keyedMutex // exclusive for reconcile commits, shared for local edits
	edits      *keyedMutex // per session, short local read-modify-write
	uploads    *keyedMutex // per session, held for a whole upload, delete or reconcile
	deviceID   string
}

func New(local LocalStore, remote RemoteStore, codec *snapshot.Codec, notifier Notifier, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.Tolerance < 0 {
		opts.Tolerance = defaults.Tolerance
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaults.BatchConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, string, string) {})
	}

	return &Engine{
		local:      local,
		remote:     remote,
		codec:      codec,
		notifier:   notifier,
		opts:       opts,
		log:        logger.With("component", "cloudsync"),
		reconciles: newKeyedMutex(),
		users:      newKeyedMutex(),
		edits:      newKeyedMutex(),
		uploads:    newKeyedMutex(),
		deviceID:   codec.DeviceID,
	}
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.opts.Now()
}

// EditLocal runs fn while holding the user's shared lock and the session's
// edit lock, so local read-modify-write never interleaves with a
// reconciliation commit or another edit of the same session.
func (e *Engine) EditLocal(userID, sessionID string, fn func() error) error {
	unlockUser := e.users.RLock(userID)
	defer unlockUser()
	unlockEdit := e.edits.Lock(sessionID)
	defer unlockEdit()
	return fn()
}

// Delete removes the remote record. Local deletion is the caller's job.
func (e *Engine) Delete(ctx context.Context, userID, sessionID string) error {
	if userID == "" {
		return ErrNoIdentity
	}
	unlock := e.uploads.Lock(sessionID)
	defer unlock()

	return e.withRetry(ctx, "delete remote session", func(ctx context.Context) error {
		return e.remote.Delete(ctx, userID, sessionID)
	}, "user_id", userID, "session_id", sessionID)
}
