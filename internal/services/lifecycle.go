package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"casesync/internal/cloudsync"
)

type SyncEngine interface {
	UploadPending(ctx context.Context, userID string) (int, error)
	Reconcile(ctx context.Context, userID string, opts cloudsync.ReconcileOptions) (cloudsync.Summary, error)
}

type PendingUserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Lifecycle maps app lifecycle events onto sync operations and optionally
// flushes pending uploads for every linked user on an interval.
type Lifecycle struct {
	engine            SyncEngine
	users             PendingUserLister
	backgroundTimeout time.Duration
	interval          time.Duration
	log               *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewLifecycle(engine SyncEngine, users PendingUserLister, backgroundTimeout, interval time.Duration) *Lifecycle {
	return &Lifecycle{
		engine:            engine,
		users:             users,
		backgroundTimeout: backgroundTimeout,
		interval:          interval,
		log:               slog.Default().With("component", "lifecycle"),
		stopChan:          make(chan struct{}),
	}
}

// Background uploads every incomplete session of the user before the app is
// suspended. The OS grants limited time, so the work runs under a deadline.
func (l *Lifecycle) Background(ctx context.Context, userID string) (int, error) {
	if l.backgroundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.backgroundTimeout)
		defer cancel()
	}
	return l.engine.UploadPending(ctx, userID)
}

// Foreground pulls remote changes made on other devices while the app was away.
func (l *Lifecycle) Foreground(ctx context.Context, userID string) (cloudsync.Summary, error) {
	return l.engine.Reconcile(ctx, userID, cloudsync.ReconcileOptions{})
}

// Refresh is an explicit user request: remote copies win regardless of the
// tolerance window.
func (l *Lifecycle) Refresh(ctx context.Context, userID string) (cloudsync.Summary, error) {
	return l.engine.Reconcile(ctx, userID, cloudsync.ReconcileOptions{Force: true})
}

func (l *Lifecycle) Start() {
	if l.interval <= 0 || l.users == nil {
		return
	}

	l.wg.Add(1)
	go l.loop()

	l.log.Info("Periodic upload flush started", "interval", l.interval)
}

func (l *Lifecycle) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

// Shutdown stops the periodic flush and uploads the incomplete sessions of
// every user before the process exits. It returns how many were uploaded.
func (l *Lifecycle) Shutdown(ctx context.Context) int {
	l.Stop()
	if l.users == nil {
		return 0
	}
	n := l.flushPending(ctx, nil)
	l.log.Info("Shutdown flush finished", "uploaded", n)
	return n
}

func (l *Lifecycle) loop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.flushPending(context.Background(), l.stopChan)
		}
	}
}

// flushPending uploads pending sessions of every user, giving up early when
// stop is closed. A nil stop never interrupts.
func (l *Lifecycle) flushPending(ctx context.Context, stop <-chan struct{}) int {
	userIDs, err := l.users.ListUserIDs(ctx)
	if err != nil {
		l.log.Error("Failed to list users with pending sessions", "error", err)
		return 0
	}

	total := 0
	for _, userID := range userIDs {
		select {
		case <-stop:
			return total
		default:
		}
		if ctx.Err() != nil {
			l.log.Warn("Upload flush cut short", "error", ctx.Err())
			return total
		}
		n, err := l.Background(ctx, userID)
		if err != nil {
			l.log.Warn("Upload flush failed", "user_id", userID, "error", err)
		}
		total += n
	}
	return total
}
