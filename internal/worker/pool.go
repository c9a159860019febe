package worker

import (
	"context"
	"log/slog"
	"sync"

	"casesync/internal/cloudsync"
	"casesync/internal/models"
)

// SessionLoader reads the latest local state of a session; (nil, nil) means
// it no longer exists.
type SessionLoader interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

type Uploader interface {
	Upload(ctx context.Context, s *models.Session) (cloudsync.Outcome, error)
}

type job struct {
	userID    string
	sessionID string
}

// Pool uploads sessions in the background after local edits. Enqueue never
// blocks the caller: a session already waiting in the queue is not queued
// twice, and a full queue drops the job because the next edit or lifecycle
// trigger uploads the same state again.
type Pool struct {
	loader      SessionLoader
	uploader    Uploader
	queue       chan job
	workerCount int
	log         *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(loader SessionLoader, uploader Uploader, workerCount, queueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		loader:      loader,
		uploader:    uploader,
		queue:       make(chan job, queueSize),
		workerCount: workerCount,
		log:         slog.Default().With("component", "upload_worker"),
		pending:     make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.Info("Started upload workers", "count", p.workerCount)
}

// Stop cancels in-flight uploads and waits for workers to exit. Jobs still
// queued are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.cancel()
	p.wg.Wait()
}

// Drain stops accepting jobs, lets in-flight uploads finish and uploads what
// is still queued, until ctx is done. It returns the number of queued jobs
// left unprocessed.
func (p *Pool) Drain(ctx context.Context) int {
	p.stopOnce.Do(func() { close(p.stopChan) })
	defer p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}

	for {
		if ctx.Err() != nil {
			left := len(p.queue)
			if left > 0 {
				p.log.Warn("Shutdown deadline reached, queued uploads dropped", "count", left)
			}
			return left
		}
		select {
		case j := <-p.queue:
			p.process(ctx, j)
		default:
			return 0
		}
	}
}

// Enqueue schedules an upload of the session's latest local state and
// reports whether a job is now pending for it.
func (p *Pool) Enqueue(userID, sessionID string) bool {
	if userID == "" || sessionID == "" {
		return false
	}

	select {
	case <-p.stopChan:
		return false
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[sessionID]; ok {
		return true
	}

	select {
	case p.queue <- job{userID: userID, sessionID: sessionID}:
		p.pending[sessionID] = struct{}{}
		return true
	default:
		p.log.Warn("Upload queue full, dropping job", "user_id", userID, "session_id", sessionID)
		return false
	}
}

// Pending returns the number of sessions waiting for a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			p.log.Debug("Upload worker shutting down", "worker", id)
			return
		case j := <-p.queue:
			p.process(p.ctx, j)
		}
	}
}

func (p *Pool) process(ctx context.Context, j job) {
	// Clear pending before loading so an edit made during the upload queues
	// another one instead of being coalesced into this stale job.
	p.mu.Lock()
	delete(p.pending, j.sessionID)
	p.mu.Unlock()

	s, err := p.loader.Get(ctx, j.sessionID)
	if err != nil {
		p.log.Error("Failed to load session for upload", "session_id", j.sessionID, "error", err)
		return
	}
	if s == nil {
		return
	}

	if _, err := p.uploader.Upload(ctx, s); err != nil {
		p.log.Warn("Background upload failed", "user_id", j.userID, "session_id", j.sessionID, "error", err)
	}
}
