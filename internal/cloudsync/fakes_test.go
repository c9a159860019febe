package cloudsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"casesync/internal/models"
)

var errUnavailable = errors.New("remote store unavailable")

// fakeClock is a settable clock shared by the fake server and the engines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memRemote is an in-memory RemoteStore that stamps records with its own clock.
type memRemote struct {
	mu        sync.Mutex
	clock     *fakeClock
	records   map[string]*models.SessionRecord
	upserts   int
	lists     int
	failFor   map[string]error
	failNext  int
	failErr   error
	listErr   error
	deleteErr error

	// When gate is set, each Upsert signals started and waits for gate to close.
	started chan struct{}
	gate    chan struct{}
}

func newMemRemote(clock *fakeClock) *memRemote {
	return &memRemote{
		clock:   clock,
		records: make(map[string]*models.SessionRecord),
		failFor: make(map[string]error),
	}
}

func remoteKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

func (r *memRemote) Upsert(_ context.Context, rec *models.SessionRecord) error {
	r.mu.Lock()
	started, gate := r.started, r.gate
	r.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if err, ok := r.failFor[rec.SessionID]; ok {
		return err
	}
	if r.failNext > 0 {
		r.failNext--
		return r.failErr
	}
	c := *rec
	ts := r.clock.Now()
	c.ServerUpdatedAt = &ts
	r.records[remoteKey(rec.UserID, rec.SessionID)] = &c
	return nil
}

func (r *memRemote) ListByUser(_ context.Context, userID string) ([]*models.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := []*models.SessionRecord{}
	for _, rec := range r.records {
		if rec.UserID == userID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServerUpdatedAt.After(*out[j].ServerUpdatedAt)
	})
	return out, nil
}

func (r *memRemote) Delete(_ context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.records, remoteKey(userID, sessionID))
	return nil
}

// holdUpserts makes the next Upserts block until release is closed.
func (r *memRemote) holdUpserts() (started <-chan struct{}, release chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = make(chan struct{}, 8)
	r.gate = make(chan struct{})
	return r.started, r.gate
}

// put stores a record verbatim, bypassing the server clock.
func (r *memRemote) put(rec *models.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	r.records[remoteKey(rec.UserID, rec.SessionID)] = &c
}

func (r *memRemote) get(userID, sessionID string) *models.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[remoteKey(userID, sessionID)]
	if !ok {
		return nil
	}
	c := *rec
	return &c
}

func (r *memRemote) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

// memLocal is an in-memory LocalStore with all-or-nothing commits.
type memLocal struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	commits   int
	commitErr error
}

func newMemLocal(sessions ...*models.Session) *memLocal {
	l := &memLocal{sessions: make(map[string]*models.Session)}
	for _, s := range sessions {
		l.sessions[s.ID] = s.Clone()
	}
	return l
}

func (l *memLocal) Get(_ context.Context, sessionID string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (l *memLocal) ListIncomplete(_ context.Context, userID string) ([]*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Session
	for _, s := range l.sessions {
		if s.UserID == userID && !s.IsCompleted {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (l *memLocal) MarkSynced(_ context.Context, sessionID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[sessionID]; ok {
		t := at
		s.LastSyncedAt = &t
	}
	return nil
}

func (l *memLocal) CommitRemote(_ context.Context, sessions []*models.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	l.commits++
	for _, s := range sessions {
		l.sessions[s.ID] = s.Clone()
	}
	return nil
}

func (l *memLocal) save(s *models.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.ID] = s.Clone()
}

func (l *memLocal) get(id string) *models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return nil
	}
	return s.Clone()
}

// recordingNotifier captures notifications in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (n *recordingNotifier) SessionUpdated(_ context.Context, userID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, SessionEvent{UserID: userID, SessionID: sessionID})
}

func (n *recordingNotifier) sessionIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		ids = append(ids, ev.SessionID)
	}
	return ids
}
