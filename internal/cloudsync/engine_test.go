package cloudsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casesync/internal/models"
	"casesync/internal/snapshot"
)

const testUser = "user-1"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type device struct {
	local    *memLocal
	engine   *Engine
	notifier *recordingNotifier
}

func newDevice(t *testing.T, id string, remote *memRemote, clock *fakeClock) *device {
	t.Helper()
	local := newMemLocal()
	notifier := &recordingNotifier{}
	codec := &snapshot.Codec{AppVersion: "1.0.0", DeviceID: id, Now: clock.Now}
	engine := New(local, remote, codec, notifier, Options{
		Tolerance:        DefaultTolerance,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		BatchConcurrency: 2,
		Now:              clock.Now,
	})
	return &device{local: local, engine: engine, notifier: notifier}
}

func sessionWithMessages(t *testing.T, userID string, n int, at time.Time) *models.Session {
	t.Helper()
	s := models.NewSession(userID, "case-1", "device-a", at)
	for i := 0; i < n; i++ {
		require.NoError(t, s.AppendMessage(models.SenderUser, fmt.Sprintf("message %d", i+1), at.Add(time.Duration(i)*time.Second)))
	}
	return s
}

func packedRecord(t *testing.T, s *models.Session, serverAt *time.Time) *models.SessionRecord {
	t.Helper()
	codec := &snapshot.Codec{AppVersion: "1.0.0", DeviceID: "device-remote", Now: func() time.Time { return t0 }}
	blob, err := codec.Pack(s)
	require.NoError(t, err)
	digest, err := snapshot.Digest(blob)
	require.NoError(t, err)
	return &models.SessionRecord{
		UserID:           s.UserID,
		SessionID:        s.ID,
		CaseID:           s.CaseID,
		Score:            s.Score,
		IsCompleted:      s.IsCompleted,
		EvaluationStatus: s.EvaluationStatus,
		MessageCount:     len(s.Messages),
		HistoryBlob:      blob,
		BlobDigest:       digest,
		ServerUpdatedAt:  serverAt,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

// ─── Upload ───

func TestUpload_SkipConditions(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	unlinked := sessionWithMessages(t, "", 3, t0)
	out, err := dev.engine.Upload(context.Background(), unlinked)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	empty := models.NewSession(testUser, "case-1", "device-a", t0)
	out, err = dev.engine.Upload(context.Background(), empty)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	assert.Equal(t, 0, remote.upsertCount())
}

func TestUpload_NotesOnlySessionIsUploaded(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	s := models.NewSession(testUser, "case-1", "device-a", t0)
	s.SetNotes("differential pending labs", t0)
	dev.local.save(s)

	out, err := dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, 0, remote.get(testUser, s.ID).MessageCount)
}

func TestUpload_WritesHeaderAndBlob(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	s := sessionWithMessages(t, testUser, 3, t0)
	dev.local.save(s)
	clock.Advance(time.Minute)

	out, err := dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)

	rec := remote.get(testUser, s.ID)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.MessageCount)
	assert.Equal(t, "case-1", rec.CaseID)
	assert.Equal(t, models.EvaluationNotStarted, rec.EvaluationStatus)
	require.NotNil(t, rec.ServerUpdatedAt)
	assert.True(t, rec.ServerUpdatedAt.Equal(t0.Add(time.Minute)))

	snap, err := snapshot.Unpack(rec.HistoryBlob)
	require.NoError(t, err)
	assert.Equal(t, s.Messages, snap.Content.Messages)

	// Upload stamps LastSyncedAt but never CloudLastUpdated.
	stored := dev.local.get(s.ID)
	require.NotNil(t, stored.LastSyncedAt)
	assert.True(t, stored.LastSyncedAt.Equal(t0.Add(time.Minute)))
	assert.Nil(t, stored.CloudLastUpdated)
}

func TestUpload_IsIdempotent(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)
	s := sessionWithMessages(t, testUser, 2, t0)
	dev.local.save(s)

	_, err := dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)
	first := remote.get(testUser, s.ID)

	clock.Advance(10 * time.Second)
	_, err = dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)
	second := remote.get(testUser, s.ID)

	assert.Equal(t, first.MessageCount, second.MessageCount)
	a, err := snapshot.Unpack(first.HistoryBlob)
	require.NoError(t, err)
	b, err := snapshot.Unpack(second.HistoryBlob)
	require.NoError(t, err)
	assert.Equal(t, a.Content, b.Content)
	assert.True(t, second.ServerUpdatedAt.After(*first.ServerUpdatedAt))
}

func TestUpload_PacksLatestLocalState(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	stale := sessionWithMessages(t, testUser, 1, t0)
	latest := stale.Clone()
	require.NoError(t, latest.AppendMessage(models.SenderUser, "added later", t0.Add(time.Minute)))
	dev.local.save(latest)

	out, err := dev.engine.Upload(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, 2, remote.get(testUser, stale.ID).MessageCount)
	assert.Nil(t, stale.LastSyncedAt, "caller's copy is not modified")
}

func TestUpload_SkipsSessionDeletedLocally(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	out, err := dev.engine.Upload(context.Background(), sessionWithMessages(t, testUser, 2, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Equal(t, 0, remote.upsertCount())
}

func TestUpload_RetriesTransientFailures(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	remote.failNext = 2
	remote.failErr = errUnavailable
	dev := newDevice(t, "device-a", remote, clock)
	s := sessionWithMessages(t, testUser, 1, t0)
	dev.local.save(s)

	out, err := dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, 3, remote.upsertCount())
}

func TestUpload_GivesUpAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	remote.failNext = 10
	remote.failErr = errUnavailable
	dev := newDevice(t, "device-a", remote, clock)

	s := sessionWithMessages(t, testUser, 1, t0)
	dev.local.save(s)
	out, err := dev.engine.Upload(context.Background(), s)
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, remote.upsertCount())
	assert.Nil(t, dev.local.get(s.ID).LastSyncedAt)
}

func TestUpload_PermanentFailureIsNotRetried(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	remote.failNext = 10
	remote.failErr = Permanent(fmt.Errorf("value too long"))
	dev := newDevice(t, "device-a", remote, clock)
	s := sessionWithMessages(t, testUser, 1, t0)
	dev.local.save(s)

	out, err := dev.engine.Upload(context.Background(), s)
	assert.Equal(t, OutcomeFailed, out)
	assert.Error(t, err)
	assert.Equal(t, 1, remote.upsertCount())
}

func TestUploadBatch_CountsSuccesses(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	ok1 := sessionWithMessages(t, testUser, 1, t0)
	ok2 := sessionWithMessages(t, testUser, 2, t0)
	broken := sessionWithMessages(t, testUser, 3, t0)
	skipped := models.NewSession(testUser, "case-1", "device-a", t0)
	remote.failFor[broken.ID] = errUnavailable
	for _, s := range []*models.Session{ok1, ok2, broken, skipped} {
		dev.local.save(s)
	}

	n := dev.engine.UploadBatch(context.Background(), []*models.Session{ok1, ok2, broken, skipped})
	assert.Equal(t, 2, n)
	assert.NotNil(t, remote.get(testUser, ok1.ID))
	assert.NotNil(t, remote.get(testUser, ok2.ID))
	assert.Nil(t, remote.get(testUser, broken.ID))
}

func TestUploadPending_OnlyIncompleteSessions(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	open := sessionWithMessages(t, testUser, 1, t0)
	done := sessionWithMessages(t, testUser, 1, t0)
	done.Complete(90, nil, t0)
	other := sessionWithMessages(t, "user-2", 1, t0)
	dev.local.save(open)
	dev.local.save(done)
	dev.local.save(other)

	n, err := dev.engine.UploadPending(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, remote.get(testUser, open.ID))
	assert.Nil(t, remote.get(testUser, done.ID))
	assert.Nil(t, remote.get("user-2", other.ID))
}

// ─── Reconcile ───

func TestReconcile_WithoutUserIsNoop(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	sum, err := dev.engine.Reconcile(context.Background(), "", ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Equal(t, 0, remote.lists)
}

func TestReconcile_CreatesOnFirstContact(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-b", remote, clock)

	src := sessionWithMessages(t, testUser, 2, t0)
	reason := "screening"
	require.NoError(t, src.RecordAction("order_cbc", &reason, t0))
	src.SetNotes("febrile", t0)
	require.NoError(t, src.SetDifferential([]models.DiagnosisEntry{{Diagnosis: "sepsis", Confidence: 0.4, Rationale: "fever"}}, t0))
	serverAt := t0.Add(time.Hour)
	rec := packedRecord(t, src, &serverAt)
	remote.put(rec)

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1}, sum)

	snap, err := snapshot.Unpack(rec.HistoryBlob)
	require.NoError(t, err)
	got := dev.local.get(src.ID)
	require.NotNil(t, got)
	assert.Equal(t, snap.Content.Messages, got.Messages)
	assert.Equal(t, snap.Content.Actions, got.PerformedActions)
	assert.Equal(t, snap.Content.Notes, got.Notes)
	assert.Equal(t, snap.Content.Differential, got.Differential)
	assert.Equal(t, testUser, got.UserID)
	require.NotNil(t, got.CloudLastUpdated)
	assert.True(t, got.CloudLastUpdated.Equal(serverAt))
	assert.Equal(t, "device-remote", got.OriginDevice)
	assert.Equal(t, []string{src.ID}, dev.notifier.sessionIDs())
	assert.Equal(t, 1, dev.local.commits)
}

func TestReconcile_SkipOnTieLeavesLocalUntouched(t *testing.T) {
	for _, offset := range []time.Duration{-5 * time.Second, -time.Second, 0, 3 * time.Second, 5 * time.Second} {
		t.Run(offset.String(), func(t *testing.T) {
			clock := newFakeClock(t0)
			remote := newMemRemote(clock)
			dev := newDevice(t, "device-a", remote, clock)

			local := sessionWithMessages(t, testUser, 2, t0)
			local.CloudLastUpdated = ptrTime(t0)
			dev.local.save(local)
			before := dev.local.get(local.ID)

			newer := sessionWithMessages(t, testUser, 9, t0)
			newer.ID = local.ID
			remote.put(packedRecord(t, newer, ptrTime(t0.Add(offset))))

			sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
			require.NoError(t, err)
			assert.Equal(t, Summary{Skipped: 1}, sum)
			assert.Equal(t, before, dev.local.get(local.ID))
			assert.Empty(t, dev.notifier.sessionIDs())
			assert.Equal(t, 0, dev.local.commits)
		})
	}
}

func TestReconcile_MonotonicAdoption(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	stale := sessionWithMessages(t, testUser, 2, t0)
	stale.CloudLastUpdated = ptrTime(t0)
	fresh := sessionWithMessages(t, testUser, 4, t0)
	fresh.CloudLastUpdated = ptrTime(t0)
	dev.local.save(stale)
	dev.local.save(fresh)

	// Remote copy of stale is a minute newer; remote copy of fresh is older.
	remoteStale := sessionWithMessages(t, testUser, 1, t0.Add(time.Hour))
	remoteStale.ID = stale.ID
	remoteStale.SetNotes("from tablet", t0)
	remote.put(packedRecord(t, remoteStale, ptrTime(t0.Add(time.Minute))))

	remoteFresh := sessionWithMessages(t, testUser, 7, t0)
	remoteFresh.ID = fresh.ID
	remote.put(packedRecord(t, remoteFresh, ptrTime(t0.Add(-time.Minute))))

	freshBefore := dev.local.get(fresh.ID)
	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Updated: 1, Skipped: 1}, sum)

	adopted := dev.local.get(stale.ID)
	assert.Equal(t, remoteStale.Messages, adopted.Messages)
	assert.Equal(t, "from tablet", adopted.Notes)
	assert.True(t, adopted.CloudLastUpdated.Equal(t0.Add(time.Minute)))
	require.NotNil(t, adopted.LastSyncedAt)
	assert.Equal(t, freshBefore, dev.local.get(fresh.ID))
	assert.Equal(t, []string{stale.ID}, dev.notifier.sessionIDs())
}

func TestReconcile_PartialBatchResilience(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-b", remote, clock)

	good1 := sessionWithMessages(t, testUser, 1, t0)
	good2 := sessionWithMessages(t, testUser, 2, t0)
	remote.put(packedRecord(t, good1, ptrTime(t0.Add(time.Minute))))
	remote.put(packedRecord(t, good2, ptrTime(t0.Add(2*time.Minute))))

	corrupt := sessionWithMessages(t, testUser, 3, t0)
	bad := packedRecord(t, corrupt, ptrTime(t0.Add(3*time.Minute)))
	bad.HistoryBlob = `{"messages":"not-a-list"}`
	bad.BlobDigest = ""
	remote.put(bad)

	tampered := sessionWithMessages(t, testUser, 4, t0)
	mismatch := packedRecord(t, tampered, ptrTime(t0.Add(4*time.Minute)))
	mismatch.BlobDigest = "0000"
	remote.put(mismatch)

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 2, Failed: 2}, sum)
	assert.NotNil(t, dev.local.get(good1.ID))
	assert.NotNil(t, dev.local.get(good2.ID))
	assert.Nil(t, dev.local.get(corrupt.ID))
	assert.Nil(t, dev.local.get(tampered.ID))
	assert.ElementsMatch(t, []string{good1.ID, good2.ID}, dev.notifier.sessionIDs())
}

func TestReconcile_CorruptRecordKeepsExistingLocal(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	local := sessionWithMessages(t, testUser, 2, t0)
	local.CloudLastUpdated = ptrTime(t0)
	dev.local.save(local)
	before := dev.local.get(local.ID)

	rec := packedRecord(t, local, ptrTime(t0.Add(time.Hour)))
	rec.HistoryBlob = "{broken"
	rec.BlobDigest = ""
	remote.put(rec)

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)
	assert.Equal(t, before, dev.local.get(local.ID))
}

func TestReconcile_MissingServerTimestampKeepsLocal(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	local := sessionWithMessages(t, testUser, 1, t0)
	dev.local.save(local)
	richer := sessionWithMessages(t, testUser, 8, t0)
	richer.ID = local.ID
	remote.put(packedRecord(t, richer, nil))

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, sum)
	assert.Len(t, dev.local.get(local.ID).Messages, 1)
}

func TestReconcile_ForceAdoptsWithinTolerance(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	local := sessionWithMessages(t, testUser, 4, t0)
	local.CloudLastUpdated = ptrTime(t0)
	dev.local.save(local)
	other := sessionWithMessages(t, testUser, 2, t0)
	other.ID = local.ID
	remote.put(packedRecord(t, other, ptrTime(t0.Add(2*time.Second))))

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, sum)

	sum, err = dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Updated: 1}, sum)
	assert.Equal(t, other.Messages, dev.local.get(local.ID).Messages)
}

func TestReconcile_CommitFailureAppliesNothing(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-b", remote, clock)
	dev.local.commitErr = fmt.Errorf("disk full")

	remote.put(packedRecord(t, sessionWithMessages(t, testUser, 1, t0), ptrTime(t0)))
	remote.put(packedRecord(t, sessionWithMessages(t, testUser, 2, t0), ptrTime(t0)))

	_, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	require.Error(t, err)
	assert.Empty(t, dev.local.sessions)
	assert.Empty(t, dev.notifier.sessionIDs())
}

func TestReconcile_ListFailureSurfacesAfterRetries(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	remote.listErr = errUnavailable
	dev := newDevice(t, "device-a", remote, clock)

	_, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{})
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, remote.lists)
}

func TestReconcile_WaitsForInFlightUpload(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)
	ctx := context.Background()

	// Another device already wrote a five-message copy.
	s := sessionWithMessages(t, testUser, 3, t0)
	other := sessionWithMessages(t, testUser, 5, t0)
	other.ID = s.ID
	remote.put(packedRecord(t, other, ptrTime(t0.Add(time.Minute))))

	s.CloudLastUpdated = ptrTime(t0)
	dev.local.save(s)
	clock.Advance(10 * time.Minute)

	started, release := remote.holdUpserts()
	uploadDone := make(chan Outcome, 1)
	go func() {
		out, _ := dev.engine.Upload(ctx, s)
		uploadDone <- out
	}()
	<-started

	reconcileDone := make(chan Summary, 1)
	go func() {
		sum, err := dev.engine.Reconcile(ctx, testUser, ReconcileOptions{})
		assert.NoError(t, err)
		reconcileDone <- sum
	}()

	select {
	case <-reconcileDone:
		t.Fatal("reconcile finished while an upload of the same session was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Equal(t, OutcomeUploaded, <-uploadDone)
	sum := <-reconcileDone

	// The upload landed first, so the reconcile saw it and the two copies agree.
	assert.Equal(t, Summary{Updated: 1}, sum)
	rec := remote.get(testUser, s.ID)
	got := dev.local.get(s.ID)
	assert.Equal(t, rec.MessageCount, len(got.Messages))
	assert.True(t, got.CloudLastUpdated.Equal(*rec.ServerUpdatedAt))
}

func TestReconcile_SkipsLocalSessionOfAnotherUser(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	mine := sessionWithMessages(t, "user-2", 1, t0)
	dev.local.save(mine)
	before := dev.local.get(mine.ID)

	theirs := sessionWithMessages(t, testUser, 6, t0)
	theirs.ID = mine.ID
	remote.put(packedRecord(t, theirs, ptrTime(t0.Add(time.Hour))))

	sum, err := dev.engine.Reconcile(context.Background(), testUser, ReconcileOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)
	assert.Equal(t, before, dev.local.get(mine.ID))
	assert.Empty(t, dev.notifier.sessionIDs())
}

// ─── End to end ───

func TestScenario_TwoDevicesConverge(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	devA := newDevice(t, "device-a", remote, clock)
	devB := newDevice(t, "device-b", remote, clock)
	ctx := context.Background()

	// Device A: three messages, never synced.
	s := sessionWithMessages(t, testUser, 3, t0)
	devA.local.save(s)
	out, err := devA.engine.Upload(ctx, devA.local.get(s.ID))
	require.NoError(t, err)
	require.Equal(t, OutcomeUploaded, out)
	firstWrite := *remote.get(testUser, s.ID).ServerUpdatedAt
	assert.Equal(t, 3, remote.get(testUser, s.ID).MessageCount)

	// Device B has no local copy.
	clock.Advance(time.Minute)
	sum, err := devB.engine.Reconcile(ctx, testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 1}, sum)
	onB := devB.local.get(s.ID)
	assert.Equal(t, s.Messages, onB.Messages)
	assert.True(t, onB.CloudLastUpdated.Equal(firstWrite))

	// Device B appends two messages and uploads.
	clock.Advance(time.Minute)
	require.NoError(t, onB.AppendMessage(models.SenderAssistant, "fourth", clock.Now()))
	require.NoError(t, onB.AppendMessage(models.SenderUser, "fifth", clock.Now()))
	devB.local.save(onB)
	out, err = devB.engine.Upload(ctx, devB.local.get(s.ID))
	require.NoError(t, err)
	require.Equal(t, OutcomeUploaded, out)

	// Device A, still at three messages, adopts the five-message version.
	clock.Advance(time.Minute)
	sum, err = devA.engine.Reconcile(ctx, testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Updated: 1}, sum)
	onA := devA.local.get(s.ID)
	assert.Len(t, onA.Messages, 5)
	assert.Equal(t, onB.Messages, onA.Messages)
	assert.Equal(t, []string{s.ID}, devA.notifier.sessionIDs())

	// A second pass on A is a tie and changes nothing.
	sum, err = devA.engine.Reconcile(ctx, testUser, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1}, sum)
}

func TestScenario_CompletedSessionArrivesWhole(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	devA := newDevice(t, "device-a", remote, clock)
	devB := newDevice(t, "device-b", remote, clock)
	ctx := context.Background()

	s := sessionWithMessages(t, testUser, 2, t0)
	payload := `{"strengths":["history"],"gaps":["imaging"]}`
	s.Complete(85, &payload, t0)
	devA.local.save(s)
	_, err := devA.engine.Upload(ctx, s)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = devB.engine.Reconcile(ctx, testUser, ReconcileOptions{})
	require.NoError(t, err)

	got := devB.local.get(s.ID)
	require.NotNil(t, got)
	assert.True(t, got.IsCompleted)
	require.NotNil(t, got.Score)
	assert.Equal(t, 85.0, *got.Score)
	assert.Equal(t, models.EvaluationCompleted, got.EvaluationStatus)
	require.NotNil(t, got.EvaluationPayload)
	assert.Equal(t, payload, *got.EvaluationPayload)
}

func TestDelete_RemovesRemoteRecord(t *testing.T) {
	clock := newFakeClock(t0)
	remote := newMemRemote(clock)
	dev := newDevice(t, "device-a", remote, clock)

	s := sessionWithMessages(t, testUser, 1, t0)
	dev.local.save(s)
	_, err := dev.engine.Upload(context.Background(), s)
	require.NoError(t, err)

	require.NoError(t, dev.engine.Delete(context.Background(), testUser, s.ID))
	assert.Nil(t, remote.get(testUser, s.ID))
	assert.ErrorIs(t, dev.engine.Delete(context.Background(), "", s.ID), ErrNoIdentity)
}
