package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"campuscast/internal/credentials"
	"campuscast/internal/models"
	"campuscast/internal/observability/metrics"
	"campuscast/internal/platform"
	"campuscast/internal/storage"
)

type fakeIssuer struct {
	mu            sync.Mutex
	issued        map[string]models.IngestStrategy
	revoked       []string
	revokeCtxErrs []error
	issueErr      error
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{issued: make(map[string]models.IngestStrategy)}
}

func (f *fakeIssuer) Issue(_ context.Context, sessionID string, strategy models.IngestStrategy) (credentials.ConnectionCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return credentials.ConnectionCredential{}, f.issueErr
	}
	f.issued[sessionID] = strategy
	if strategy == models.IngestRTMP {
		return credentials.ConnectionCredential{StreamKey: "KEY-" + sessionID, IngestURL: "rtmp://ingest.campus.test/live"}, nil
	}
	return credentials.ConnectionCredential{RoomID: "room-" + sessionID, JoinToken: "token-" + sessionID, IngestURL: "wss://rooms.campus.test"}, nil
}

func (f *fakeIssuer) Revoke(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, sessionID)
	f.revokeCtxErrs = append(f.revokeCtxErrs, ctx.Err())
}

func (f *fakeIssuer) revokedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revoked)
}

func (f *fakeIssuer) issuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issued)
}

type fakeAdapter struct {
	mu            sync.Mutex
	created       int
	transitions   []string
	released      []string
	createErr     error
	transitionErr error
	status        platform.LifecycleStatus
	statusErr     error
}

func (f *fakeAdapter) CreateSimulcast(_ context.Context, req platform.CreateRequest) (platform.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return platform.Binding{}, f.createErr
	}
	f.created++
	return platform.Binding{
		BroadcastID: fmt.Sprintf("bc-%d", f.created),
		StreamID:    fmt.Sprintf("st-%d", f.created),
		StreamURL:   "rtmp://platform.example/live",
		StreamKey:   "platform-key",
	}, nil
}

func (f *fakeAdapter) Transition(_ context.Context, broadcastID string, target platform.LifecycleTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, broadcastID+":"+string(target))
	return nil
}

func (f *fakeAdapter) FetchStatus(_ context.Context, _ string) (platform.LifecycleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	if f.status == "" {
		return platform.LifecycleLive, nil
	}
	return f.status, nil
}

func (f *fakeAdapter) Release(_ context.Context, broadcastID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, broadcastID)
	return nil
}

func (f *fakeAdapter) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func (f *fakeAdapter) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newTestOrchestrator(t *testing.T, issuer CredentialIssuer, adapter platform.Adapter) (*Orchestrator, *storage.MemoryStore) {
	t.Helper()
	store, err := storage.NewMemoryStore()
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	orc, err := NewOrchestrator(Config{
		Store:   store,
		Issuer:  issuer,
		Adapter: adapter,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return orc, store
}

func TestCreateBrowserSessionIssuesRoomCredentials(t *testing.T) {
	issuer := newFakeIssuer()
	adapter := &fakeAdapter{}
	orc, _ := newTestOrchestrator(t, issuer, adapter)

	session, details, err := orc.Create(context.Background(), CreateRequest{
		Title:          "  Campus Town Hall ",
		IngestStrategy: "browser",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", session.Status)
	}
	if session.Title != "Campus Town Hall" {
		t.Fatalf("title not normalized: %q", session.Title)
	}
	if session.SelfHosted == nil || session.SelfHosted.JoinToken == "" {
		t.Fatalf("expected self-hosted credentials on session: %+v", session.SelfHosted)
	}
	if details.JoinToken == "" || details.RoomID == "" {
		t.Fatalf("expected connection details, got %+v", details)
	}
	if adapter.createdCount() != 0 {
		t.Fatalf("browser session must not touch the platform adapter")
	}
	if session.Revision != 1 {
		t.Fatalf("expected initial revision 1, got %d", session.Revision)
	}
}

func TestCreateRTMPSessionReturnsStreamKey(t *testing.T) {
	issuer := newFakeIssuer()
	orc, _ := newTestOrchestrator(t, issuer, &fakeAdapter{})

	session, details, err := orc.Create(context.Background(), CreateRequest{
		Title:          "Lecture capture",
		IngestStrategy: "rtmp",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if details.StreamKey == "" || details.IngestURL == "" {
		t.Fatalf("expected stream key and ingest URL, got %+v", details)
	}
	if details.RoomID != "" || details.JoinToken != "" {
		t.Fatalf("rtmp session must not carry room credentials: %+v", details)
	}
	if session.SelfHosted == nil || session.SelfHosted.StreamKey == "" {
		t.Fatalf("expected stream key on session record")
	}
}

func TestCreateRejectsUnknownStrategy(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	_, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "satellite"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	_, _, err := orc.Create(context.Background(), CreateRequest{Title: "   ", IngestStrategy: "browser"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreateNormalizesCombiningCharacters(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{
		Title:          "Café Sessions",
		IngestStrategy: "browser",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Title != "Café Sessions" {
		t.Fatalf("expected NFC-composed title, got %q", session.Title)
	}
}

func TestCreateSimulcastQuotaLeavesNothingBehind(t *testing.T) {
	issuer := newFakeIssuer()
	adapter := &fakeAdapter{createErr: &platform.Error{Kind: platform.KindQuotaExceeded, Op: "create broadcast", Err: errors.New("daily quota exhausted")}}
	orc, store := newTestOrchestrator(t, issuer, adapter)

	_, _, err := orc.Create(context.Background(), CreateRequest{
		Title:          "Graduation",
		IngestStrategy: "platform-simulcast",
	})
	if !platform.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	sessions, listErr := store.ListSessions(context.Background(), "")
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(sessions) != 0 {
		t.Fatalf("quota failure must not persist a session; got %d", len(sessions))
	}
	if issuer.issuedCount() != 0 {
		t.Fatalf("simulcast session must not receive self-hosted credentials")
	}
}

type failingCreateStore struct {
	storage.Repository
}

func (f *failingCreateStore) CreateSession(context.Context, models.Session) (models.Session, error) {
	return models.Session{}, errors.New("disk full")
}

func TestCreateRollsBackCredentialsWhenPersistFails(t *testing.T) {
	issuer := newFakeIssuer()
	inner, err := storage.NewMemoryStore()
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	orc, err := NewOrchestrator(Config{
		Store:   &failingCreateStore{Repository: inner},
		Issuer:  issuer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	_, _, err = orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err == nil || !strings.Contains(err.Error(), "persist session") {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("expected issued credential to be revoked, got %d revocations", issuer.revokedCount())
	}
}

func TestCreateRevokesCredentialsAfterCallerGivesUp(t *testing.T) {
	issuer := newFakeIssuer()
	inner, err := storage.NewMemoryStore()
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	orc, err := NewOrchestrator(Config{
		Store:   &failingCreateStore{Repository: inner},
		Issuer:  issuer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = orc.Create(ctx, CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err == nil {
		t.Fatal("expected create to fail")
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("expected issued credential to be revoked, got %d revocations", issuer.revokedCount())
	}
	issuer.mu.Lock()
	ctxErr := issuer.revokeCtxErrs[0]
	issuer.mu.Unlock()
	if ctxErr != nil {
		t.Fatalf("revocation must not inherit the canceled caller context, got %v", ctxErr)
	}
}

func TestStartMovesPendingToLive(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	live, err := orc.Start(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if live.Status != models.StatusLive {
		t.Fatalf("expected live, got %s", live.Status)
	}
	if live.StartedAt == nil {
		t.Fatalf("expected startedAt to be set")
	}

	if _, err := orc.Start(context.Background(), session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start should be rejected, got %v", err)
	}
}

func TestStartUnknownSession(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	if _, err := orc.Start(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartSimulcastTransitionsPlatform(t *testing.T) {
	adapter := &fakeAdapter{}
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), adapter)

	session, _, err := orc.Create(context.Background(), CreateRequest{
		Title:          "Sports final",
		IngestStrategy: "platform-simulcast",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := orc.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.transitions) != 1 || adapter.transitions[0] != "bc-1:live" {
		t.Fatalf("expected a live transition on bc-1, got %v", adapter.transitions)
	}
}

func TestStartSimulcastFailureMarksSessionError(t *testing.T) {
	adapter := &fakeAdapter{transitionErr: &platform.Error{Kind: platform.KindRejected, Op: "transition", Err: errors.New("not ready")}}
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), adapter)

	session, _, err := orc.Create(context.Background(), CreateRequest{
		Title:          "Sports final",
		IngestStrategy: "platform-simulcast",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := orc.Start(context.Background(), session.ID); err == nil {
		t.Fatalf("expected start failure")
	}

	failed, err := orc.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != models.StatusError {
		t.Fatalf("expected error state, got %s", failed.Status)
	}
	if failed.ErrorReason == "" {
		t.Fatalf("expected an error reason")
	}
	if adapter.releasedCount() != 1 {
		t.Fatalf("expected platform binding to be released, got %d", adapter.releasedCount())
	}
}

func TestConcurrentStartHasSingleWinner(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := orc.Start(context.Background(), session.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d rejections", succeeded, rejected)
	}

	final, err := orc.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != models.StatusLive {
		t.Fatalf("expected live, got %s", final.Status)
	}
}

func TestStopRevokesCredentialsOnce(t *testing.T) {
	issuer := newFakeIssuer()
	orc, _ := newTestOrchestrator(t, issuer, &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := orc.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ended, err := orc.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}
	if ended.EndedAt == nil {
		t.Fatalf("expected endedAt to be set")
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("expected one revocation, got %d", issuer.revokedCount())
	}

	again, err := orc.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("repeated stop should be a no-op, got %v", err)
	}
	if again.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", again.Status)
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("repeated stop must not revoke again, got %d", issuer.revokedCount())
	}
}

func TestStopPendingRejected(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := orc.Stop(context.Background(), session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending stop, got %v", err)
	}
}

func TestCancelPendingReleasesResources(t *testing.T) {
	issuer := newFakeIssuer()
	adapter := &fakeAdapter{}
	orc, _ := newTestOrchestrator(t, issuer, adapter)

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "rtmp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := orc.Cancel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", cancelled.Status)
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("expected credential revocation on cancel")
	}
	if adapter.releasedCount() != 0 {
		t.Fatalf("rtmp session must not touch the platform")
	}

	if _, err := orc.Start(context.Background(), session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelled session must not start, got %v", err)
	}
}

func TestCancelLiveRejected(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := orc.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orc.Cancel(context.Background(), session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling a live session, got %v", err)
	}
}

func TestUpdateDetailsOnlyWhilePending(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "Before", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "After"
	public := true
	updated, err := orc.UpdateDetails(context.Background(), session.ID, UpdateRequest{Title: &title, Public: &public})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "After" || !updated.Public {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Revision != session.Revision+1 {
		t.Fatalf("expected revision bump, got %d", updated.Revision)
	}

	if _, err := orc.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orc.UpdateDetails(context.Background(), session.ID, UpdateRequest{Title: &title}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition updating a live session, got %v", err)
	}
}

func TestFailRecordsReasonAndIsIdempotent(t *testing.T) {
	issuer := newFakeIssuer()
	orc, _ := newTestOrchestrator(t, issuer, &fakeAdapter{})

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	failed, err := orc.Fail(context.Background(), session.ID, "encoder disconnected")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != models.StatusError || failed.ErrorReason != "encoder disconnected" {
		t.Fatalf("unexpected failed session: %+v", failed)
	}
	if issuer.revokedCount() != 1 {
		t.Fatalf("expected credential revocation on failure")
	}

	again, err := orc.Fail(context.Background(), session.ID, "other reason")
	if err != nil {
		t.Fatalf("repeated fail: %v", err)
	}
	if again.ErrorReason != "encoder disconnected" {
		t.Fatalf("terminal session must keep its original reason, got %q", again.ErrorReason)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})

	first, _, err := orc.Create(context.Background(), CreateRequest{Title: "a", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := orc.Create(context.Background(), CreateRequest{Title: "b", IngestStrategy: "rtmp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := orc.Start(context.Background(), first.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	live, err := orc.List(context.Background(), models.StatusLive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 1 || live[0].ID != first.ID {
		t.Fatalf("unexpected live listing: %+v", live)
	}

	all, err := orc.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
}

func TestTimestampsAdvanceMonotonically(t *testing.T) {
	orc, _ := newTestOrchestrator(t, newFakeIssuer(), &fakeAdapter{})
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	step := 0
	orc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	session, _, err := orc.Create(context.Background(), CreateRequest{Title: "x", IngestStrategy: "browser"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := orc.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	ended, err := orc.Stop(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.StartedAt == nil || ended.EndedAt == nil {
		t.Fatalf("expected both timestamps, got %+v", ended)
	}
	if !ended.EndedAt.After(*ended.StartedAt) {
		t.Fatalf("endedAt %s should be after startedAt %s", ended.EndedAt, ended.StartedAt)
	}
}
