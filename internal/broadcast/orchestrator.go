// Package broadcast owns the lifecycle of live broadcast sessions: strategy
// provisioning at creation, the pending/live/ended/error state machine with
// its side effects, and the background scheduler that promotes due sessions
// and reconciles against the external platform.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"campuscast/internal/models"
	"campuscast/internal/observability/metrics"
	"campuscast/internal/platform"
	"campuscast/internal/storage"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000

	defaultPlatformTimeout   = 20 * time.Second
	defaultCredentialTimeout = 5 * time.Second
)

// Config wires an Orchestrator.
type Config struct {
	Store             storage.Repository
	Issuer            CredentialIssuer
	Adapter           platform.Adapter
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	PlatformTimeout   time.Duration
	CredentialTimeout time.Duration
}

// Orchestrator drives every session state transition. Transitions for a
// single session are serialized through a per-ID gate; transitions into a
// terminal state always land internally even when external cleanup fails.
type Orchestrator struct {
	store             storage.Repository
	issuer            CredentialIssuer
	adapter           platform.Adapter
	logger            *slog.Logger
	metrics           *metrics.Recorder
	locks             *sessionLocks
	platformTimeout   time.Duration
	credentialTimeout time.Duration
	now               func() time.Time
}

// NewOrchestrator constructs the lifecycle orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	platformTimeout := cfg.PlatformTimeout
	if platformTimeout <= 0 {
		platformTimeout = defaultPlatformTimeout
	}
	credentialTimeout := cfg.CredentialTimeout
	if credentialTimeout <= 0 {
		credentialTimeout = defaultCredentialTimeout
	}
	return &Orchestrator{
		store:             cfg.Store,
		issuer:            cfg.Issuer,
		adapter:           cfg.Adapter,
		logger:            logger,
		metrics:           recorder,
		locks:             newSessionLocks(),
		platformTimeout:   platformTimeout,
		credentialTimeout: credentialTimeout,
		now:               time.Now,
	}, nil
}

// CreateRequest is the inbound shape for session creation.
type CreateRequest struct {
	Title           string
	Description     string
	IngestStrategy  string
	ScheduledAt     *time.Time
	Public          bool
	PlatformOptions *models.PlatformSettings
}

// UpdateRequest carries the metadata fields that stay mutable while a
// session is pending. Nil fields are left unchanged.
type UpdateRequest struct {
	Title       *string
	Description *string
	Public      *bool
}

func normalizeTitle(title string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(title))
	if normalized == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if len(normalized) > maxTitleLength {
		return "", fmt.Errorf("%w: title exceeds %d characters", ErrInvalidRequest, maxTitleLength)
	}
	return normalized, nil
}

// Create validates the request, provisions the strategy's resources, and
// persists the session in pending. Nothing is persisted when provisioning
// fails, and a partial allocation is rolled back before the error returns.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (models.Session, ConnectionDetails, error) {
	strategy, ok := models.ParseIngestStrategy(req.IngestStrategy)
	if !ok {
		return models.Session{}, ConnectionDetails{}, fmt.Errorf("%w: unknown ingest strategy %q", ErrInvalidRequest, req.IngestStrategy)
	}
	title, err := normalizeTitle(req.Title)
	if err != nil {
		return models.Session{}, ConnectionDetails{}, err
	}
	description := norm.NFC.String(strings.TrimSpace(req.Description))
	if len(description) > maxDescriptionLength {
		return models.Session{}, ConnectionDetails{}, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRequest, maxDescriptionLength)
	}

	session := models.Session{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Strategy:    strategy,
		Status:      models.StatusPending,
		Public:      req.Public,
		ScheduledAt: req.ScheduledAt,
	}
	if strategy == models.IngestSimulcast {
		settings := models.PlatformSettings{}
		if req.PlatformOptions != nil {
			settings = *req.PlatformOptions
		}
		session.Platform = &models.PlatformBroadcast{Settings: settings}
	}

	prov, err := o.provisionerFor(strategy)
	if err != nil {
		return models.Session{}, ConnectionDetails{}, err
	}
	details, err := prov.provision(ctx, &session)
	if err != nil {
		o.logger.Warn("session provisioning failed", "strategy", string(strategy), "error", err)
		return models.Session{}, ConnectionDetails{}, err
	}

	created, err := o.store.CreateSession(ctx, session)
	if err != nil {
		// The strategy resources exist but the session never will; undo.
		prov.rollback(ctx, &session)
		return models.Session{}, ConnectionDetails{}, fmt.Errorf("persist session: %w", err)
	}

	o.metrics.SessionCreated(string(strategy))
	o.logger.Info("broadcast session created",
		"session_id", created.ID, "strategy", string(strategy), "scheduled", created.ScheduledAt != nil)
	return created, details, nil
}

// Get loads a single session.
func (o *Orchestrator) Get(ctx context.Context, id string) (models.Session, error) {
	session, ok, err := o.store.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// List returns sessions filtered by status; an empty filter returns all.
func (o *Orchestrator) List(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	return o.store.ListSessions(ctx, status)
}

// UpdateDetails mutates title, description, and visibility. Only pending
// sessions accept updates.
func (o *Orchestrator) UpdateDetails(ctx context.Context, id string, req UpdateRequest) (models.Session, error) {
	if !o.locks.tryAcquire(id) {
		return models.Session{}, fmt.Errorf("%w: session %s is busy", ErrInvalidTransition, id)
	}
	defer o.locks.release(id)

	session, err := o.Get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.Status != models.StatusPending {
		return models.Session{}, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, session.Status)
	}
	if req.Title != nil {
		title, err := normalizeTitle(*req.Title)
		if err != nil {
			return models.Session{}, err
		}
		session.Title = title
	}
	if req.Description != nil {
		description := norm.NFC.String(strings.TrimSpace(*req.Description))
		if len(description) > maxDescriptionLength {
			return models.Session{}, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRequest, maxDescriptionLength)
		}
		session.Description = description
	}
	if req.Public != nil {
		session.Public = *req.Public
	}
	return o.update(ctx, session)
}

// Start transitions a pending session to live. For simulcast sessions the
// platform is asked to go live first; a platform failure moves the session to
// error instead.
func (o *Orchestrator) Start(ctx context.Context, id string) (models.Session, error) {
	return o.start(ctx, id, false)
}

// startScheduled is the scheduler's promotion path. Simulcast sessions
// created with auto-start skip the advisory transition call because the
// platform begins the broadcast on its own once stream data arrives.
func (o *Orchestrator) startScheduled(ctx context.Context, id string) (models.Session, error) {
	return o.start(ctx, id, true)
}

func (o *Orchestrator) start(ctx context.Context, id string, scheduled bool) (models.Session, error) {
	if !o.locks.tryAcquire(id) {
		return models.Session{}, fmt.Errorf("%w: session %s is busy", ErrInvalidTransition, id)
	}
	defer o.locks.release(id)

	session, err := o.Get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.Status != models.StatusPending {
		return models.Session{}, fmt.Errorf("%w: cannot start session in state %s", ErrInvalidTransition, session.Status)
	}

	if session.Strategy == models.IngestSimulcast && session.Platform != nil {
		autoStarting := scheduled && session.Platform.Settings.AutoStart
		if !autoStarting {
			if o.adapter == nil {
				return models.Session{}, fmt.Errorf("platform adapter not configured for session %s", id)
			}
			callCtx, cancel := context.WithTimeout(ctx, o.platformTimeout)
			err := o.adapter.Transition(callCtx, session.Platform.BroadcastID, platform.TargetLive)
			cancel()
			if err != nil {
				return o.failLocked(ctx, session, fmt.Sprintf("platform start failed: %v", err)), err
			}
		}
	}

	now := o.now().UTC()
	session.Status = models.StatusLive
	session.StartedAt = &now
	updated, err := o.update(ctx, session)
	if err != nil {
		return models.Session{}, err
	}
	o.metrics.SessionStarted()
	o.logger.Info("broadcast session live", "session_id", id, "scheduled", scheduled)
	return updated, nil
}

// Stop transitions a live session to ended, revoking credentials and
// releasing any platform binding best-effort. Stopping a session that is
// already terminal is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, id string) (models.Session, error) {
	return o.terminate(ctx, id, models.StatusLive, "")
}

// Cancel ends a pending session before it ever went live, releasing
// everything that was provisioned at creation.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (models.Session, error) {
	return o.terminate(ctx, id, models.StatusPending, "")
}

// completeFromPlatform records that the external platform ended the
// broadcast on its own; reconciliation drives the session to ended.
func (o *Orchestrator) completeFromPlatform(ctx context.Context, id string) (models.Session, error) {
	return o.terminate(ctx, id, models.StatusLive, "platform reported broadcast complete")
}

func (o *Orchestrator) terminate(ctx context.Context, id string, from models.SessionStatus, note string) (models.Session, error) {
	if !o.locks.tryAcquire(id) {
		return models.Session{}, fmt.Errorf("%w: session %s is busy", ErrInvalidTransition, id)
	}
	defer o.locks.release(id)

	session, err := o.Get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.Status.Terminal() {
		// Re-running a termination is a no-op; resources are already gone.
		return session, nil
	}
	if session.Status != from {
		return models.Session{}, fmt.Errorf("%w: cannot end session in state %s", ErrInvalidTransition, session.Status)
	}

	now := o.now().UTC()
	session.Status = models.StatusEnded
	session.EndedAt = &now
	if note != "" {
		o.logger.Info("ending session from reconciliation", "session_id", id, "note", note)
	}
	updated, err := o.update(ctx, session)
	if err != nil {
		return models.Session{}, err
	}

	o.releaseResources(ctx, updated)
	o.metrics.SessionEnded()
	o.logger.Info("broadcast session ended", "session_id", id)
	return updated, nil
}

// Fail moves a pending or live session to error, recording the reason. Like
// every terminal transition it is idempotent and always reaches the terminal
// state regardless of cleanup failures.
func (o *Orchestrator) Fail(ctx context.Context, id, reason string) (models.Session, error) {
	if !o.locks.tryAcquire(id) {
		return models.Session{}, fmt.Errorf("%w: session %s is busy", ErrInvalidTransition, id)
	}
	defer o.locks.release(id)

	session, err := o.Get(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	return o.failLocked(ctx, session, reason), nil
}

// failLocked performs the error transition for a session whose gate the
// caller already holds.
func (o *Orchestrator) failLocked(ctx context.Context, session models.Session, reason string) models.Session {
	now := o.now().UTC()
	session.Status = models.StatusError
	session.EndedAt = &now
	session.ErrorReason = reason

	updated, err := o.update(ctx, session)
	if err != nil {
		// The store rejected the write; keep the in-memory terminal view so
		// callers still observe a failed session, and leave the conflict for
		// the next reconciliation pass.
		o.logger.Error("failed to persist error transition", "session_id", session.ID, "error", err)
		updated = session
	}
	o.releaseResources(ctx, updated)
	o.metrics.SessionErrored()
	o.logger.Warn("broadcast session failed", "session_id", session.ID, "reason", reason)
	return updated
}

// releaseResources revokes credentials and releases platform bindings.
// Failures are logged, never propagated: the session's terminal state must
// not depend on external cleanup succeeding.
func (o *Orchestrator) releaseResources(ctx context.Context, session models.Session) {
	// Cleanup runs detached from the inbound request context: a caller that
	// canceled or timed out must not leave credentials or platform bindings
	// unreleased.
	ctx = context.WithoutCancel(ctx)
	if session.SelfHosted != nil && o.issuer != nil {
		revokeCtx, cancel := context.WithTimeout(ctx, o.credentialTimeout)
		o.issuer.Revoke(revokeCtx, session.ID)
		cancel()
	}
	if session.Platform != nil && session.Platform.BroadcastID != "" && o.adapter != nil {
		releaseCtx, cancel := context.WithTimeout(ctx, o.platformTimeout)
		err := o.adapter.Release(releaseCtx, session.Platform.BroadcastID)
		cancel()
		if err != nil {
			o.logger.Warn("platform release failed, session ended internally",
				"session_id", session.ID, "broadcast_id", session.Platform.BroadcastID, "error", err)
		}
	}
}

func (o *Orchestrator) update(ctx context.Context, session models.Session) (models.Session, error) {
	updated, err := o.store.UpdateSession(ctx, session)
	if err != nil {
		if errors.Is(err, storage.ErrRevisionConflict) {
			return models.Session{}, fmt.Errorf("%w: session %s changed concurrently", ErrInvalidTransition, session.ID)
		}
		return models.Session{}, err
	}
	return updated, nil
}
