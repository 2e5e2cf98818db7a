package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campuscast/internal/credentials"
	"campuscast/internal/models"
	"campuscast/internal/platform"
)

// CredentialIssuer is the slice of the credential issuer the orchestrator
// depends on.
type CredentialIssuer interface {
	Issue(ctx context.Context, sessionID string, strategy models.IngestStrategy) (credentials.ConnectionCredential, error)
	Revoke(ctx context.Context, sessionID string)
}

// ConnectionDetails is the strategy-dependent connection payload returned to
// the broadcaster alongside the created session.
type ConnectionDetails struct {
	RoomID    string `json:"roomId,omitempty"`
	JoinToken string `json:"joinToken,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	IngestURL string `json:"ingestUrl,omitempty"`
}

// provisioner is the uniform capability each ingest strategy implements:
// allocate everything the strategy needs and populate the session's
// strategy-specific fields, or undo a partial allocation.
type provisioner interface {
	provision(ctx context.Context, session *models.Session) (ConnectionDetails, error)
	rollback(ctx context.Context, session *models.Session)
}

// selfHostedProvisioner serves browser, audio, and rtmp sessions from the
// credential issuer alone. It never calls the external platform.
type selfHostedProvisioner struct {
	issuer  CredentialIssuer
	timeout time.Duration
}

func (p *selfHostedProvisioner) provision(ctx context.Context, session *models.Session) (ConnectionDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cred, err := p.issuer.Issue(ctx, session.ID, session.Strategy)
	if err != nil {
		return ConnectionDetails{}, err
	}
	session.SelfHosted = &models.SelfHostedIngest{
		RoomID:    cred.RoomID,
		JoinToken: cred.JoinToken,
		StreamKey: cred.StreamKey,
		IngestURL: cred.IngestURL,
	}
	return ConnectionDetails(cred), nil
}

func (p *selfHostedProvisioner) rollback(ctx context.Context, session *models.Session) {
	// Detached from the caller: a provision that failed on an expired or
	// canceled context must still get its credentials revoked.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	p.issuer.Revoke(ctx, session.ID)
	session.SelfHosted = nil
}

// simulcastProvisioner binds the session to a broadcast on the external
// platform. It never touches self-hosted credentials.
type simulcastProvisioner struct {
	adapter platform.Adapter
	logger  *slog.Logger
	timeout time.Duration
}

func (p *simulcastProvisioner) provision(ctx context.Context, session *models.Session) (ConnectionDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	settings := models.PlatformSettings{}
	if session.Platform != nil {
		settings = session.Platform.Settings
	}
	binding, err := p.adapter.CreateSimulcast(ctx, platform.CreateRequest{
		Title:       session.Title,
		Description: session.Description,
		ScheduledAt: session.ScheduledAt,
		Settings:    settings,
	})
	if err != nil {
		return ConnectionDetails{}, err
	}
	session.Platform = &models.PlatformBroadcast{
		BroadcastID: binding.BroadcastID,
		StreamID:    binding.StreamID,
		VideoID:     binding.VideoID,
		LiveChatID:  binding.LiveChatID,
		StreamURL:   binding.StreamURL,
		StreamKey:   binding.StreamKey,
		Settings:    settings,
	}
	return ConnectionDetails{StreamKey: binding.StreamKey, IngestURL: binding.StreamURL}, nil
}

func (p *simulcastProvisioner) rollback(ctx context.Context, session *models.Session) {
	if session.Platform == nil || session.Platform.BroadcastID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.adapter.Release(ctx, session.Platform.BroadcastID); err != nil {
		p.logger.Warn("failed to release platform broadcast during rollback",
			"session_id", session.ID, "broadcast_id", session.Platform.BroadcastID, "error", err)
	}
	session.Platform = nil
}

func (o *Orchestrator) provisionerFor(strategy models.IngestStrategy) (provisioner, error) {
	switch strategy {
	case models.IngestBrowser, models.IngestAudio, models.IngestRTMP:
		if o.issuer == nil {
			return nil, fmt.Errorf("credential issuer not configured for strategy %s", strategy)
		}
		return &selfHostedProvisioner{issuer: o.issuer, timeout: o.credentialTimeout}, nil
	case models.IngestSimulcast:
		if o.adapter == nil {
			return nil, fmt.Errorf("platform adapter not configured for strategy %s", strategy)
		}
		return &simulcastProvisioner{adapter: o.adapter, logger: o.logger, timeout: o.platformTimeout}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported ingest strategy %q", ErrInvalidRequest, strategy)
	}
}
