// Package credentials issues and revokes the self-hosted ingest credentials
// for broadcast sessions: real-time media rooms with publisher join tokens for
// the browser and audio strategies, and stream keys for RTMP encoders. It
// never talks to the external video platform.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"campuscast/internal/models"
	"campuscast/internal/observability/metrics"
)

const (
	signingKeyIterations = 10000
	signingKeyLength     = 32
	defaultTokenTTL      = 4 * time.Hour
	releaseRoomTimeout   = 10 * time.Second
)

// ProvisioningError wraps failures reaching the self-hosted media-room
// allocator. Callers should treat it as retryable.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// ConnectionCredential carries the strategy-specific connection details
// returned to the broadcaster.
type ConnectionCredential struct {
	RoomID    string `json:"roomId,omitempty"`
	JoinToken string `json:"joinToken,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	IngestURL string `json:"ingestUrl,omitempty"`
}

// Config controls the issuer's collaborators and token policy.
type Config struct {
	Rooms         RoomAllocator
	RTMPIngestURL string
	TokenSecret   string
	TokenTTL      time.Duration
	TokenIssuer   string
	Logger        *slog.Logger
}

// Issuer mints and revokes per-session credentials. Active credentials are
// tracked by digest so no secret is ever reused while another session could
// still be live.
type Issuer struct {
	rooms         RoomAllocator
	rtmpIngestURL string
	tokenSecret   []byte
	tokenTTL      time.Duration
	tokenIssuer   string
	logger        *slog.Logger
	registry      *registry
	now           func() time.Time // overridable in tests
}

// NewIssuer constructs an Issuer from the provided configuration.
func NewIssuer(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, fmt.Errorf("join token secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		rooms:         cfg.Rooms,
		rtmpIngestURL: strings.TrimRight(strings.TrimSpace(cfg.RTMPIngestURL), "/"),
		tokenSecret:   []byte(cfg.TokenSecret),
		tokenTTL:      ttl,
		tokenIssuer:   cfg.TokenIssuer,
		logger:        logger,
		registry:      newRegistry(),
		now:           time.Now,
	}, nil
}

type joinTokenClaims struct {
	Room string `json:"room"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issue allocates credentials for the session according to its strategy. For
// browser and audio it provisions a media room and mints a publisher-scoped
// join token; for rtmp it generates a fresh stream key against the fixed
// ingest base URL.
func (i *Issuer) Issue(ctx context.Context, sessionID string, strategy models.IngestStrategy) (ConnectionCredential, error) {
	if strings.TrimSpace(sessionID) == "" {
		return ConnectionCredential{}, fmt.Errorf("session id is required")
	}
	var cred ConnectionCredential
	var err error
	switch strategy {
	case models.IngestBrowser, models.IngestAudio:
		cred, err = i.issueRoom(ctx, sessionID, strategy == models.IngestAudio)
	case models.IngestRTMP:
		cred, err = i.issueStreamKey(sessionID)
	default:
		return ConnectionCredential{}, fmt.Errorf("strategy %s does not use self-hosted credentials", strategy)
	}
	if err != nil {
		metrics.ObserveCredentialEvent("rejected")
		return ConnectionCredential{}, err
	}
	metrics.ObserveCredentialEvent("issued")
	return cred, nil
}

func (i *Issuer) issueRoom(ctx context.Context, sessionID string, audioOnly bool) (ConnectionCredential, error) {
	if i.rooms == nil {
		return ConnectionCredential{}, &ProvisioningError{Op: "allocate room", Err: fmt.Errorf("room allocator not configured")}
	}
	room, err := i.rooms.CreateRoom(ctx, sessionID, audioOnly)
	if err != nil {
		return ConnectionCredential{}, &ProvisioningError{Op: "allocate room", Err: err}
	}
	token, err := i.mintJoinToken(sessionID, room.ID)
	if err != nil {
		i.releaseRoom(ctx, room.ID)
		return ConnectionCredential{}, err
	}
	if err := i.registry.register(sessionID, room.ID, digest(token)); err != nil {
		i.releaseRoom(ctx, room.ID)
		return ConnectionCredential{}, err
	}
	return ConnectionCredential{RoomID: room.ID, JoinToken: token, IngestURL: room.IngestURL}, nil
}

func (i *Issuer) issueStreamKey(sessionID string) (ConnectionCredential, error) {
	key, err := generateStreamKey()
	if err != nil {
		return ConnectionCredential{}, err
	}
	if err := i.registry.register(sessionID, "", digest(key)); err != nil {
		return ConnectionCredential{}, err
	}
	return ConnectionCredential{StreamKey: key, IngestURL: i.rtmpIngestURL}, nil
}

func (i *Issuer) mintJoinToken(sessionID, roomID string) (string, error) {
	now := i.now()
	claims := joinTokenClaims{
		Room: roomID,
		Role: "publisher",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.tokenIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey(sessionID))
	if err != nil {
		return "", fmt.Errorf("sign join token: %w", err)
	}
	return signed, nil
}

// signingKey derives a per-session HMAC key so a leaked token from one
// session cannot be replayed against another.
func (i *Issuer) signingKey(sessionID string) []byte {
	return pbkdf2.Key(i.tokenSecret, []byte(sessionID), signingKeyIterations, signingKeyLength, sha256.New)
}

// Revoke invalidates any outstanding credential for the session and releases
// its media room. Revoking twice, or revoking a session that never received a
// credential, is a no-op.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) {
	entry, ok := i.registry.remove(sessionID)
	if !ok {
		return
	}
	if entry.roomID != "" {
		i.releaseRoom(ctx, entry.roomID)
	}
	metrics.ObserveCredentialEvent("revoked")
}

// releaseRoom deletes the allocated media room on a context detached from the
// caller's, so revocation still runs when the triggering request was canceled
// or timed out.
func (i *Issuer) releaseRoom(ctx context.Context, roomID string) {
	if i.rooms == nil || roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseRoomTimeout)
	defer cancel()
	if err := i.rooms.DeleteRoom(ctx, roomID); err != nil {
		i.logger.Warn("failed to release media room", "room_id", roomID, "error", err)
	}
}

// Validate reports whether the secret is the currently active credential for
// the session. Join tokens are additionally checked for a valid signature and
// expiry.
func (i *Issuer) Validate(sessionID, secret string) bool {
	entry, ok := i.registry.lookup(sessionID)
	if !ok || entry.digest != digest(secret) {
		return false
	}
	if entry.roomID == "" {
		return true
	}
	parsed, err := jwt.ParseWithClaims(secret, &joinTokenClaims{}, func(*jwt.Token) (interface{}, error) {
		return i.signingKey(sessionID), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	return err == nil && parsed.Valid
}

func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
