// Package platform is the only component that talks to the external video
// platform's live-broadcast API. It creates and binds broadcast and stream
// resources, drives advisory lifecycle transitions, reports the platform's
// authoritative status for reconciliation, and normalizes the platform's
// error taxonomy for callers.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campuscast/internal/models"
	"campuscast/internal/observability/metrics"
)

// LifecycleStatus mirrors the platform's authoritative broadcast state.
type LifecycleStatus string

const (
	LifecycleCreated  LifecycleStatus = "created"
	LifecycleReady    LifecycleStatus = "ready"
	LifecycleTesting  LifecycleStatus = "testing"
	LifecycleLive     LifecycleStatus = "live"
	LifecycleComplete LifecycleStatus = "complete"
	LifecycleRevoked  LifecycleStatus = "revoked"
)

// Finished reports whether the platform considers the broadcast over.
func (s LifecycleStatus) Finished() bool {
	return s == LifecycleComplete || s == LifecycleRevoked
}

// LifecycleTarget names the transitions this system may request. They are
// advisory; the platform may delay, reject, or transition on its own.
type LifecycleTarget string

const (
	TargetTesting  LifecycleTarget = "testing"
	TargetLive     LifecycleTarget = "live"
	TargetComplete LifecycleTarget = "complete"
)

// Binding holds the identifiers and ingest details the platform assigned to a
// simulcast session.
type Binding struct {
	BroadcastID string
	StreamID    string
	VideoID     string
	LiveChatID  string
	StreamURL   string
	StreamKey   string
}

// CreateRequest describes the broadcast to provision on the platform.
type CreateRequest struct {
	Title       string
	Description string
	ScheduledAt *time.Time
	Settings    models.PlatformSettings
}

// Adapter is the contract the orchestrator and scheduler depend on.
type Adapter interface {
	CreateSimulcast(ctx context.Context, req CreateRequest) (Binding, error)
	Transition(ctx context.Context, broadcastID string, target LifecycleTarget) error
	FetchStatus(ctx context.Context, broadcastID string) (LifecycleStatus, error)
	Release(ctx context.Context, broadcastID string) error
}

// Config assembles an HTTP adapter.
type Config struct {
	BaseURL     string
	APIKey      string
	OAuth       OAuthConfig
	HTTPClient  *http.Client
	Logger      *slog.Logger
	MaxAttempts int
	RetryBase   time.Duration
}

// HTTPAdapter implements Adapter against the platform's JSON REST API.
type HTTPAdapter struct {
	baseURL     string
	apiKey      string
	tokens      *tokenSource
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	retryBase   time.Duration
}

// NewHTTPAdapter validates the OAuth configuration and constructs the
// adapter.
func NewHTTPAdapter(cfg Config) (*HTTPAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("platform base url is required")
	}
	if err := cfg.OAuth.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &HTTPAdapter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		tokens:      newTokenSource(cfg.OAuth, client),
		client:      client,
		logger:      logger,
		maxAttempts: attempts,
		retryBase:   retryBase,
	}, nil
}

type broadcastCreateRequest struct {
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ScheduledAt     *time.Time `json:"scheduledStartTime,omitempty"`
	Privacy         string     `json:"privacyStatus,omitempty"`
	EnableDVR       bool       `json:"enableDvr"`
	EnableEmbed     bool       `json:"enableEmbed"`
	EnableAutoStart bool       `json:"enableAutoStart"`
	EnableAutoStop  bool       `json:"enableAutoStop"`
}

type broadcastResource struct {
	ID              string `json:"id"`
	VideoID         string `json:"videoId,omitempty"`
	LiveChatID      string `json:"liveChatId,omitempty"`
	LifecycleStatus string `json:"lifeCycleStatus,omitempty"`
}

type streamCreateRequest struct {
	Title string `json:"title"`
}

type streamResource struct {
	ID        string `json:"id"`
	IngestURL string `json:"ingestUrl"`
	StreamKey string `json:"streamKey"`
}

type bindRequest struct {
	StreamID string `json:"streamId"`
}

type transitionRequest struct {
	Target string `json:"broadcastStatus"`
}

// CreateSimulcast creates a broadcast and a stream resource, binds them, and
// returns the platform's assigned identifiers. Resources created before a
// later step fails are released again so a failed creation leaves nothing
// behind on the platform.
func (a *HTTPAdapter) CreateSimulcast(ctx context.Context, req CreateRequest) (Binding, error) {
	payload := broadcastCreateRequest{
		Title:           req.Title,
		Description:     req.Description,
		ScheduledAt:     req.ScheduledAt,
		Privacy:         req.Settings.Privacy,
		EnableDVR:       req.Settings.EnableDVR,
		EnableEmbed:     req.Settings.EnableEmbed,
		EnableAutoStart: req.Settings.AutoStart,
		EnableAutoStop:  req.Settings.AutoStop,
	}
	var broadcast broadcastResource
	if err := a.call(ctx, "create broadcast", http.MethodPost, "/live/broadcasts", nil, payload, &broadcast); err != nil {
		return Binding{}, err
	}

	var stream streamResource
	if err := a.call(ctx, "create stream", http.MethodPost, "/live/streams", nil, streamCreateRequest{Title: req.Title}, &stream); err != nil {
		a.rollbackBroadcast(ctx, broadcast.ID)
		return Binding{}, err
	}

	bindPath := fmt.Sprintf("/live/broadcasts/%s/bind", url.PathEscape(broadcast.ID))
	var bound broadcastResource
	if err := a.call(ctx, "bind stream", http.MethodPost, bindPath, nil, bindRequest{StreamID: stream.ID}, &bound); err != nil {
		a.rollbackStream(ctx, stream.ID)
		a.rollbackBroadcast(ctx, broadcast.ID)
		return Binding{}, err
	}

	binding := Binding{
		BroadcastID: broadcast.ID,
		StreamID:    stream.ID,
		VideoID:     broadcast.VideoID,
		LiveChatID:  broadcast.LiveChatID,
		StreamURL:   stream.IngestURL,
		StreamKey:   stream.StreamKey,
	}
	// The chat resource may only materialize once the broadcast is bound.
	if binding.LiveChatID == "" {
		binding.LiveChatID = bound.LiveChatID
	}
	if binding.VideoID == "" {
		binding.VideoID = bound.VideoID
	}
	return binding, nil
}

// Transition asks the platform to move the broadcast toward the target state.
func (a *HTTPAdapter) Transition(ctx context.Context, broadcastID string, target LifecycleTarget) error {
	path := fmt.Sprintf("/live/broadcasts/%s/transition", url.PathEscape(broadcastID))
	return a.call(ctx, fmt.Sprintf("transition to %s", target), http.MethodPost, path, nil, transitionRequest{Target: string(target)}, nil)
}

// FetchStatus returns the platform's authoritative lifecycle status.
func (a *HTTPAdapter) FetchStatus(ctx context.Context, broadcastID string) (LifecycleStatus, error) {
	path := fmt.Sprintf("/live/broadcasts/%s", url.PathEscape(broadcastID))
	query := url.Values{}
	if a.apiKey != "" {
		query.Set("key", a.apiKey)
	}
	var resource broadcastResource
	if err := a.call(ctx, "fetch status", http.MethodGet, path, query, nil, &resource); err != nil {
		return "", err
	}
	return LifecycleStatus(strings.ToLower(strings.TrimSpace(resource.LifecycleStatus))), nil
}

// Release asks the platform to end the broadcast. A broadcast that is already
// gone or already complete counts as released.
func (a *HTTPAdapter) Release(ctx context.Context, broadcastID string) error {
	path := fmt.Sprintf("/live/broadcasts/%s/transition", url.PathEscape(broadcastID))
	err := a.call(ctx, "release", http.MethodPost, path, nil, transitionRequest{Target: string(TargetComplete)}, nil)
	if err != nil && IsRejected(err) {
		// Rejections here mean the broadcast is not in a state that can
		// complete anymore, which is what release wanted anyway.
		return nil
	}
	return err
}

// rollbackTimeout bounds the detached cleanup calls issued after a failed
// creation. Rollback must not inherit the caller's deadline: creation often
// fails precisely because that deadline expired, and a rollback on the same
// context would fail instantly and orphan the resource.
const rollbackTimeout = 15 * time.Second

func (a *HTTPAdapter) rollbackBroadcast(ctx context.Context, broadcastID string) {
	if broadcastID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	path := fmt.Sprintf("/live/broadcasts/%s", url.PathEscape(broadcastID))
	if err := a.call(ctx, "rollback broadcast", http.MethodDelete, path, nil, nil, nil); err != nil {
		a.logger.Warn("failed to roll back platform broadcast", "broadcast_id", broadcastID, "error", err)
	}
}

func (a *HTTPAdapter) rollbackStream(ctx context.Context, streamID string) {
	if streamID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	path := fmt.Sprintf("/live/streams/%s", url.PathEscape(streamID))
	if err := a.call(ctx, "rollback stream", http.MethodDelete, path, nil, nil, nil); err != nil {
		a.logger.Warn("failed to roll back platform stream", "stream_id", streamID, "error", err)
	}
}

type apiErrorDetail struct {
	Reason string `json:"reason"`
}

type apiErrorBody struct {
	Error struct {
		Code    int              `json:"code"`
		Message string           `json:"message"`
		Errors  []apiErrorDetail `json:"errors"`
	} `json:"error"`
}

// call performs one logical API operation with the adapter's retry policy:
// transient failures back off exponentially up to the attempt cap, an expired
// token triggers exactly one refresh-and-retry, and quota or rejection errors
// surface immediately.
func (a *HTTPAdapter) call(ctx context.Context, op, method, path string, query url.Values, payload interface{}, dest interface{}) error {
	err := a.dispatch(ctx, op, method, path, query, payload, dest)
	metricOp := strings.ReplaceAll(op, " ", "_")
	if err != nil {
		kind, _ := kindOf(err)
		metrics.ObservePlatformError(metricOp, string(kind))
		return err
	}
	metrics.ObservePlatformCall(metricOp)
	return nil
}

func (a *HTTPAdapter) dispatch(ctx context.Context, op, method, path string, query url.Values, payload interface{}, dest interface{}) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return newError(KindRejected, op, fmt.Errorf("marshal request: %w", err))
		}
		body = encoded
	}

	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	refreshed := false
	transientAttempts := 0
	for {
		err := a.doOnce(ctx, op, method, endpoint, body, dest)
		if err == nil {
			return nil
		}
		kind, _ := kindOf(err)
		switch kind {
		case KindAuthExpired:
			if refreshed {
				return err
			}
			refreshed = true
			if _, refreshErr := a.tokens.Refresh(ctx); refreshErr != nil {
				return newError(KindAuthExpired, op, refreshErr)
			}
			continue
		case KindUnavailable:
			transientAttempts++
			if transientAttempts >= a.maxAttempts {
				return err
			}
			wait := a.retryBase << (transientAttempts - 1)
			a.logger.Warn("platform request failed, retrying", "op", op, "attempt", transientAttempts, "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
				return newError(KindUnavailable, op, ctx.Err())
			case <-time.After(wait):
			}
			continue
		default:
			return err
		}
	}
}

func (a *HTTPAdapter) doOnce(ctx context.Context, op, method, endpoint string, body []byte, dest interface{}) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return newError(KindAuthExpired, op, err)
	}

	reqBody := io.Reader(nil)
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return newError(KindRejected, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return newError(KindUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return newError(KindRejected, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return a.classify(op, resp.StatusCode, data)
}

func (a *HTTPAdapter) classify(op string, status int, body []byte) error {
	reason := ""
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Error.Errors) > 0 {
		reason = parsed.Error.Errors[0].Reason
	}
	message := strings.TrimSpace(parsed.Error.Message)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if len(message) > 512 {
		message = message[:512]
	}
	cause := fmt.Errorf("%d %s", status, message)

	switch {
	case status == http.StatusUnauthorized:
		return newError(KindAuthExpired, op, cause)
	case status == http.StatusForbidden && isQuotaReason(reason):
		return newError(KindQuotaExceeded, op, cause)
	case status == http.StatusTooManyRequests:
		return newError(KindQuotaExceeded, op, cause)
	case status >= 500:
		return newError(KindUnavailable, op, cause)
	default:
		return newError(KindRejected, op, cause)
	}
}

func isQuotaReason(reason string) bool {
	switch strings.TrimSpace(reason) {
	case "quotaExceeded", "dailyLimitExceeded", "userRateLimitExceeded":
		return true
	default:
		return false
	}
}

var _ Adapter = (*HTTPAdapter)(nil)
