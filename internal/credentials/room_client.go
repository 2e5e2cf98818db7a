package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Room describes a media room provisioned by the real-time media provider.
type Room struct {
	ID        string
	IngestURL string
}

// RoomAllocator provisions and tears down real-time media rooms.
// Implementations should be safe for concurrent use.
type RoomAllocator interface {
	CreateRoom(ctx context.Context, sessionID string, audioOnly bool) (Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// HTTPRoomAllocator talks to the media provider's room REST API.
type HTTPRoomAllocator struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

type roomCreateRequest struct {
	SessionID string `json:"sessionId"`
	AudioOnly bool   `json:"audioOnly,omitempty"`
}

type roomCreateResponse struct {
	RoomID    string `json:"roomId"`
	IngestURL string `json:"ingestUrl,omitempty"`
}

// NewHTTPRoomAllocator constructs an allocator client for the given base URL.
func NewHTTPRoomAllocator(baseURL, token string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) *HTTPRoomAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRoomAllocator{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

func (a *HTTPRoomAllocator) CreateRoom(ctx context.Context, sessionID string, audioOnly bool) (Room, error) {
	payload := roomCreateRequest{SessionID: sessionID, AudioOnly: audioOnly}
	var response roomCreateResponse
	if err := a.postJSON(ctx, fmt.Sprintf("%s/v1/rooms", a.baseURL), payload, &response); err != nil {
		return Room{}, err
	}
	if response.RoomID == "" {
		return Room{}, fmt.Errorf("room allocator returned empty room id")
	}
	return Room{ID: response.RoomID, IngestURL: response.IngestURL}, nil
}

func (a *HTTPRoomAllocator) DeleteRoom(ctx context.Context, roomID string) error {
	return a.do(ctx, http.MethodDelete, fmt.Sprintf("%s/v1/rooms/%s", a.baseURL, roomID), nil, nil)
}

func (a *HTTPRoomAllocator) postJSON(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return a.do(ctx, http.MethodPost, url, body, dest)
}

func (a *HTTPRoomAllocator) do(ctx context.Context, method, url string, payload []byte, dest interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := strings.TrimSpace(a.token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if dest == nil {
						lastErr = nil
						return
					}
					lastErr = json.NewDecoder(resp.Body).Decode(dest)
					return
				}
				data, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < a.maxAttempts {
			a.logger.Warn("room allocator request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.retryInterval):
			}
		}
	}
	return lastErr
}
