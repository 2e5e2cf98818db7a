package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuthConfig carries the credentials for the platform's OAuth2 client.
// Access tokens are re-obtained from the refresh token; no token state is
// held outside the token source.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
}

// Validate checks the configuration is complete enough to mint tokens.
func (c OAuthConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("oauth client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("oauth client secret is required")
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		return fmt.Errorf("oauth token url is required")
	}
	if strings.TrimSpace(c.RefreshToken) == "" {
		return fmt.Errorf("oauth refresh token is required")
	}
	return nil
}

// tokenSource exchanges the refresh token for access tokens and caches the
// result until shortly before expiry.
type tokenSource struct {
	cfg    OAuthConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

const tokenExpirySlack = 30 * time.Second

func newTokenSource(cfg OAuthConfig, client *http.Client) *tokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &tokenSource{cfg: cfg, client: client, now: time.Now}
}

// Token returns a cached access token, refreshing when absent or stale.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accessToken != "" && t.now().Add(tokenExpirySlack).Before(t.expiry) {
		return t.accessToken, nil
	}
	return t.refreshLocked(ctx)
}

// Refresh discards the cached token and obtains a fresh one. The adapter
// calls this exactly once when the platform reports an expired token.
func (t *tokenSource) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	return t.refreshLocked(ctx)
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (t *tokenSource) refreshLocked(ctx context.Context) (string, error) {
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", t.cfg.RefreshToken)
	payload.Set("client_id", t.cfg.ClientID)
	payload.Set("client_secret", t.cfg.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := t.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return "", fmt.Errorf("token refresh failed: %s", snippet)
	}
	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	t.accessToken = parsed.AccessToken
	if parsed.ExpiresIn > 0 {
		t.expiry = t.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	} else {
		t.expiry = t.now().Add(time.Hour)
	}
	return t.accessToken, nil
}
