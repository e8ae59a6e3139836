package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultAPIBase is the open-platform API origin.
const DefaultAPIBase = "https://open.feishu.cn"

// Tokens are refreshed this long before their reported expiry so a reply
// never races the platform-side cutoff.
const tokenExpiryMargin = 5 * time.Minute

// TokenSource caches the tenant access token and refreshes it on demand.
// Concurrent callers near expiry trigger exactly one upstream refresh.
type TokenSource struct {
	appID      string
	appSecret  string
	apiBase    string
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

// NewTokenSource creates a token source for the given app credentials.
// apiBase may be empty to use the public endpoint.
func NewTokenSource(appID, appSecret, apiBase string, log *slog.Logger) *TokenSource {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &TokenSource{
		appID:      appID,
		appSecret:  appSecret,
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With("component", "feishu_token"),
		now:        time.Now,
	}
}

// Token returns a tenant access token valid for at least the expiry margin.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	token, expires := ts.token, ts.expires
	ts.mu.RUnlock()

	if token != "" && ts.now().Before(expires) {
		return token, nil
	}

	fresh, err, _ := ts.group.Do("tenant_access_token", func() (any, error) {
		// Another waiter may have refreshed while we queued.
		ts.mu.RLock()
		token, expires := ts.token, ts.expires
		ts.mu.RUnlock()
		if token != "" && ts.now().Before(expires) {
			return token, nil
		}
		// The refresh is shared with every queued waiter, so it must not
		// die with the first caller's request context. The HTTP client
		// timeout still bounds it.
		return ts.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return fresh.(string), nil
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":     ts.appID,
		"app_secret": ts.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	url := ts.apiBase + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Code != 0 {
		return "", fmt.Errorf("token endpoint returned code %d: %s", tr.Code, tr.Msg)
	}

	expires := ts.now().Add(time.Duration(tr.Expire)*time.Second - tokenExpiryMargin)

	ts.mu.Lock()
	ts.token = tr.TenantAccessToken
	ts.expires = expires
	ts.mu.Unlock()

	ts.log.Debug("Refreshed tenant access token", "expires", expires)
	return tr.TenantAccessToken, nil
}
