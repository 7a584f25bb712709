// Package auth acquires and caches bearer tokens for Registry and peer
// calls, and resolves provider audiences.
package auth

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

	"github.com/golang-jwt/jwt/v5"
)

// AuthError means token acquisition failed; the operation stays unsubmitted.
type AuthError struct {
	Audience string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token acquisition for audience %s failed: %v", e.Audience, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// cacheTTL keeps tokens a little under the typical one-hour issuer lifetime.
const cacheTTL = 58 * time.Minute

type cachedToken struct {
	token   string
	expires time.Time
}

// Tokens is the token-acquisition port: client-credentials grants against
// the configured auth server, cached per audience+scope.
type Tokens struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Now          func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

func (t *Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Get returns a bearer token for the audience and scope, from cache when
// still fresh.
func (t *Tokens) Get(ctx context.Context, audience, scope string) (string, error) {
	key := audience + "|" + scope
	t.mu.Lock()
	if tok, ok := t.cache[key]; ok && t.now().Before(tok.expires) {
		t.mu.Unlock()
		return tok.token, nil
	}
	t.mu.Unlock()

	token, expires, err := t.fetch(ctx, audience, scope)
	if err != nil {
		return "", &AuthError{Audience: audience, Err: err}
	}
	t.mu.Lock()
	if t.cache == nil {
		t.cache = make(map[string]cachedToken)
	}
	t.cache[key] = cachedToken{token: token, expires: expires}
	t.mu.Unlock()
	return token, nil
}

func (t *Tokens) fetch(ctx context.Context, audience, scope string) (string, time.Time, error) {
	if t.TokenURL == "" {
		return "", time.Time{}, fmt.Errorf("token url not configured")
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("intended_audience", audience)
	if scope != "" {
		form.Set("scope", scope)
	}
	if t.ClientID != "" {
		form.Set("client_id", t.ClientID)
	}
	if t.ClientSecret != "" {
		form.Set("client_secret", t.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, err
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("empty access_token in response")
	}
	return out.AccessToken, t.expiry(out.AccessToken, out.ExpiresIn), nil
}

// expiry picks the earliest of the cache TTL, the issuer's expires_in, and
// the token's own exp claim when it is a readable JWT.
func (t *Tokens) expiry(token string, expiresIn int) time.Time {
	now := t.now()
	expires := now.Add(cacheTTL)
	if expiresIn > 0 {
		if e := now.Add(time.Duration(expiresIn-120) * time.Second); e.Before(expires) {
			expires = e
		}
	}
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		if e := claims.ExpiresAt.Time.Add(-2 * time.Minute); e.Before(expires) {
			expires = e
		}
	}
	return expires
}

// AudienceOf resolves the OAuth audience for a provider base URL: its
// hostname, without scheme or port.
func AudienceOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(baseURL)
	}
	return u.Hostname()
}
