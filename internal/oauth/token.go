// Package oauth acquires OAuth2 access tokens with the client credentials
// grant. Tokens feed SMTP XOAUTH2 and the Microsoft Graph transport.
package oauth

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

	"github.com/shineum/mailsend/internal/email"
)

// Well-known scopes for Microsoft 365.
const (
	ScopeGraph = "https://graph.microsoft.com/.default"
	ScopeSMTP  = "https://outlook.office365.com/.default"
)

// expiryBuffer is subtracted from the advertised lifetime so a token is never
// used right before it expires.
const expiryBuffer = 5 * time.Minute

// MicrosoftTokenURL returns the v2.0 token endpoint for tenant.
func MicrosoftTokenURL(tenant string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(tenant))
}

// Credentials describes a client credentials grant.
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource caches an access token and refreshes it shortly before it
// expires. It is safe for concurrent use.
type TokenSource struct {
	creds      Credentials
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewTokenSource returns a TokenSource for creds. A nil client uses
// http.DefaultClient.
func NewTokenSource(creds Credentials, client *http.Client) (*TokenSource, error) {
	if creds.TokenURL == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%w: oauth token url, client id and client secret are required", email.ErrAuthConfig)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{creds: creds, httpClient: client}, nil
}

// Token returns a valid access token, refreshing it if necessary.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.accessToken != "" && time.Now().Before(ts.expiresAt) {
		return ts.accessToken, nil
	}
	return ts.refresh(ctx)
}

// ForceRefresh discards the cached token and acquires a new one. Callers use
// it after the server rejected the current token.
func (ts *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.accessToken = ""
	ts.expiresAt = time.Time{}
	return ts.refresh(ctx)
}

// refresh must be called with ts.mu held.
func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.creds.ClientID},
		"client_secret": {ts.creds.ClientSecret},
	}
	if ts.creds.Scope != "" {
		form.Set("scope", ts.creds.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create token request: %w", email.ErrAuthConfig, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request failed: %w", email.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read token response: %w", email.ErrConnection, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d: %s", email.ErrAuthConfig, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: failed to parse token response: %w", email.ErrAuthConfig, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: token response missing access_token", email.ErrAuthConfig)
	}

	ts.accessToken = tr.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryBuffer)
	return ts.accessToken, nil
}
