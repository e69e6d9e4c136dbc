package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/chainsafe/evm-minter/pkg/config"
)

const (
	defaultExpiryLeeway = 60 * time.Second
	defaultHTTPTimeout  = 10 * time.Second

	// If the token endpoint doesn't give expires_in, use a conservative fallback.
	fallbackTokenTTL = 5 * time.Minute

	// Limit error-body reads so we don't accidentally slurp huge responses.
	maxErrBodyBytes = 4096
)

// AuthProvider supplies bearer tokens for settlement ledger requests.
// Implementations cache and refresh tokens as needed. An empty token means
// the request goes out unauthenticated.
type AuthProvider interface {
	Token(ctx context.Context) (token string, err error)
}

// NoAuth is the provider used when no token endpoint is configured.
type NoAuth struct{}

func (NoAuth) Token(context.Context) (string, error) { return "", nil }

// OAuthClientCredentialsProvider implements AuthProvider using the OAuth2
// client credentials flow against the configured token endpoint.
type OAuthClientCredentialsProvider struct {
	cfg        *config.LedgerAuthConfig
	httpClient *http.Client
	leeway     time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewOAuthClientCredentialsProvider creates a token provider from the ledger
// auth configuration.
func NewOAuthClientCredentialsProvider(cfg *config.LedgerAuthConfig, httpClient *http.Client) *OAuthClientCredentialsProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &OAuthClientCredentialsProvider{
		cfg:        cfg,
		httpClient: httpClient,
		leeway:     defaultExpiryLeeway,
	}
}

func (p *OAuthClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	// Fast path: return cached token if still valid.
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expiry) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	// Fetch without holding the mutex.
	token, expiry, err := p.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.token = token
	p.expiry = expiry
	p.mu.Unlock()

	return token, nil
}

func (p *OAuthClientCredentialsProvider) fetchToken(ctx context.Context) (string, time.Time, error) {
	payload := map[string]string{
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
		"audience":      p.cfg.Audience,
		"grant_type":    "client_credentials",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		limited, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
		if readErr != nil {
			return "", time.Time{}, fmt.Errorf("token endpoint returned %d and body read failed: %w", resp.StatusCode, readErr)
		}
		return "", time.Time{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(limited))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing access_token")
	}

	return tr.AccessToken, computeRefreshBy(time.Now(), tr.ExpiresIn, p.leeway), nil
}

// computeRefreshBy returns a "refresh-by" timestamp, leeway-adjusted.
func computeRefreshBy(now time.Time, expiresInSeconds int, leeway time.Duration) time.Time {
	if expiresInSeconds <= 0 {
		return now.Add(fallbackTokenTTL)
	}

	exp := now.Add(time.Duration(expiresInSeconds) * time.Second)
	refreshBy := exp.Add(-leeway)

	// If leeway overshoots, fall back to a reasonable midpoint.
	if refreshBy.Before(now) {
		return now.Add(time.Duration(expiresInSeconds/2) * time.Second)
	}

	return refreshBy
}
