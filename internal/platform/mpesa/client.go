// Package mpesa is a client for the Safaricom Daraja STK push API: OAuth
// access tokens, charge submission and charge status queries.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrAuth is returned when the provider refuses the configured credentials.
	ErrAuth = errors.New("mpesa: authentication failed")
	// ErrUnavailable is returned for network failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("mpesa: gateway unavailable")
)

const (
	DefaultBaseURL = "https://sandbox.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	// tokenSkew is subtracted from expires_in so a token is never used at the edge of its lifetime.
	tokenSkew = 60 * time.Second
)

// Kenya does not observe daylight saving, so a fixed zone avoids a tzdata dependency.
var nairobi = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Client talks to the provider. A Client is safe for concurrent use; the
// access token is cached per instance.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "mpesa").Logger(),
		now:    time.Now,
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// AccessToken returns a cached bearer token, fetching a new one when the
// cached token is missing or about to expire. Concurrent callers wait on a
// single refresh.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in response", ErrAuth)
	}

	ttl := time.Hour
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(ttl - tokenSkew)

	return c.token, nil
}

// Invalidate drops the cached token.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// Password returns the STK password and the timestamp it was derived from.
func (c *Client) Password(at time.Time) (password, timestamp string) {
	timestamp = at.In(nairobi).Format("20060102150405")
	raw := c.cfg.Shortcode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// postJSON sends body with a bearer token. A 401 drops the cached token and
// retries once with a fresh one. The caller owns the returned response body.
func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		token, err := c.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: POST %s: %v", ErrUnavailable, path, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		drain(resp)
		c.Invalidate()
		if attempt > 0 {
			return nil, fmt.Errorf("%w: token rejected by %s", ErrAuth, path)
		}
		c.logger.Debug().Str("path", path).Msg("access token rejected, refreshing")
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
