// Package aldes talks to the aldesiotsuite cloud API: session management,
// device polling, and command submission. It owns the error taxonomy the
// rest of the bridge branches on.
package aldes

import (
	"bytes"
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
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	tokenPath    = "/oauth2/token"
	productsPath = "/aldesoc/v5/users/me/products"

	// Read requests are retried with exponential backoff; writes are not.
	maxReadAttempts  = 3
	initialBackoff   = time.Second
	tokenExpirySkew  = 30 * time.Second
	defaultTimeout   = 30 * time.Second
	defaultCacheTTL  = 30 * time.Second
	defaultRateLimit = rate.Limit(5)
	defaultRateBurst = 10
	cacheSize        = 8
)

// API is the vendor-facing contract consumed by the coordinator. The
// concrete Client talks HTTP; tests substitute a fake.
type API interface {
	// Authenticate obtains a fresh session token.
	Authenticate(ctx context.Context) error
	// FetchProducts returns the account's devices with live telemetry.
	// force bypasses the response cache.
	FetchProducts(ctx context.Context, force bool) ([]Product, error)
	// SendCommand submits one encoded command. Writes are never retried
	// beyond the single re-authentication pass.
	SendCommand(ctx context.Context, cmd CommandPayload) error
}

// Config carries the client's connection settings. Zero values fall back
// to the documented defaults.
type Config struct {
	BaseURL      string
	Username     string
	Password     string
	Timeout      time.Duration
	CacheTTL     time.Duration
	RetryBackoff time.Duration
	RateLimit    rate.Limit
	RateBurst    int

	// SessionRenewals, when set, counts re-authentications after the
	// initial login.
	SessionRenewals prometheus.Counter
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	backoff    time.Duration
	renewals   prometheus.Counter

	// Session state. authMu serializes refreshes so one account never has
	// two credential submissions in flight.
	authMu      sync.Mutex
	token       string
	tokenExpiry time.Time

	cache    *lru.Cache
	cacheTTL time.Duration
}

type cachedProducts struct {
	products  []Product
	fetchedAt time.Time
}

// NewClient creates a client for one Aldes account.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL must be set")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("username and password must be set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = initialBackoff
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("aldes"),
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		backoff:    cfg.RetryBackoff,
		renewals:   cfg.SessionRenewals,
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
	}, nil
}

// Authenticate performs the OAuth2 password grant and stores the session
// token. Concurrent callers are serialized; a caller that waits on the
// mutex and finds a fresh token does not re-authenticate.
func (c *Client) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.username},
		"password":   {c.password},
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+tokenPath, strings.NewReader(form.Encode()))
		if err != nil {
			return &TransportError{Op: "authenticate", Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("Authentication request failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if attempt < maxReadAttempts {
				if err := c.sleep(ctx, &backoff); err != nil {
					return &TransportError{Op: "authenticate", Err: err}
				}
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var tr tokenResponse
			if err := json.Unmarshal(body, &tr); err != nil {
				return &AuthError{Reason: "unreadable token response", Err: err}
			}
			if c.token != "" && c.renewals != nil {
				c.renewals.Inc()
			}
			c.token = tr.AccessToken
			c.tokenExpiry = c.expiryFor(tr)
			c.logger.Debug("Authenticated",
				zap.Time("token_expiry", c.tokenExpiry))
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			if attempt < maxReadAttempts {
				if err := c.sleep(ctx, &backoff); err != nil {
					return &TransportError{Op: "authenticate", Err: err}
				}
			}
			continue
		default:
			// 400/401: the vendor rejected the credentials.
			c.token = ""
			return &AuthError{Reason: fmt.Sprintf("vendor returned status %d", resp.StatusCode)}
		}
	}

	return &TransportError{Op: "authenticate", Err: lastErr}
}

// expiryFor derives the session expiry, preferring the explicit expires_in
// and falling back to the exp claim of the (unverified) JWT access token.
func (c *Client) expiryFor(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-tokenExpirySkew)
		}
	}

	c.logger.Warn("Token carries no expiry, assuming one hour")
	return time.Now().Add(time.Hour - tokenExpirySkew)
}

// ensureSession authenticates if there is no token or it has expired.
func (c *Client) ensureSession(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return nil
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) currentToken() string {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.token
}

// doAuthorized issues one request with the bearer token. On a 401 it
// re-authenticates once and retries the original request exactly once.
// The caller owns closing the response body.
func (c *Client) doAuthorized(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Op: "rate limit wait", Err: err}
	}

	resp, err := c.send(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.Debug("Session rejected, re-authenticating once",
		zap.String("url", url))
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}

	resp, err = c.send(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &AuthError{Reason: "session rejected after refresh"}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &TransportError{Op: method + " " + url, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + url, Err: err}
	}
	return resp, nil
}

// FetchProducts returns the account's device list. Responses are cached
// for the configured TTL; retries beyond the bounded policy are left to
// the caller, who holds the last decoded state anyway.
func (c *Client) FetchProducts(ctx context.Context, force bool) ([]Product, error) {
	if !force {
		if entry, ok := c.cache.Get(productsPath); ok {
			cached := entry.(cachedProducts)
			if time.Since(cached.fetchedAt) < c.cacheTTL {
				c.logger.Debug("Serving products from cache")
				return cached.products, nil
			}
		}
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		products, err := c.fetchProductsOnce(ctx)
		if err == nil {
			c.cache.Add(productsPath, cachedProducts{products: products, fetchedAt: time.Now()})
			return products, nil
		}
		lastErr = err

		// Auth rejections and body-format mismatches will not heal with
		// a retry.
		switch err.(type) {
		case *AuthError, *DecodeError:
			return nil, err
		}
		c.logger.Warn("Product fetch failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < maxReadAttempts {
			if err := c.sleep(ctx, &backoff); err != nil {
				break
			}
		}
	}

	return nil, lastErr
}

func (c *Client) fetchProductsOnce(ctx context.Context) ([]Product, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, c.baseURL+productsPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "fetch products", Status: resp.StatusCode}
	}

	var products []Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("product list: %w", err)}
	}
	return products, nil
}

// SendCommand submits one encoded command. There is no backoff loop here:
// a side-effecting request is sent at most twice, and the second send only
// happens for the 401 re-authentication case inside doAuthorized.
func (c *Client) SendCommand(ctx context.Context, cmd CommandPayload) error {
	var (
		method string
		path   string
		body   interface{}
	)
	switch cmd.Kind {
	case CommandSetTemperature:
		method = http.MethodPatch
		path = fmt.Sprintf("%s%s/%s/updateThermostats", c.baseURL, productsPath, cmd.DeviceID)
		body = cmd.Thermostats
	case CommandChangeMode:
		method = http.MethodPost
		path = fmt.Sprintf("%s%s/%s/commands", c.baseURL, productsPath, cmd.DeviceID)
		body = changeModeRequest{Method: "changeMode", Params: []string{cmd.ModeParam}}
	default:
		return &ValidationError{Field: "command kind", Reason: fmt.Sprintf("unsupported kind %q", cmd.Kind)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &ValidationError{Field: "command body", Reason: err.Error()}
	}

	c.logger.Info("Sending command",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("kind", string(cmd.Kind)))

	resp, err := c.doAuthorized(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Op: "send command", Status: resp.StatusCode}
	}

	// The command may change device state; make the next poll fetch fresh.
	c.cache.Purge()
	return nil
}

// sleep waits for the current backoff and doubles it, honoring ctx.
func (c *Client) sleep(ctx context.Context, backoff *time.Duration) error {
	select {
	case <-time.After(*backoff):
		*backoff *= 2
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
