package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "taskwatch/0.1"
	requestIDHeader  = "X-Request-ID"

	// maxErrorBody caps how much of an error response is buffered.
	maxErrorBody = 64 << 10
)

// Client issues authenticated requests against the backend. Metadata calls
// go through httpClient (with a timeout); streaming calls go through
// streamClient, which has none, since a stream may legitimately run long.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	creds        Credentials
	refresh      *Coordinator
	limiter      *rate.Limiter
	userAgent    string
	logger       *slog.Logger

	newRequestID func() string
}

// Option configures a Client.
type Option func(*Client)

// WithStreamClient sets the HTTP client used by Stream.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) {
		c.streamClient = hc
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}

		burst := max(int(perSecond), 1)
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRefresher replaces the refresh call (defaults to HTTPRefresher against
// the same base URL).
func WithRefresher(r Refresher) Option {
	return func(c *Client) {
		c.refresh = NewCoordinator(c.creds, r, c.logger)
	}
}

// NewClient creates a client for baseURL. creds is read at send time, so a
// token renewed between building and sending a request is always used.
func NewClient(baseURL string, httpClient *http.Client, creds Credentials, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		streamClient: httpClient,
		creds:        creds,
		userAgent:    defaultUserAgent,
		logger:       logger,
		newRequestID: func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.refresh == nil {
		c.refresh = NewCoordinator(creds, &HTTPRefresher{
			BaseURL:    baseURL,
			HTTPClient: httpClient,
			UserAgent:  c.userAgent,
		}, logger)
	}

	return c
}

// Coordinator exposes the refresh coordinator shared by both request paths.
func (c *Client) Coordinator() *Coordinator {
	return c.refresh
}

// Do issues env and decodes a JSON response into out (nil discards the body).
func (c *Client) Do(ctx context.Context, env *Envelope, out any) error {
	resp, err := c.roundTrip(ctx, c.httpClient, env)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newRequestError(resp, env.Method, env.Path, body)
	}

	c.logger.Debug("request succeeded",
		slog.String("method", env.Method),
		slog.String("path", env.Path),
		slog.Int("status", resp.StatusCode),
	)

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w", env.Method, env.Path, err)
	}

	return nil
}

// Get is Do for a GET without a body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, NewEnvelope(http.MethodGet, path), out)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.withJSON(ctx, http.MethodPost, path, body, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.withJSON(ctx, http.MethodPut, path, body, out)
}

// Patch sends body as JSON.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.withJSON(ctx, http.MethodPatch, path, body, out)
}

// Delete issues a DELETE, with an optional JSON body.
func (c *Client) Delete(ctx context.Context, path string, body, out any) error {
	if body == nil {
		return c.Do(ctx, NewEnvelope(http.MethodDelete, path), out)
	}

	return c.withJSON(ctx, http.MethodDelete, path, body, out)
}

func (c *Client) withJSON(ctx context.Context, method, path string, body, out any) error {
	env, err := JSONEnvelope(method, path, body)
	if err != nil {
		return err
	}

	return c.Do(ctx, env, out)
}

// roundTrip issues env under the authorization policy shared by Do and
// Stream. The returned response is never a 401 and its body is open.
//
// On a 401 the request joins (or starts) a refresh episode. A renewed pair
// means one replay with the new token; whatever that replay returns is final,
// except that a second 401 is terminal. A failed refresh is terminal too.
// Terminal outcomes clear credentials with redirect and return ErrAuthExpired.
func (c *Client) roundTrip(ctx context.Context, hc *http.Client, env *Envelope) (*http.Response, error) {
	issued := env.issue()

	token := ""
	if !issued.Anonymous {
		token = c.creds.Get().AccessToken
	}

	for {
		resp, err := c.send(ctx, hc, issued, token)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusUnauthorized || issued.Anonymous || issued.SkipRefresh {
			return resp, nil
		}

		drainAndClose(resp)

		if err := issued.markRetry(); err != nil {
			c.logger.Warn("request rejected again after token refresh",
				slog.String("method", issued.Method),
				slog.String("path", issued.Path),
			)

			c.expire()

			return nil, fmt.Errorf("api: %s %s rejected after refresh: %w", issued.Method, issued.Path, ErrAuthExpired)
		}

		c.logger.Debug("unauthorized, waiting for token refresh",
			slog.String("method", issued.Method),
			slog.String("path", issued.Path),
		)

		pair, err := c.refresh.BeginOrJoin(token).Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}

			c.expire()

			return nil, fmt.Errorf("api: %s %s: %w: %w", issued.Method, issued.Path, ErrAuthExpired, err)
		}

		token = pair.AccessToken
	}
}

// expire clears credentials and fires the login-required transition.
func (c *Client) expire() {
	if err := c.creds.Clear(true); err != nil {
		c.logger.Warn("clearing credentials failed", slog.String("error", err.Error()))
	}
}

// send performs exactly one HTTP attempt with the given bearer token.
func (c *Client) send(ctx context.Context, hc *http.Client, env *Envelope, token string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("api: request canceled: %w", err)
		}
	}

	req, err := env.build(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, c.newRequestID())

	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("api: request canceled: %w", ctxErr)
		}

		c.logger.Warn("request produced no response",
			slog.String("method", env.Method),
			slog.String("path", env.Path),
			slog.String("error", err.Error()),
		)

		return nil, &TransportError{Method: env.Method, Path: env.Path, Err: err}
	}

	return resp, nil
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

// drainAndClose lets the connection be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// IsAuthExpired reports whether err is the terminal authentication failure.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// AccessToken returns the token that would be attached to a request sent now.
func (c *Client) AccessToken() string {
	return c.creds.Get().AccessToken
}

// Renew applies the refresh step of the authorization policy for callers
// that talk to the backend outside Do and Stream (the realtime socket
// handshake). rejected is the token the server refused. It returns the
// renewed access token, or ErrAuthExpired after clearing credentials.
func (c *Client) Renew(ctx context.Context, rejected string) (string, error) {
	pair, err := c.refresh.BeginOrJoin(rejected).Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}

		c.expire()

		return "", fmt.Errorf("api: %w: %w", ErrAuthExpired, err)
	}

	return pair.AccessToken, nil
}

// Expire clears credentials with redirect. Used when a replayed handshake is
// rejected again.
func (c *Client) Expire() {
	c.expire()
}
