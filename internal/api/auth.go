package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tonimelisma/taskwatch/internal/credstore"
	"github.com/tonimelisma/taskwatch/internal/tokenfile"
)

// Backend paths for the auth endpoints.
const (
	LoginPath   = "/auth/login"
	LogoutPath  = "/auth/logout"
	RefreshPath = "/auth/refresh-token"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// tokenResponse is the token pair shape shared by login and refresh.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t tokenResponse) pair() credstore.TokenPair {
	return credstore.TokenPair{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
}

// Login signs in with email and password and stores the returned pair.
func (c *Client) Login(ctx context.Context, req LoginRequest) (credstore.TokenPair, error) {
	if err := validate.Struct(req); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("api: invalid login request: %w", err)
	}

	env, err := JSONEnvelope(http.MethodPost, LoginPath, req)
	if err != nil {
		return credstore.TokenPair{}, err
	}

	env.Anonymous = true

	var tr tokenResponse
	if err := c.Do(ctx, env, &tr); err != nil {
		return credstore.TokenPair{}, err
	}

	if tr.AccessToken == "" {
		return credstore.TokenPair{}, errors.New("api: login response missing accessToken")
	}

	pair := tr.pair()

	meta := map[string]string{
		tokenfile.MetaEmail:    req.Email,
		tokenfile.MetaSignedIn: time.Now().UTC().Format(time.RFC3339),
	}

	if err := c.creds.SignIn(pair, meta); err != nil {
		return pair, err
	}

	c.logger.Info("signed in",
		slog.String("email", req.Email),
		slog.Bool("has_refresh_token", pair.RefreshToken != ""),
	)

	return pair, nil
}

// Logout tells the backend to end the session, then clears local
// credentials. The backend call is best effort: local credentials are
// cleared even if it fails, unless ctx was canceled first. An expired
// session is not refreshed just to be ended.
func (c *Client) Logout(ctx context.Context) error {
	if c.creds.Get().AccessToken != "" {
		env := NewEnvelope(http.MethodPost, LogoutPath)
		env.SkipRefresh = true

		err := c.Do(ctx, env, nil)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}

			c.logger.Warn("backend logout failed, clearing local credentials anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	return c.creds.Clear(false)
}

// HTTPRefresher calls GET /auth/refresh-token authorized by the refresh token.
type HTTPRefresher struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// Refresh performs one refresh round trip. Any status other than 200 is a
// failure.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (credstore.TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+RefreshPath, nil)
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("api: creating refresh request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+refreshToken)
	req.Header.Set("Accept", "application/json")

	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	hc := r.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return credstore.TokenPair{}, &TransportError{Method: http.MethodGet, Path: RefreshPath, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return credstore.TokenPair{}, newRequestError(resp, http.MethodGet, RefreshPath, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("api: decoding refresh response: %w", err)
	}

	if tr.AccessToken == "" {
		return credstore.TokenPair{}, errors.New("api: refresh response missing accessToken")
	}

	return tr.pair(), nil
}
