package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/neurotutor/neurotutor/internal/model"
)

// ErrMissingToken is returned when a successful login carries no token.
var ErrMissingToken = errors.New("login response has no token")

// Login exchanges credentials for a token. The response also carries the
// user's basic profile fields.
func (c *Client) Login(ctx context.Context, email, password string) (*model.RawProfile, error) {
	const op = "login"
	body := model.LoginRequest{Email: email, Password: password}
	if err := c.check(op, body); err != nil {
		return nil, err
	}
	var out model.RawProfile
	if err := c.do(ctx, op, http.MethodPost, c.authURL+"/api/v1/auth/login", "", body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, ErrMissingToken
	}
	return &out, nil
}

// Me fetches the profile of the token's owner.
func (c *Client) Me(ctx context.Context, token string) (*model.RawProfile, error) {
	var out model.RawProfile
	if err := c.do(ctx, "fetch profile", http.MethodGet, c.authURL+"/api/v1/auth/me", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteDiagnostic stores a placement score (0-100) and level on the
// user's profile.
func (c *Client) CompleteDiagnostic(ctx context.Context, token string, score int, level model.Level) error {
	const op = "complete diagnostic"
	body := model.DiagnosticCompletion{Score: score, Level: level}
	if err := c.check(op, body); err != nil {
		return err
	}
	return c.do(ctx, op, http.MethodPost, c.authURL+"/api/v1/auth/diagnostic/complete", token, body, nil)
}
