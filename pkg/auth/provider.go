// Package auth obtains bearer tokens for the realtime connection.
//
// Three providers are available:
//
//   - HTTPProvider calls an auth endpoint owned by the application and
//     expects {"token": "...", "expiresIn": 3600, "expiresAt": 1700000000}.
//   - ProviderFunc adapts a callback, typically a server-side function that
//     mints tokens directly.
//   - OAuth2Provider wraps any golang.org/x/oauth2 TokenSource.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rubiojr/relaybox/pkg/core"
)

// TokenRequest describes where and how to fetch a token.
type TokenRequest struct {
	Endpoint string
	Headers  http.Header
	Params   url.Values
	Timeout  time.Duration
}

// TokenResponse is the auth collaborator's answer.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Provider fetches tokens. It is invoked on connect and again whenever the
// current token expires.
type Provider interface {
	GetToken(ctx context.Context, req TokenRequest) (*TokenResponse, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req TokenRequest) (*TokenResponse, error)

func (f ProviderFunc) GetToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	return f(ctx, req)
}

// Validate checks the response carries a usable token.
func (r *TokenResponse) Validate() error {
	if r == nil {
		return &core.TokenError{Reason: "empty auth response"}
	}
	if r.Token == "" {
		return &core.TokenError{Reason: "auth response has no token"}
	}
	if r.ExpiresIn < 0 || r.ExpiresAt < 0 {
		return &core.TokenError{Reason: "auth response has a negative expiry"}
	}
	return nil
}

// Credential converts the response into a bearer credential issued at
// issued.
func (r *TokenResponse) Credential(issued time.Time) *core.BearerTokenCredential {
	return core.NewBearerToken(r.Token, r.ExpiresIn, r.ExpiresAt, issued)
}

// Fetch calls p and validates the result, wrapping provider failures in a
// *core.TokenError.
func Fetch(ctx context.Context, p Provider, req TokenRequest, now time.Time) (*core.BearerTokenCredential, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	resp, err := p.GetToken(ctx, req)
	if err != nil {
		var te *core.TokenError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &core.TokenError{Reason: "fetching token", Err: err}
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp.Credential(now), nil
}
