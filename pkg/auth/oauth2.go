package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/rubiojr/relaybox/pkg/core"
)

// OAuth2Provider obtains bearer tokens from an oauth2.TokenSource. The
// request's endpoint and params are ignored; the source is expected to be
// configured already.
type OAuth2Provider struct {
	Source oauth2.TokenSource
	Now    func() time.Time
}

func NewOAuth2Provider(src oauth2.TokenSource) *OAuth2Provider {
	return &OAuth2Provider{Source: oauth2.ReuseTokenSource(nil, src), Now: time.Now}
}

func (p *OAuth2Provider) GetToken(ctx context.Context, _ TokenRequest) (*TokenResponse, error) {
	if p.Source == nil {
		return nil, &core.ValidationError{Field: "oauth2 source", Reason: "required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, &core.TokenError{Reason: "fetching oauth2 token", Err: err}
	}
	tok, err := p.Source.Token()
	if err != nil {
		return nil, &core.TokenError{Reason: "fetching oauth2 token", Err: err}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	resp := &TokenResponse{Token: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		resp.ExpiresAt = tok.Expiry.Unix()
		if in := tok.Expiry.Sub(now()); in > 0 {
			resp.ExpiresIn = int64(in / time.Second)
		}
	}
	return resp, nil
}
