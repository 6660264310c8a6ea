package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/log"
)

// HTTPProvider fetches tokens from an HTTP endpoint. Params are sent as
// query parameters for GET and as a form body for POST.
type HTTPProvider struct {
	Client *http.Client
	Method string
}

func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{Client: http.DefaultClient, Method: http.MethodGet}
}

func (p *HTTPProvider) GetToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	l := log.ForService("auth")
	if req.Endpoint == "" {
		return nil, &core.ValidationError{Field: "auth endpoint", Reason: "required"}
	}
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, &core.ValidationError{Field: "auth endpoint", Reason: "invalid url", Err: err}
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method == http.MethodGet {
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	} else if len(req.Params) > 0 {
		body = strings.NewReader(req.Params.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building auth request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	l.Debugf("requesting token from %s", u.Host)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &core.TokenError{Reason: "auth request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &core.TokenError{Reason: fmt.Sprintf("auth endpoint returned %d: %s", resp.StatusCode, snippet)}
	}

	var tr TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return nil, &core.TokenError{Reason: "malformed auth response", Err: err}
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return &tr, nil
}
