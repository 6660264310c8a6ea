package core

import (
	"net/url"
	"strconv"
	"time"
)

// Credential is the set of connection credentials held by the transport for
// the lifetime of one physical connection. Exactly one variant is in use at a
// time: *APIKeyCredential or *BearerTokenCredential.
type Credential interface {
	// Query serializes the credential as connection target query parameters.
	Query() url.Values
	// Kind names the variant ("api_key" or "bearer").
	Kind() string
	// WithConnectionID returns a copy that identifies an established session.
	WithConnectionID(id string) Credential

	credential()
}

// APIKeyCredential authenticates with a static application key.
type APIKeyCredential struct {
	APIKey       string
	ClientID     string
	ConnectionID string
}

func (c *APIKeyCredential) credential() {}

func (c *APIKeyCredential) Kind() string { return "api_key" }

func (c *APIKeyCredential) Query() url.Values {
	q := url.Values{}
	q.Set("apiKey", c.APIKey)
	if c.ClientID != "" {
		q.Set("clientId", c.ClientID)
	}
	if c.ConnectionID != "" {
		q.Set("connectionId", c.ConnectionID)
	}
	return q
}

func (c *APIKeyCredential) WithConnectionID(id string) Credential {
	cp := *c
	cp.ConnectionID = id
	return &cp
}

// BearerTokenCredential authenticates with a short lived token obtained from
// an auth provider. ExpiresAt is an absolute unix timestamp (seconds).
type BearerTokenCredential struct {
	Token        string
	ExpiresIn    int64
	ExpiresAt    int64
	ConnectionID string
}

func (c *BearerTokenCredential) credential() {}

func (c *BearerTokenCredential) Kind() string { return "bearer" }

func (c *BearerTokenCredential) Query() url.Values {
	q := url.Values{}
	q.Set("token", c.Token)
	if c.ExpiresAt > 0 {
		q.Set("expiresAt", strconv.FormatInt(c.ExpiresAt, 10))
	}
	if c.ConnectionID != "" {
		q.Set("connectionId", c.ConnectionID)
	}
	return q
}

func (c *BearerTokenCredential) WithConnectionID(id string) Credential {
	cp := *c
	cp.ConnectionID = id
	return &cp
}

// Expired reports whether the token expiry has passed at now. Tokens without
// a known expiry never expire locally.
func (c *BearerTokenCredential) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// ExpiresAtTime returns the expiry as a time.Time (zero when unknown).
func (c *BearerTokenCredential) ExpiresAtTime() time.Time {
	if c.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// NewBearerToken builds a bearer credential, deriving ExpiresAt from
// ExpiresIn when the issuer did not provide an absolute expiry.
func NewBearerToken(token string, expiresIn, expiresAt int64, issued time.Time) *BearerTokenCredential {
	if expiresAt <= 0 && expiresIn > 0 {
		expiresAt = issued.Unix() + expiresIn
	}
	return &BearerTokenCredential{
		Token:     token,
		ExpiresIn: expiresIn,
		ExpiresAt: expiresAt,
	}
}

// SameKind reports whether both credentials are the same variant. Switching
// variants requires the transport to be torn down.
func SameKind(a, b Credential) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Kind() == b.Kind()
}
