package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rubiojr/relaybox/pkg/auth"
	"github.com/rubiojr/relaybox/pkg/core"
)

// scheduleRefresh arms a timer that fetches a new token RefreshMargin before
// bearer expires. Tokens without a known expiry are never refreshed.
func (c *Client) scheduleRefresh(bearer *core.BearerTokenCredential) {
	if c.opts.AuthProvider == nil || bearer.ExpiresAt <= 0 {
		return
	}
	delay := bearer.ExpiresAtTime().Add(-c.opts.RefreshMargin).Sub(c.opts.Now())
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRefreshLocked()
	c.refreshTimer = time.AfterFunc(delay, func() {
		if _, err := c.refresh(); err != nil {
			c.log.Warnf("token refresh failed: %v", err)
			c.emit(core.Event{Kind: core.EventError, Err: err, Time: c.opts.Now()})
		}
	})
	c.log.Debugf("token refresh in %s", delay)
}

func (c *Client) stopRefreshLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// RefreshPending reports whether a token refresh is scheduled.
func (c *Client) RefreshPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshTimer != nil
}

// refresh fetches a new token and installs it for the next (re)connect. The
// current session id is carried over so the server resumes the same logical
// connection. It runs while the session is ready or still connecting; an
// idle or failed client has no transport to feed.
func (c *Client) refresh() (*core.BearerTokenCredential, error) {
	if c.opts.AuthProvider == nil {
		return nil, &core.ValidationError{Field: "auth provider", Reason: "token refresh needs an auth provider"}
	}
	ctx := context.Background()
	bearer, err := auth.Fetch(ctx, c.opts.AuthProvider, c.opts.AuthRequest, c.opts.Now())
	if err != nil {
		return nil, err
	}
	if bearer.Expired(c.opts.Now()) {
		return nil, &core.TokenError{Reason: fmt.Sprintf("auth provider returned a token that expired at %d", bearer.ExpiresAt)}
	}

	c.mu.Lock()
	connectionID := c.connectionID
	active := c.state == StateReady || c.state == StateConnecting
	c.mu.Unlock()
	if !active {
		return nil, core.ErrNotConnected
	}

	creds := core.Credential(bearer)
	if connectionID != "" {
		creds = bearer.WithConnectionID(connectionID)
	}
	c.socket.SetCredentials(creds)
	c.log.Debugf("installed refreshed token expiring at %d", bearer.ExpiresAt)
	c.scheduleRefresh(bearer)
	return bearer, nil
}

// refreshAndReconnect handles auth_token_expired from the transport. When no
// fresh token can be had the transport goes back to its backoff schedule, so
// the attempt counts toward the reconnect ceiling.
func (c *Client) refreshAndReconnect() {
	_, err := c.refresh()
	switch {
	case err == nil:
		if err := c.socket.ReconnectNow(); err != nil {
			c.log.Warnf("reconnect after token refresh failed: %v", err)
		}
		return
	case errors.Is(err, core.ErrNotConnected):
		c.log.Debugf("session closed, dropping token refresh")
		return
	}

	c.log.Warnf("token refresh after expiry failed: %v", err)
	c.emit(core.Event{Kind: core.EventError, Err: err, Time: c.opts.Now()})
	c.socket.ScheduleReconnect()
}
