package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rubiojr/relaybox/pkg/core"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	c, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.ConnectTimeout.Duration != 2*time.Second {
		t.Errorf("connect_timeout default: %s", c.ConnectTimeout)
	}
	if c.Reconnect.InitialDelay.Duration != time.Second || c.Reconnect.MaxDelay.Duration != 30*time.Second {
		t.Errorf("reconnect delay defaults: %+v", c.Reconnect)
	}
	if c.Reconnect.MaxAttempts != 10 {
		t.Errorf("max_attempts default: %d", c.Reconnect.MaxAttempts)
	}
	if c.TokenRefreshMargin.Duration != 30*time.Second {
		t.Errorf("token_refresh_margin default: %s", c.TokenRefreshMargin)
	}
	if !strings.HasSuffix(c.JournalPath, filepath.Join("relaybox", "journal.db")) {
		t.Errorf("journal path default: %s", c.JournalPath)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaybox", "config.toml")
	c := &Config{JournalPath: filepath.Join(dir, "journal.db")}
	if err := c.SaveTemplateConfig(path); err != nil {
		t.Fatalf("SaveTemplateConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.URL != "wss://realtime.example.com/ws" || loaded.APIKey != "your-api-key" {
		t.Errorf("unexpected sample values %+v", loaded)
	}
	if loaded.JournalPath != c.JournalPath {
		t.Errorf("journal path placeholder not replaced: %s", loaded.JournalPath)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("sample config should validate: %v", err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	c := &Config{
		URL:         "ws://localhost:8080/ws",
		AuthURL:     "http://localhost:8080/token",
		AuthHeaders: map[string]string{"X-App": "demo"},
		JournalPath: "/tmp/j.db",
	}
	c.applyDefaults()
	c.Reconnect.MaxAttempts = 3
	if err := c.SaveConfig(path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !loaded.CredentialsEqual(c) {
		t.Errorf("credentials differ after round trip: %+v", loaded)
	}
	if loaded.Reconnect.MaxAttempts != 3 {
		t.Errorf("max_attempts not persisted: %d", loaded.Reconnect.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{URL: "wss://x/ws", APIKey: "k"}
		c.applyDefaults()
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.URL = "" }, "url"},
		{"http scheme", func(c *Config) { c.URL = "http://x" }, "url"},
		{"no credentials", func(c *Config) { c.APIKey = "" }, "api_key"},
		{"both credentials", func(c *Config) { c.AuthURL = "http://auth" }, "api_key"},
		{"bad method", func(c *Config) { c.APIKey = ""; c.AuthURL = "http://auth"; c.AuthMethod = "PUT" }, "auth_method"},
		{"max below initial", func(c *Config) { c.Reconnect.MaxDelay = Duration{time.Millisecond} }, "reconnect.max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			var ve *core.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	c := &Config{
		URL:         "wss://x/ws",
		AuthURL:     "https://auth/token",
		AuthMethod:  "post",
		AuthHeaders: map[string]string{"Authorization": "Bearer s"},
		AuthParams:  map[string]string{"room": "lobby"},
	}
	c.applyDefaults()
	opts := c.ClientOptions()

	if opts.AuthProvider == nil || opts.APIKey != "" {
		t.Fatalf("expected an auth provider")
	}
	if opts.AuthRequest.Headers.Get("Authorization") != "Bearer s" || opts.AuthRequest.Params.Get("room") != "lobby" {
		t.Errorf("auth request not populated: %+v", opts.AuthRequest)
	}
	if opts.ConnectTimeout != 2*time.Second || opts.Transport.MaxAttempts != 10 {
		t.Errorf("timing not propagated: %+v", opts)
	}
}
