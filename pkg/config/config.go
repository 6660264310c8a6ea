package config

import (
	_ "embed"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rubiojr/relaybox/pkg/auth"
	"github.com/rubiojr/relaybox/pkg/client"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/transport"
)

//go:embed config.toml.sample
var configTemplate string

type Config struct {
	URL      string `toml:"url"`
	APIKey   string `toml:"api_key,omitempty"`
	ClientID string `toml:"client_id,omitempty"`

	AuthURL     string            `toml:"auth_url,omitempty"`
	AuthMethod  string            `toml:"auth_method,omitempty"`
	AuthHeaders map[string]string `toml:"auth_headers,omitempty"`
	AuthParams  map[string]string `toml:"auth_params,omitempty"`
	AuthTimeout Duration          `toml:"auth_timeout"`

	ConnectTimeout     Duration        `toml:"connect_timeout"`
	TokenRefreshMargin Duration        `toml:"token_refresh_margin"`
	Reconnect          ReconnectConfig `toml:"reconnect"`

	JournalPath string `toml:"journal_path,omitempty"`
	MetricsAddr string `toml:"metrics_addr,omitempty"`
}

type ReconnectConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	MaxAttempts  int      `toml:"max_attempts"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	journalPath, err := GetDefaultJournalPath()
	if err != nil {
		return nil, fmt.Errorf("getting default journal path: %w", err)
	}
	c := &Config{JournalPath: journalPath}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout.Duration == 0 {
		c.ConnectTimeout = Duration{client.DefaultConnectTimeout}
	}
	if c.TokenRefreshMargin.Duration == 0 {
		c.TokenRefreshMargin = Duration{client.DefaultRefreshMargin}
	}
	if c.AuthTimeout.Duration == 0 {
		c.AuthTimeout = Duration{10 * time.Second}
	}
	if c.Reconnect.InitialDelay.Duration == 0 {
		c.Reconnect.InitialDelay = Duration{transport.DefaultInitialDelay}
	}
	if c.Reconnect.MaxDelay.Duration == 0 {
		c.Reconnect.MaxDelay = Duration{transport.DefaultMaxDelay}
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = transport.DefaultMaxAttempts
	}
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.JournalPath == "" {
		journalPath, err := GetDefaultJournalPath()
		if err != nil {
			return nil, fmt.Errorf("getting default journal path: %w", err)
		}
		config.JournalPath = journalPath
	}
	config.applyDefaults()

	return &config, nil
}

// Validate reports the first configuration problem as a *core.ValidationError.
func (c *Config) Validate() error {
	if c.URL == "" {
		return &core.ValidationError{Field: "url", Reason: "required"}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &core.ValidationError{Field: "url", Reason: "invalid url", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &core.ValidationError{Field: "url", Reason: "scheme must be ws or wss"}
	}
	switch {
	case c.APIKey == "" && c.AuthURL == "":
		return &core.ValidationError{Field: "api_key", Reason: "set api_key or auth_url"}
	case c.APIKey != "" && c.AuthURL != "":
		return &core.ValidationError{Field: "api_key", Reason: "api_key and auth_url are mutually exclusive"}
	}
	switch strings.ToUpper(c.AuthMethod) {
	case "", http.MethodGet, http.MethodPost:
	default:
		return &core.ValidationError{Field: "auth_method", Reason: "must be GET or POST"}
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.InitialDelay.Duration {
		return &core.ValidationError{Field: "reconnect.max_delay", Reason: "must not be below initial_delay"}
	}
	if c.Reconnect.MaxAttempts < 0 {
		return &core.ValidationError{Field: "reconnect.max_attempts", Reason: "must not be negative"}
	}
	return nil
}

// ClientOptions builds client options from the configuration.
func (c *Config) ClientOptions() client.Options {
	opts := client.Options{
		URL:            c.URL,
		APIKey:         c.APIKey,
		ClientID:       c.ClientID,
		ConnectTimeout: c.ConnectTimeout.Duration,
		RefreshMargin:  c.TokenRefreshMargin.Duration,
		Transport: transport.Options{
			InitialDelay: c.Reconnect.InitialDelay.Duration,
			MaxDelay:     c.Reconnect.MaxDelay.Duration,
			MaxAttempts:  c.Reconnect.MaxAttempts,
		},
	}

	if c.AuthURL != "" {
		provider := auth.NewHTTPProvider()
		if c.AuthMethod != "" {
			provider.Method = strings.ToUpper(c.AuthMethod)
		}
		req := auth.TokenRequest{
			Endpoint: c.AuthURL,
			Headers:  http.Header{},
			Params:   url.Values{},
			Timeout:  c.AuthTimeout.Duration,
		}
		for k, v := range c.AuthHeaders {
			req.Headers.Set(k, v)
		}
		for k, v := range c.AuthParams {
			req.Params.Set(k, v)
		}
		opts.AuthProvider = provider
		opts.AuthRequest = req
	}
	return opts
}

// CredentialsEqual reports whether two configurations carry the same
// connection credentials.
func (c *Config) CredentialsEqual(o *Config) bool {
	if c.URL != o.URL || c.APIKey != o.APIKey || c.ClientID != o.ClientID || c.AuthURL != o.AuthURL {
		return false
	}
	return mapsEqual(c.AuthHeaders, o.AuthHeaders) && mapsEqual(c.AuthParams, o.AuthParams)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0600)
}

func (c *Config) generateConfigTemplate() (string, error) {
	journalPath := c.JournalPath
	if journalPath == "" {
		var err error
		journalPath, err = GetDefaultJournalPath()
		if err != nil {
			return "", fmt.Errorf("getting default journal path: %w", err)
		}
	}

	// Replace the placeholder journal_path with the actual path
	template := strings.Replace(configTemplate, "/home/user/.local/share/relaybox/journal.db", journalPath, 1)
	return template, nil
}

// GetDefaultStorageDir returns the default data directory
func GetDefaultStorageDir() (string, error) {
	// Use XDG_DATA_HOME if set, otherwise use ~/.local/share
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relaybox"), nil
}

// GetDefaultJournalPath returns the default journal database path
func GetDefaultJournalPath() (string, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(storageDir, "journal.db"), nil
}

// GetConfigDir returns the configuration directory for relaybox
func GetConfigDir() (string, error) {
	// Use XDG_CONFIG_HOME if set, otherwise use ~/.config
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relaybox"), nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
