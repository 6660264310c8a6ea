package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rubiojr/relaybox/pkg/client"
	"github.com/rubiojr/relaybox/pkg/config"
	"github.com/rubiojr/relaybox/pkg/transport"
	"github.com/rubiojr/relaybox/pkg/version"
)

// loadConfig loads and validates the configuration file
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// newClient builds a client from cfg. API key sessions without a configured
// client id get a random one so the server can tell CLI instances apart.
func newClient(cfg *config.Config, observer transport.Observer) (*client.Client, error) {
	opts := cfg.ClientOptions()
	opts.Transport.Header = http.Header{"User-Agent": []string{version.UserAgent()}}
	if observer != nil {
		opts.Transport.Observer = observer
	}
	if opts.APIKey != "" && opts.ClientID == "" {
		opts.ClientID = "relaybox-" + uuid.NewString()[:8]
	}
	return client.New(opts)
}

// parseJSONArg validates a JSON command line argument. An empty argument
// means no body.
func parseJSONArg(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("invalid JSON body: %s", arg)
	}
	return json.RawMessage(arg), nil
}
