package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay broker.
type Config struct {
	// Listen configuration. The relay only ever binds loopback.
	Port int    `envconfig:"PORT" default:"19222"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`

	// ConfigDir holds the token, the published connect URL, preference
	// files and installed plugins. Empty selects os.UserConfigDir().
	ConfigDir string `envconfig:"CONFIG_DIR"`

	// Diagnostic ring and per-client egress buffering.
	RingCapacity   int `envconfig:"RING_CAPACITY" default:"5000"`
	ClientQueueCap int `envconfig:"CLIENT_QUEUE_CAP" default:"256"`

	// Extension link tuning.
	KeepaliveSeconds      int `envconfig:"KEEPALIVE_SECONDS" default:"5"`
	MaxMissedPongs        int `envconfig:"MAX_MISSED_PONGS" default:"2"`
	CommandTimeoutSeconds int `envconfig:"COMMAND_TIMEOUT_SECONDS" default:"30"`
	DecodeErrorLimit      int `envconfig:"DECODE_ERROR_LIMIT" default:"8"`

	// PublishedURL overrides the connect URL written to the cdp-url file,
	// for embedded callers that front the relay themselves. Read from
	// BF_CDP_URL rather than the RELAY_ prefix for compatibility with
	// those callers.
	PublishedURL string `ignored:"true"`
}

// Load reads configuration from RELAY_-prefixed environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("RELAY", &config); err != nil {
		return nil, err
	}
	config.PublishedURL = os.Getenv("BF_CDP_URL")
	if config.ConfigDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user config dir: %w", err)
		}
		config.ConfigDir = filepath.Join(base, "browserforce")
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Keepalive is the extension liveness ping interval.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// CommandTimeout bounds each command forwarded to the extension.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func validate(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.RingCapacity < 1 {
		return fmt.Errorf("RING_CAPACITY must be greater than 0")
	}
	if config.ClientQueueCap < 1 {
		return fmt.Errorf("CLIENT_QUEUE_CAP must be greater than 0")
	}
	if config.KeepaliveSeconds < 1 {
		return fmt.Errorf("KEEPALIVE_SECONDS must be greater than 0")
	}
	if config.MaxMissedPongs < 1 {
		return fmt.Errorf("MAX_MISSED_PONGS must be greater than 0")
	}
	if config.CommandTimeoutSeconds < 1 {
		return fmt.Errorf("COMMAND_TIMEOUT_SECONDS must be greater than 0")
	}
	if config.DecodeErrorLimit < 1 {
		return fmt.Errorf("DECODE_ERROR_LIMIT must be greater than 0")
	}

	return nil
}
