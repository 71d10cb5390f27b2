package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"resq/go-sos-agent/internal/model"
)

// Config lists the tunable parameters for the SOS agent. Every field maps to a RESQ_* variable.
type Config struct {
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	APIBaseURL string        `envconfig:"API_BASE_URL" default:"https://resq-server.onrender.com/api"`
	APIToken   string        `envconfig:"API_TOKEN"`
	APITimeout time.Duration `envconfig:"API_TIMEOUT" default:"30s"`

	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	PollMaxBackoff time.Duration `envconfig:"POLL_MAX_BACKOFF" default:"1m"`

	ScanTimeout      time.Duration `envconfig:"SCAN_TIMEOUT" default:"10s"`
	FallbackBeaconID string        `envconfig:"FALLBACK_BEACON_ID" default:"550e8400-e29b-41d4-a716-446655441111"`
	RSSIThreshold    int           `envconfig:"RSSI_THRESHOLD" default:"-100"`

	MQTTBroker   string `envconfig:"MQTT_BROKER"`
	MQTTTopic    string `envconfig:"MQTT_TOPIC" default:"beacons/discovery/+"`
	MQTTClientID string `envconfig:"MQTT_CLIENT_ID"`

	DiscoveryEnabled bool          `envconfig:"DISCOVERY_ENABLED" default:"true"`
	DiscoveryTimeout time.Duration `envconfig:"DISCOVERY_TIMEOUT" default:"3s"`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"data/resq.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Position is an optional fixed "lat,lon" used for kiosk installs without GPS.
	Position string `envconfig:"POSITION"`
}

const envPrefix = "resq"

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env vars: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot.
func (c Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid RESQ_HTTP_PORT %d", c.HTTPPort)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("RESQ_API_BASE_URL must not be empty")
	}
	if _, err := uuid.Parse(c.FallbackBeaconID); err != nil {
		return fmt.Errorf("invalid RESQ_FALLBACK_BEACON_ID: %w", err)
	}
	durations := map[string]time.Duration{
		"RESQ_API_TIMEOUT":      c.APITimeout,
		"RESQ_POLL_INTERVAL":    c.PollInterval,
		"RESQ_POLL_MAX_BACKOFF": c.PollMaxBackoff,
		"RESQ_SCAN_TIMEOUT":     c.ScanTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.PollMaxBackoff < c.PollInterval {
		return errors.New("RESQ_POLL_MAX_BACKOFF must not be shorter than RESQ_POLL_INTERVAL")
	}
	if _, err := c.FixedPosition(); err != nil {
		return err
	}
	return nil
}

// FixedPosition parses RESQ_POSITION. It returns nil when no position is configured.
func (c Config) FixedPosition() (*model.Position, error) {
	raw := strings.TrimSpace(c.Position)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid RESQ_POSITION %q: want lat,lon", raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("invalid RESQ_POSITION latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("invalid RESQ_POSITION longitude %q", parts[1])
	}
	return &model.Position{Latitude: lat, Longitude: lon}, nil
}
