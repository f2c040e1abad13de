package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blerelay/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Sink      SinkConfig      `yaml:"sink"`
	Live      LiveConfig      `yaml:"live"`
	Location  LocationConfig  `yaml:"location"`
	LogLevel  string          `yaml:"log_level"`
}

// TransportConfig selects and tunes the Bluetooth backend.
type TransportConfig struct {
	Kind          string `yaml:"kind"`           // "ble" or "classic"
	Adapter       string `yaml:"adapter"`        // classic only, e.g. hci0
	RFCOMMChannel uint8  `yaml:"rfcomm_channel"` // classic only
	Notify        bool   `yaml:"notify"`         // classic: push reads instead of polling
}

// SessionConfig holds device session settings.
type SessionConfig struct {
	VendorPrefix   string        `yaml:"vendor_prefix"`
	Encoding       string        `yaml:"encoding"` // utf8, base64, ascii, latin1, raw
	PollInterval   time.Duration `yaml:"poll_interval"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxReadings    int           `yaml:"max_readings"`
	AllowUnnamed   bool          `yaml:"allow_unnamed"`
	Device         string        `yaml:"device"` // id or name to connect to without prompting
}

// SinkConfig holds the remote collector settings. An empty endpoint
// disables forwarding.
type SinkConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"` // read when secret is empty
}

// LiveConfig holds the WebSocket feed settings.
type LiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LocationConfig holds the periodic location report settings.
type LocationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Lat      float64       `yaml:"lat"`
	Lon      float64       `yaml:"lon"`
	Email    string        `yaml:"email"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blerelay")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:          "ble",
			Adapter:       "hci0",
			RFCOMMChannel: 1,
		},
		Session: SessionConfig{
			VendorPrefix:   "c00fa",
			Encoding:       "utf8",
			PollInterval:   10 * time.Second,
			SettleDelay:    200 * time.Millisecond,
			ConnectTimeout: 15 * time.Second,
			MaxReadings:    1000,
		},
		Sink: SinkConfig{
			Timeout: 10 * time.Second,
		},
		Live: LiveConfig{
			Addr: "127.0.0.1:8089",
		},
		Location: LocationConfig{
			Interval: time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sink.secret_file is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sink.SecretFile = expandTilde(cfg.Sink.SecretFile)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// SinkSecret returns the signing secret, reading secret_file when the
// inline secret is empty.
func (c *Config) SinkSecret() (string, error) {
	if c.Sink.Secret != "" || c.Sink.SecretFile == "" {
		return c.Sink.Secret, nil
	}
	data, err := os.ReadFile(c.Sink.SecretFile)
	if err != nil {
		return "", fmt.Errorf("reading sink secret: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "ble", "classic":
	default:
		return fmt.Errorf("transport.kind must be \"ble\" or \"classic\", got %q", c.Transport.Kind)
	}

	if c.Transport.Kind == "classic" {
		if c.Transport.Adapter == "" {
			return fmt.Errorf("transport.adapter must not be empty")
		}
		if c.Transport.RFCOMMChannel < 1 || c.Transport.RFCOMMChannel > 30 {
			return fmt.Errorf("transport.rfcomm_channel must be between 1 and 30, got %d", c.Transport.RFCOMMChannel)
		}
	}

	if c.Session.VendorPrefix == "" {
		return fmt.Errorf("session.vendor_prefix must not be empty")
	}

	if !protocol.Encoding(c.Session.Encoding).Valid() {
		return fmt.Errorf("session.encoding must be utf8, base64, ascii, latin1, or raw, got %q", c.Session.Encoding)
	}

	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be > 0")
	}

	if c.Session.SettleDelay <= 0 {
		return fmt.Errorf("session.settle_delay must be > 0")
	}

	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}

	if c.Session.MaxReadings < 0 {
		return fmt.Errorf("session.max_readings must be >= 0")
	}

	if c.Sink.Endpoint != "" {
		u, err := url.Parse(c.Sink.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sink.endpoint must be an http or https URL, got %q", c.Sink.Endpoint)
		}
		if c.Sink.Timeout <= 0 {
			return fmt.Errorf("sink.timeout must be > 0")
		}
	}

	if c.Live.Enabled && c.Live.Addr == "" {
		return fmt.Errorf("live.addr must not be empty when live is enabled")
	}

	if c.Location.Enabled {
		if c.Location.Lat < -90 || c.Location.Lat > 90 {
			return fmt.Errorf("location.lat must be between -90 and 90, got %v", c.Location.Lat)
		}
		if c.Location.Lon < -180 || c.Location.Lon > 180 {
			return fmt.Errorf("location.lon must be between -180 and 180, got %v", c.Location.Lon)
		}
		if c.Location.Interval <= 0 {
			return fmt.Errorf("location.interval must be > 0")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const header = "# blerelay configuration\n# See `blerelay --help` for the commands that read it.\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config already exists there.
func WriteDefault() (string, error) {
	return WriteDefaultAt(DefaultConfigPath())
}

// WriteDefaultAt writes the default config to path unless a file exists.
func WriteDefaultAt(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
