// Package config provides configuration handling for the VPN engine.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

// Config represents the complete engine configuration.
type Config struct {
	// Engine contains session controller settings.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// WireGuard contains the client side of the tunnel.
	WireGuard WireGuardConfig `json:"wireguard" yaml:"wireguard"`

	// Servers is the endpoint catalog, in display order.
	Servers []core.ServerEndpoint `json:"servers" yaml:"servers"`

	// Prober contains latency probing settings.
	Prober ProberConfig `json:"prober" yaml:"prober"`

	// API contains the local control API settings.
	API APIConfig `json:"api" yaml:"api"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig contains session controller settings.
type EngineConfig struct {
	// DefaultServer is the initially selected endpoint id.
	DefaultServer string `json:"defaultServer" yaml:"defaultServer"`

	// ConnectTimeout bounds each handshake.
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`

	// SampleInterval is the usage sampling period.
	SampleInterval Duration `json:"sampleInterval" yaml:"sampleInterval"`

	// StatusInterval is how often the daemon logs a status line. Zero disables it.
	StatusInterval Duration `json:"statusInterval" yaml:"statusInterval"`
}

// WireGuardConfig contains the client side of the tunnel.
type WireGuardConfig struct {
	// PrivateKey is a base64 key or a "keyring:<account>" reference.
	PrivateKey string `json:"privateKey" yaml:"privateKey"`

	// KeyringService is the keyring service used for references.
	KeyringService string `json:"keyringService" yaml:"keyringService"`

	// Interface is the TUN interface name.
	Interface string `json:"interface" yaml:"interface"`

	// MTU is the plaintext MTU.
	MTU int `json:"mtu" yaml:"mtu"`

	// ListenPort is the local UDP port. Zero picks a random port.
	ListenPort int `json:"listenPort" yaml:"listenPort"`

	// AllowedIPs are the CIDRs routed through the tunnel.
	AllowedIPs []string `json:"allowedIPs" yaml:"allowedIPs"`

	// KeepaliveSec is the persistent keepalive interval.
	KeepaliveSec int `json:"keepaliveSec" yaml:"keepaliveSec"`

	// StaleAfter is the handshake age after which the tunnel counts as lost.
	StaleAfter Duration `json:"staleAfter" yaml:"staleAfter"`

	// Userspace runs on an in-memory TUN instead of a kernel interface.
	Userspace bool `json:"userspace" yaml:"userspace"`
}

// ProberConfig contains latency probing settings.
type ProberConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Interval    Duration `json:"interval" yaml:"interval"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
	Privileged  bool     `json:"privileged" yaml:"privileged"`
}

// APIConfig contains the local control API settings.
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			ConnectTimeout: Duration(30 * time.Second),
			SampleInterval: Duration(time.Second),
			StatusInterval: Duration(30 * time.Second),
		},
		WireGuard: WireGuardConfig{
			PrivateKey:   "keyring:default",
			Interface:    "vpn0",
			MTU:          1420,
			AllowedIPs:   []string{"0.0.0.0/0", "::/0"},
			KeepaliveSec: 25,
			StaleAfter:   Duration(180 * time.Second),
		},
		Prober: ProberConfig{
			Enabled:     true,
			Interval:    Duration(time.Minute),
			Timeout:     Duration(2 * time.Second),
			Concurrency: 4,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from VPN_* environment variables.
// Malformed numbers and durations are ignored.
func LoadFromEnv(config *Config) {
	// Engine config
	if val := os.Getenv("VPN_DEFAULT_SERVER"); val != "" {
		config.Engine.DefaultServer = val
	}
	envDuration("VPN_CONNECT_TIMEOUT", &config.Engine.ConnectTimeout)
	envDuration("VPN_SAMPLE_INTERVAL", &config.Engine.SampleInterval)
	envDuration("VPN_STATUS_INTERVAL", &config.Engine.StatusInterval)

	// WireGuard config
	if val := os.Getenv("VPN_PRIVATE_KEY"); val != "" {
		config.WireGuard.PrivateKey = val
	}
	if val := os.Getenv("VPN_KEYRING_SERVICE"); val != "" {
		config.WireGuard.KeyringService = val
	}
	if val := os.Getenv("VPN_INTERFACE"); val != "" {
		config.WireGuard.Interface = val
	}
	envInt("VPN_MTU", &config.WireGuard.MTU)
	envInt("VPN_LISTEN_PORT", &config.WireGuard.ListenPort)
	envInt("VPN_KEEPALIVE", &config.WireGuard.KeepaliveSec)
	if val := os.Getenv("VPN_ALLOWED_IPS"); val != "" {
		config.WireGuard.AllowedIPs = splitCSV(val)
	}
	envBool("VPN_USERSPACE", &config.WireGuard.Userspace)

	// Prober config
	envBool("VPN_PROBER_ENABLED", &config.Prober.Enabled)
	envDuration("VPN_PROBER_INTERVAL", &config.Prober.Interval)
	envBool("VPN_PROBER_PRIVILEGED", &config.Prober.Privileged)

	// API config
	envBool("VPN_API_ENABLED", &config.API.Enabled)
	if val := os.Getenv("VPN_API_LISTEN"); val != "" {
		config.API.Listen = val
	}

	// Logging config
	if val := os.Getenv("VPN_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("VPN_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("VPN_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("VPN_LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("VPN_LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("VPN_LOG_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Engine config
	if c.Engine.ConnectTimeout < 0 || c.Engine.SampleInterval < 0 || c.Engine.StatusInterval < 0 {
		return fmt.Errorf("engine intervals cannot be negative")
	}

	// Validate WireGuard config
	if strings.TrimSpace(c.WireGuard.PrivateKey) == "" {
		return fmt.Errorf("WireGuard private key cannot be empty")
	}
	if c.WireGuard.MTU < 576 || c.WireGuard.MTU > 65535 {
		return fmt.Errorf("invalid WireGuard MTU: %d", c.WireGuard.MTU)
	}
	if c.WireGuard.ListenPort < 0 || c.WireGuard.ListenPort > 65535 {
		return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
	}

	// Validate Servers
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", core.ErrDuplicateEndpoint, s.ID)
		}
		seen[s.ID] = true
	}
	if c.Engine.DefaultServer != "" && !seen[c.Engine.DefaultServer] {
		return &core.UnknownEndpointError{ID: c.Engine.DefaultServer}
	}

	// Validate API config
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("API listen address cannot be empty")
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// Endpoints returns the configured servers.
func (c *Config) Endpoints() []core.ServerEndpoint {
	return append([]core.ServerEndpoint(nil), c.Servers...)
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.Format == "json" {
		logging.SetFormatter(&logrus.JSONFormatter{})
	}

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
