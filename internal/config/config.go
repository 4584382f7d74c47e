// Package config handles configuration loading, validation, and persistence
// for exocore.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 9000
	DefaultAPIPort    = 5080
	DefaultVersion    = 1
)

// Config is the root configuration structure for exocore.
type Config struct {
	mu   sync.RWMutex
	path string

	Network   NetworkConfig   `json:"network"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Security  SecurityConfig  `json:"security"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
}

// NetworkConfig holds socket and session settings.
type NetworkConfig struct {
	Transport       string `json:"transport"`
	BindHost        string `json:"bind_host"`
	Port            int    `json:"port"`
	MaxClients      int    `json:"max_clients"`
	PollTimeoutMs   int    `json:"poll_timeout_ms"`
	ServerName      string `json:"server_name"`
	ProtocolVersion uint32 `json:"protocol_version"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec"`
}

// SchedulerConfig holds task queue and alarm settings.
type SchedulerConfig struct {
	// Workers is the number of runners. Zero uses the host core count.
	Workers       int    `json:"workers"`
	QueueCapacity int    `json:"queue_capacity"`
	Overflow      string `json:"overflow_policy"`
	JoinTimeoutMs int    `json:"join_timeout_ms"`
	AlarmTickMs   int    `json:"alarm_tick_ms"`
}

// SecurityConfig holds key material settings.
type SecurityConfig struct {
	PrivateKeyFile  string `json:"private_key_file"`
	GenerateMissing bool   `json:"generate_missing"`
}

// APIConfig holds admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`

	// AdminToken guards the control endpoints. Empty disables them.
	AdminToken string `json:"admin_token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`

	// MaxPublishRate caps messages per second. Zero is unlimited.
	MaxPublishRate int `json:"max_publish_rate"`
}

// DatabaseConfig holds the audit database settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
	Console   bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Transport:       "tcp",
			Port:            DefaultGamePort,
			MaxClients:      16,
			PollTimeoutMs:   10,
			ServerName:      "exocore",
			ProtocolVersion: DefaultVersion,
			IdleTimeoutSec:  300,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity: 1024,
			Overflow:      "reject",
			JoinTimeoutMs: 100,
			AlarmTickMs:   50,
		},
		Security: SecurityConfig{
			PrivateKeyFile:  "config/server_key.pem",
			GenerateMissing: true,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
			TLSCertFile:  "config/api_cert.pem",
			TLSKeyFile:   "config/api_key.pem",
		},
		MQTT: MQTTConfig{
			BrokerURL:      "localhost",
			Port:           1883,
			TopicPrefix:    "exocore",
			MaxPublishRate: 50,
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/exocore.db",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Directory: "logs",
			Console:   true,
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it with
// defaults when missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetScheduler returns a copy of the scheduler section.
func (c *Config) GetScheduler() SchedulerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scheduler
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// UpdateField sets one field of a section by its JSON name, e.g.
// UpdateField("network", "max_clients", 32).
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	root := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	sec, ok := root[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	if _, ok := sec[key]; !ok {
		return fmt.Errorf("unknown config field %s.%s", section, key)
	}
	sec[key] = value

	updated, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	if err := json.Unmarshal(updated, c); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// PollTimeout returns the socket poll timeout.
func (n NetworkConfig) PollTimeout() time.Duration {
	return time.Duration(n.PollTimeoutMs) * time.Millisecond
}

// IdleTimeout returns how long a peer may stay silent, or 0 to never reap.
func (n NetworkConfig) IdleTimeout() time.Duration {
	return time.Duration(n.IdleTimeoutSec) * time.Second
}

// JoinTimeout returns the per-runner shutdown wait.
func (s SchedulerConfig) JoinTimeout() time.Duration {
	return time.Duration(s.JoinTimeoutMs) * time.Millisecond
}

// AlarmTick returns the alarm queue tick.
func (s SchedulerConfig) AlarmTick() time.Duration {
	return time.Duration(s.AlarmTickMs) * time.Millisecond
}

// Retention returns how long audit entries are kept. Zero keeps them forever.
func (d DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}
