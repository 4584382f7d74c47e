package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateScheduler(&cfg.Scheduler, result)
	validateAPI(&cfg.API, cfg.Network.Port, result)
	validateMQTT(&cfg.MQTT, result)

	if cfg.Database.Enabled && strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required when enabled")
	}
	if cfg.Database.RetentionDays < 0 {
		result.AddError("database.retention_days", "retention must not be negative")
	}
	if strings.TrimSpace(cfg.Security.PrivateKeyFile) == "" {
		result.AddWarning("security.private_key_file", "no key file, an ephemeral key is generated on each start")
	}

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	switch strings.ToLower(n.Transport) {
	case "tcp", "udp":
	default:
		result.AddError("network.transport", fmt.Sprintf("unknown transport %q (expected tcp or udp)", n.Transport))
	}

	validatePort(n.Port, "network.port", result)

	if n.MaxClients < 1 {
		result.AddError("network.max_clients", "must allow at least 1 client")
	}
	if n.PollTimeoutMs < 0 {
		result.AddError("network.poll_timeout_ms", "must not be negative")
	}
	if strings.TrimSpace(n.ServerName) == "" {
		result.AddWarning("network.server_name", "server name is empty")
	}
	if n.BindHost != "" && net.ParseIP(n.BindHost) == nil {
		result.AddWarning("network.bind_host", fmt.Sprintf("%q is not an IP address and will be resolved", n.BindHost))
	}
	if n.IdleTimeoutSec > 0 && n.IdleTimeoutSec < 10 {
		result.AddWarning("network.idle_timeout_sec", "idle timeout less than 10 seconds may drop quiet peers")
	}
}

func validateScheduler(s *SchedulerConfig, result *ValidationResult) {
	if s.Workers < 0 {
		result.AddError("scheduler.workers", "must not be negative")
	}
	if s.QueueCapacity < 1 {
		result.AddError("scheduler.queue_capacity", "must be at least 1")
	}
	switch strings.ToLower(s.Overflow) {
	case "reject", "evict":
	default:
		result.AddError("scheduler.overflow_policy", fmt.Sprintf("unknown policy %q (expected reject or evict)", s.Overflow))
	}
	if s.JoinTimeoutMs < 1 {
		result.AddError("scheduler.join_timeout_ms", "must be at least 1")
	}
	if s.AlarmTickMs < 1 {
		result.AddError("scheduler.alarm_tick_ms", "must be at least 1")
	}
}

func validateAPI(a *APIConfig, gamePort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == gamePort {
		result.AddError("api.port", "port conflict detected: api and network ports must differ")
	}
	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 0 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 0-65535)", port))
		return
	}
	if port > 0 && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
