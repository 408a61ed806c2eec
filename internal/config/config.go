// Package config loads coordinator and participant configuration.
//
// Coordinator files are YAML, or the two-number legacy form
// "<port> <retention seconds>". Participant files are YAML, or the
// three-line legacy form: client id, message file, "host port".
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Deregister modes.
const (
	// DeregisterReset keeps the client record so the id can register again.
	DeregisterReset = "reset"
	// DeregisterRemove drops the client record and closes its command channel.
	DeregisterRemove = "remove"
)

// Config is the coordinator configuration.
type Config struct {
	Host             string        `yaml:"host"`              // Interface for the listen port and message channels
	DeregisterMode   string        `yaml:"deregister_mode"`   // "reset" or "remove"
	Log              LogConfig     `yaml:"log"`
	Admin            AdminConfig   `yaml:"admin"`
	Port             int           `yaml:"port"`              // Command listen port
	RetentionSeconds int           `yaml:"retention_seconds"` // T_d
	Workers          int           `yaml:"workers"`           // Number of shards
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // e.g. "10s"
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // e.g. "5s"; 0 disables
	IdleTick         time.Duration `yaml:"idle_tick"`         // e.g. "50ms"
	AcceptRate       float64       `yaml:"accept_rate"`       // Handshakes per second; 0 disables throttling
	AcceptBurst      int           `yaml:"accept_burst"`
	StallThreshold   time.Duration `yaml:"stall_threshold"`  // Heartbeat age that fails a health check
	MonitorInterval  time.Duration `yaml:"monitor_interval"` // Health check period
	ErrorAcks        bool          `yaml:"error_acks"`       // Answer failures with "ERR <reason>"
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9090"; empty disables the server
}

// Default returns the coordinator defaults. Port and retention have no
// default: Parse requires both, and an explicit retention_seconds: 0 turns
// replay off.
func Default() Config {
	return Config{
		DeregisterMode:   DeregisterReset,
		Workers:          10,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		IdleTick:         50 * time.Millisecond,
		AcceptBurst:      16,
		StallThreshold:   30 * time.Second,
		MonitorInterval:  5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Retention returns the message retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// ListenAddr returns the command listen address.
func (c Config) ListenAddr() string {
	return fmtAddr(c.Host, c.Port)
}

// RemoveOnDeregister reports whether deregister drops the client record.
func (c Config) RemoveOnDeregister() bool {
	return c.DeregisterMode == DeregisterRemove
}

// Load reads and validates a coordinator configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes coordinator configuration in either format, applies
// defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if port, retention, ok := parseLegacy(data); ok {
		cfg.Port = port
		cfg.RetentionSeconds = retention
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := requireKeys(data); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// requireKeys rejects YAML that leaves out port or retention_seconds, which
// have no usable zero value.
func requireKeys(data []byte) error {
	var present struct {
		Port      *int `yaml:"port"`
		Retention *int `yaml:"retention_seconds"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var missing []string
	if present.Port == nil {
		missing = append(missing, "port")
	}
	if present.Retention == nil {
		missing = append(missing, "retention_seconds")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required key(s): %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// parseLegacy recognises a file holding exactly two integers.
func parseLegacy(data []byte) (port, retention int, ok bool) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, false
	}
	p, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	return p, r, true
}

// Validate checks field ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in [1, 65535], got %d", c.Port))
	}
	if c.RetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("retention_seconds must be >= 0, got %d", c.RetentionSeconds))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be >= 0, got %s", c.WriteTimeout))
	}
	if c.IdleTick <= 0 {
		errs = append(errs, fmt.Errorf("idle_tick must be positive, got %s", c.IdleTick))
	}
	if c.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("accept_rate must be >= 0, got %g", c.AcceptRate))
	}
	if c.StallThreshold <= 0 {
		errs = append(errs, fmt.Errorf("stall_threshold must be positive, got %s", c.StallThreshold))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor_interval must be positive, got %s", c.MonitorInterval))
	}
	switch c.DeregisterMode {
	case DeregisterReset, DeregisterRemove:
	default:
		errs = append(errs, fmt.Errorf("deregister_mode must be %q or %q, got %q", DeregisterReset, DeregisterRemove, c.DeregisterMode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func fmtAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Environment variables that override file settings.
const (
	EnvAdminAddr = "CASTOR_ADMIN_ADDR"
	EnvLogLevel  = "CASTOR_LOG_LEVEL"
)

// ApplyEnv overrides settings from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAdminAddr); v != "" {
		c.Admin.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}
