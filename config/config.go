// Package config loads the server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags bound by the caller
//  2. Environment variables (RAWHTTP_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/codetesla51/epoll-http/content"
	"github.com/codetesla51/epoll-http/server"
	"github.com/codetesla51/epoll-http/store"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// RAWHTTP_SERVER_PORT=9000.
const EnvPrefix = "RAWHTTP"

// Config is the complete server configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Store   store.Config  `mapstructure:"store" yaml:"store"`
	Content ContentConfig `mapstructure:"content" yaml:"content"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Valid values: DEBUG, INFO, WARN, ERROR (normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// stdout, stderr or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig mirrors server.Config.
type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host" validate:"omitempty,ipv4"`
	Port          int           `mapstructure:"port" yaml:"port" validate:"gte=1024,lte=65535"`
	TriggerMode   int           `mapstructure:"trigger_mode" yaml:"trigger_mode" validate:"gte=0,lte=3"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`
	Workers       int           `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
	DocRoot       string        `mapstructure:"doc_root" yaml:"doc_root" validate:"required"`
	OptLinger     bool          `mapstructure:"opt_linger" yaml:"opt_linger"`
	MaxConns      int           `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
	Backlog       int           `mapstructure:"backlog" yaml:"backlog" validate:"gte=0"`
	MaxEvents     int           `mapstructure:"max_events" yaml:"max_events" validate:"gte=0"`
	MaxHeaderSize int           `mapstructure:"max_header_size" yaml:"max_header_size" validate:"gte=0"`
	MaxBodySize   int64         `mapstructure:"max_body_size" yaml:"max_body_size" validate:"gte=0"`
	AcceptRate    float64       `mapstructure:"accept_rate" yaml:"accept_rate" validate:"gte=0"`
	AcceptBurst   int           `mapstructure:"accept_burst" yaml:"accept_burst" validate:"gte=0"`
	KeepAlive     bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	LogRequests   bool          `mapstructure:"log_requests" yaml:"log_requests"`
}

// ContentConfig selects where uploads are stored. Only the section
// matching Type is used.
type ContentConfig struct {
	// Valid values: fs, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=fs s3"`

	// MaxUpload limits one uploaded file, in bytes
	MaxUpload int64 `mapstructure:"max_upload" yaml:"max_upload" validate:"gte=0"`

	// FS section; files land under <doc_root>/<dir>/<uid>/
	FS map[string]any `mapstructure:"fs" yaml:"fs,omitempty"`

	// S3 section, decoded into content.S3Config
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// FSConfig is the decoded fs section.
type FSConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig controls sessions.
type AuthConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

// Load reads configuration from v, which the caller may already have bound
// to command-line flags, plus the optional file at configPath and the
// environment. Defaults fill anything left unset.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range knownKeys {
		_ = v.BindEnv(key)
	}
	for key, value := range presetDefaults {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

var knownKeys = []string{
	"logging.level", "logging.output",
	"server.host", "server.port", "server.trigger_mode", "server.idle_timeout",
	"server.workers", "server.doc_root", "server.opt_linger", "server.max_conns",
	"server.backlog", "server.max_events", "server.max_header_size", "server.max_body_size",
	"server.accept_rate", "server.accept_burst", "server.keep_alive", "server.log_requests",
	"store.dir", "store.in_memory",
	"content.type", "content.max_upload",
	"auth.session_ttl",
	"metrics.enabled", "metrics.addr",
}

// ServerConfig converts the server section for server.New.
func (c *Config) ServerConfig() *server.Config {
	s := c.Server
	return &server.Config{
		Host:            s.Host,
		Port:            s.Port,
		TriggerMode:     s.TriggerMode,
		IdleTimeout:     s.IdleTimeout,
		Workers:         s.Workers,
		DocRoot:         s.DocRoot,
		OptLinger:       s.OptLinger,
		MaxConns:        s.MaxConns,
		Backlog:         s.Backlog,
		MaxEvents:       s.MaxEvents,
		MaxHeaderSize:   s.MaxHeaderSize,
		MaxBodySize:     s.MaxBodySize,
		AcceptRate:      s.AcceptRate,
		AcceptBurst:     s.AcceptBurst,
		EnableKeepAlive: s.KeepAlive,
		EnableLogging:   s.LogRequests,
	}
}

// FSConfig decodes the fs content section.
func (c *Config) FSConfig() (FSConfig, error) {
	var fsCfg FSConfig
	if err := mapstructure.Decode(c.Content.FS, &fsCfg); err != nil {
		return fsCfg, fmt.Errorf("invalid fs content config: %w", err)
	}
	if fsCfg.Dir == "" {
		fsCfg.Dir = "images"
	}
	return fsCfg, nil
}

// S3Config decodes the s3 content section.
func (c *Config) S3Config() (content.S3Config, error) {
	var s3Cfg content.S3Config
	if err := mapstructure.Decode(c.Content.S3, &s3Cfg); err != nil {
		return s3Cfg, fmt.Errorf("invalid s3 content config: %w", err)
	}
	return s3Cfg, nil
}

// WriteSample writes the default configuration as YAML to path.
func WriteSample(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte("# epoll-http configuration\n# every key can be overridden with " + EnvPrefix + "_<SECTION>_<KEY>\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
