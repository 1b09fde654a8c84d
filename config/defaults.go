package config

import (
	"strings"
	"time"

	"github.com/codetesla51/epoll-http/server"
)

// presetDefaults are defaults whose zero value is itself a valid setting,
// so ApplyDefaults cannot detect them as unset. Load registers them with
// viper instead.
var presetDefaults = map[string]any{
	"server.keep_alive":   true,
	"server.trigger_mode": server.TriggerEdge,
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.KeepAlive = presetDefaults["server.keep_alive"].(bool)
	cfg.Server.TriggerMode = presetDefaults["server.trigger_mode"].(int)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(cfg)
	applyContentDefaults(&cfg.Content)

	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 30 * time.Minute
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9090"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	def := server.DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DocRoot == "" {
		cfg.DocRoot = def.DocRoot
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.MaxHeaderSize == 0 {
		cfg.MaxHeaderSize = def.MaxHeaderSize
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
}

func applyStoreDefaults(cfg *Config) {
	if !cfg.Store.InMemory && cfg.Store.Dir == "" {
		cfg.Store.Dir = "data"
	}
}

func applyContentDefaults(cfg *ContentConfig) {
	if cfg.Type == "" {
		cfg.Type = "fs"
	}
	if cfg.MaxUpload == 0 {
		cfg.MaxUpload = 8 << 20
	}
}
