// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Dwarpal doorbell server.
package config

import "log/slog"

// LogLevel controls log verbosity for the Dwarpal server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog equivalent. Unknown levels map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Dwarpal.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overridden from the environment with [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DataConfig locates the on-disk state: the SQLite database and the asset
// directories for snapshots, TTS audio, and logs.
type DataConfig struct {
	// Dir is the data root. Created on startup if absent.
	Dir string `yaml:"dir"`

	// DBFile is the SQLite database file name inside Dir.
	DBFile string `yaml:"db_file"`
}

// PipelineConfig holds the orchestrator's scheduling knobs.
type PipelineConfig struct {
	// MaxConcurrentSessions caps how many sessions process simultaneously.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// SessionIdleTimeoutSec is how long a drained session waits for another
	// ring before closing.
	SessionIdleTimeoutSec int `yaml:"session_idle_timeout_sec"`

	// ProviderTimeoutSec is the per-call deadline for model providers.
	ProviderTimeoutSec int `yaml:"provider_timeout_sec"`

	// ActionTimeoutSec is the deadline for the action stage.
	ActionTimeoutSec int `yaml:"action_timeout_sec"`

	// AutoReply permits the doorbell to answer low-risk visitors without
	// involving the owner.
	AutoReply bool `yaml:"auto_reply"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline capability. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	Vision ProviderEntry `yaml:"vision"`
	Weapon ProviderEntry `yaml:"weapon"`
	STT    ProviderEntry `yaml:"stt"`
	TTS    ProviderEntry `yaml:"tts"`
	Reply  ProviderEntry `yaml:"reply"`

	// DisableModels replaces every model-backed provider with its static
	// stand-in. Used on hosts without model runtimes and in CI.
	DisableModels bool `yaml:"disable_models"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "yolohttp", "whisper", "espeak", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. For the
	// reply provider this is normally injected from the environment rather
	// than written into the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "yolov8n", "whisper-large-v3", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// Default returns a Config with the built-in defaults applied. Loading a file
// overlays onto these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Data: DataConfig{
			Dir:    "data",
			DBFile: "dwarpal.db",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentSessions: 2,
			SessionIdleTimeoutSec: 90,
			ProviderTimeoutSec:    8,
			ActionTimeoutSec:      10,
			AutoReply:             true,
		},
		Providers: ProvidersConfig{
			Vision: ProviderEntry{Name: "yolohttp"},
			STT:    ProviderEntry{Name: "whisper"},
			TTS:    ProviderEntry{Name: "espeak"},
			Reply:  ProviderEntry{Name: "openai"},
		},
	}
}
