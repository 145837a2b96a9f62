package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by [ApplyEnv]. REPLY_PROVIDER_KEY is
// an opaque secret; it is copied into the config verbatim and must never be
// logged.
const (
	EnvMaxConcurrentSessions = "MAX_CONCURRENT_SESSIONS"
	EnvSessionIdleTimeout    = "SESSION_IDLE_TIMEOUT_SEC"
	EnvProviderTimeout       = "PROVIDER_TIMEOUT_SEC"
	EnvActionTimeout         = "ACTION_TIMEOUT_SEC"
	EnvDataDir               = "DATA_DIR"
	EnvListenAddr            = "LISTEN_ADDR"
	EnvReplyProviderKey      = "REPLY_PROVIDER_KEY"
	EnvDisableModels         = "DISABLE_MODELS"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vision": {"yolohttp", "static"},
	"weapon": {"yolohttp"},
	"stt":    {"whisper", "groq", "static"},
	"tts":    {"espeak"},
	"reply":  {"openai", "groq", "ollama"},
}

// Load reads the YAML configuration file at path, overlays it onto the
// defaults, and returns a validated [Config]. A missing file is not an error:
// the defaults are returned so the server can run from environment variables
// alone.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the process environment. Invalid numeric
// values are rejected so a typo never silently falls back to a default.
func ApplyEnv(cfg *Config) error {
	var errs []error

	setInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a positive integer", name, v))
			return
		}
		*dst = n
	}

	setInt(EnvMaxConcurrentSessions, &cfg.Pipeline.MaxConcurrentSessions)
	setInt(EnvSessionIdleTimeout, &cfg.Pipeline.SessionIdleTimeoutSec)
	setInt(EnvProviderTimeout, &cfg.Pipeline.ProviderTimeoutSec)
	setInt(EnvActionTimeout, &cfg.Pipeline.ActionTimeoutSec)

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvReplyProviderKey); v != "" {
		cfg.Providers.Reply.APIKey = v
	}
	if v := os.Getenv(EnvDisableModels); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", EnvDisableModels, v))
		} else {
			cfg.Providers.DisableModels = b
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if cfg.Data.DBFile == "" {
		errs = append(errs, errors.New("data.db_file is required"))
	}

	if cfg.Pipeline.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_sessions %d must be positive", cfg.Pipeline.MaxConcurrentSessions))
	}
	if cfg.Pipeline.SessionIdleTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.session_idle_timeout_sec %d must be positive", cfg.Pipeline.SessionIdleTimeoutSec))
	}
	if cfg.Pipeline.ProviderTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.provider_timeout_sec %d must be positive", cfg.Pipeline.ProviderTimeoutSec))
	}
	if cfg.Pipeline.ActionTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.action_timeout_sec %d must be positive", cfg.Pipeline.ActionTimeoutSec))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("weapon", cfg.Providers.Weapon.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("reply", cfg.Providers.Reply.Name)

	if !cfg.Providers.DisableModels {
		if cfg.Providers.Vision.Name == "" {
			errs = append(errs, errors.New("providers.vision is required unless disable_models is set"))
		}
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("providers.stt is required unless disable_models is set"))
		}
	}
	if cfg.Providers.Reply.Name != "" && cfg.Providers.Reply.APIKey == "" && !cfg.Providers.DisableModels {
		slog.Warn("reply provider configured without an API key; conversational replies will fall back to canned lines",
			"provider", cfg.Providers.Reply.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
