package config

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/sandboxd/internal/model"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = ":memory:"
	defaultCleanupInterval = 5 * time.Minute
	defaultErrorGrace      = time.Hour
	defaultMaxAge          = 24 * time.Hour
	defaultCreateRate      = 5.0
	defaultCreateBurst     = 10

	envListenAddr      = "SANDBOXD_LISTEN_ADDR"
	envDBPath          = "SANDBOXD_DB_PATH"
	envLogLevel        = "SANDBOXD_LOG_LEVEL"
	envBackends        = "SANDBOXD_BACKENDS"
	envDefaultBackend  = "SANDBOXD_DEFAULT_BACKEND"
	envCleanupInterval = "SANDBOXD_CLEANUP_INTERVAL"
	envErrorGrace      = "SANDBOXD_ERROR_GRACE"
	envMaxAge          = "SANDBOXD_MAX_AGE"
	envCreateRate      = "SANDBOXD_CREATE_RATE"
	envCreateBurst     = "SANDBOXD_CREATE_BURST"
	envPurgeHistory    = "SANDBOXD_PURGE_HISTORY"
	envCORSOrigins     = "SANDBOXD_CORS_ORIGINS"
	envConfigFile      = "SANDBOXD_CONFIG_FILE"
)

// Config holds application configuration loaded from environment variables
// and the optional YAML file.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Backends lists the backend types to register, in preference order.
	Backends       []string
	DefaultBackend string

	CleanupInterval time.Duration
	ErrorGrace      time.Duration
	MaxAge          time.Duration

	// CreateRate is the number of context creations allowed per second;
	// zero disables the limit.
	CreateRate  float64
	CreateBurst int

	PurgeHistory bool
	CORSOrigins  []string
	ConfigFile   string

	// ContextDefaults fills fields a create request leaves unset.
	ContextDefaults model.Config
}

// File is the layout of the YAML configuration file.
type File struct {
	Backends       []string                          `yaml:"backends"`
	DefaultBackend string                            `yaml:"default_backend"`
	Defaults       *model.Config                     `yaml:"context_defaults"`
	Tools          map[string]model.CapabilityConfig `yaml:"tools"`
}

// Load reads configuration from environment variables with sensible
// defaults, then applies the YAML file named by SANDBOXD_CONFIG_FILE.
// Unparsable values keep their defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Backends:        []string{model.BackendDocker},
		CleanupInterval: defaultCleanupInterval,
		ErrorGrace:      defaultErrorGrace,
		MaxAge:          defaultMaxAge,
		CreateRate:      defaultCreateRate,
		CreateBurst:     defaultCreateBurst,
		CORSOrigins:     []string{"*"},
		ContextDefaults: model.DefaultConfig(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := splitList(os.Getenv(envBackends)); len(v) > 0 {
		cfg.Backends = v
	}
	if v := os.Getenv(envDefaultBackend); v != "" {
		cfg.DefaultBackend = v
	}
	envDuration(envCleanupInterval, &cfg.CleanupInterval)
	envDuration(envErrorGrace, &cfg.ErrorGrace)
	envDuration(envMaxAge, &cfg.MaxAge)
	if v := os.Getenv(envCreateRate); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
			cfg.CreateRate = n
		}
	}
	if v := os.Getenv(envCreateBurst); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CreateBurst = n
		}
	}
	if v := os.Getenv(envPurgeHistory); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PurgeHistory = b
		}
	}
	if v := splitList(os.Getenv(envCORSOrigins)); len(v) > 0 {
		cfg.CORSOrigins = v
	}

	cfg.ConfigFile = os.Getenv(envConfigFile)
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return cfg, err
		}
	}

	if cfg.DefaultBackend == "" || !slices.Contains(cfg.Backends, cfg.DefaultBackend) {
		cfg.DefaultBackend = cfg.Backends[0]
	}
	return cfg, nil
}

// applyFile overlays the YAML file at path. Environment settings for
// backends win over the file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Decoding over the defaults keeps fields the file leaves out.
	defaults := model.DefaultConfig()
	f := File{Defaults: &defaults}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if len(f.Backends) > 0 && os.Getenv(envBackends) == "" {
		c.Backends = f.Backends
	}
	if f.DefaultBackend != "" && os.Getenv(envDefaultBackend) == "" {
		c.DefaultBackend = f.DefaultBackend
	}
	if f.Defaults != nil {
		d := f.Defaults.WithDefaults(model.DefaultConfig())
		if err := d.Validate(); err != nil {
			return fmt.Errorf("config file %s: context_defaults: %w", path, err)
		}
		c.ContextDefaults = d
	}
	if len(f.Tools) > 0 {
		tools := maps.Clone(c.ContextDefaults.Capabilities)
		if tools == nil {
			tools = make(map[string]model.CapabilityConfig, len(f.Tools))
		}
		maps.Copy(tools, f.Tools)
		c.ContextDefaults.Capabilities = tools
	}
	return nil
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
