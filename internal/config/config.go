package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	Interval         time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	Metrics          []string
	Autostart        bool
	SupportCacheTTL  time.Duration
	WS               WebsocketConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Error reports a malformed environment variable.
type Error struct {
	Var   string
	Value string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse %s=%q: %v", e.Var, e.Value, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	errNotPositive = errors.New("must be > 0")
	errEmpty       = errors.New("must not be empty")
)

// DefaultInterval is the sampling period used when APP_INTERVAL is unset.
const DefaultInterval = 50 * time.Millisecond

// Load parses configuration from environment variables, applying defaults.
// Any malformed value fails the whole load with an *Error.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		Interval:         DefaultInterval,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		Autostart:        false,
		SupportCacheTTL:  30 * time.Second,
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}

	if value, ok := lookup("APP_LISTEN_ADDR"); ok {
		cfg.ListenAddr = value
	}

	if value, ok := lookup("APP_INTERVAL"); ok {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, &Error{Var: "APP_INTERVAL", Value: value, Err: err}
		}
		if ms <= 0 {
			return Config{}, &Error{Var: "APP_INTERVAL", Value: value, Err: errNotPositive}
		}
		cfg.Interval = time.Duration(ms) * time.Millisecond
	}

	if value, ok := lookup("APP_ALLOWED_ORIGINS"); ok {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, &Error{Var: "APP_ALLOWED_ORIGINS", Value: value, Err: errEmpty}
		}
		cfg.AllowedOrigins = origins
	}

	if value, ok := lookup("APP_METRICS"); ok {
		cfg.Metrics = splitAndTrim(value, ",")
	}

	var err error
	if cfg.EnablePrometheus, err = boolVar("APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolVar("APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}
	if cfg.Autostart, err = boolVar("APP_AUTOSTART", cfg.Autostart); err != nil {
		return Config{}, err
	}

	if value, ok := lookup("APP_LOG_LEVEL"); ok {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, &Error{Var: "APP_LOG_LEVEL", Value: value, Err: err}
		}
		cfg.LogLevel = level
	}

	if value, ok := lookup("APP_SYSFS_ROOT"); ok {
		cfg.SysfsRoot = value
	}

	if cfg.SupportCacheTTL, err = durationVar("APP_SUPPORT_CACHE_TTL", cfg.SupportCacheTTL); err != nil {
		return Config{}, err
	}

	if value, ok := lookup("APP_WS_MAX_CLIENTS"); ok {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, &Error{Var: "APP_WS_MAX_CLIENTS", Value: value, Err: err}
		}
		if maxClients <= 0 {
			return Config{}, &Error{Var: "APP_WS_MAX_CLIENTS", Value: value, Err: errNotPositive}
		}
		cfg.WS.MaxClients = maxClients
	}

	if cfg.WS.WriteTimeout, err = durationVar("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = durationVar("APP_WS_READ_TIMEOUT", cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func lookup(name string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(name))
	return value, value != ""
}

func boolVar(name string, fallback bool) (bool, error) {
	value, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, &Error{Var: name, Value: value, Err: err}
	}
	return enabled, nil
}

func durationVar(name string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, &Error{Var: name, Value: value, Err: err}
	}
	if dur <= 0 {
		return 0, &Error{Var: name, Value: value, Err: errNotPositive}
	}
	return dur, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
