package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/biostar-central/planetjob/internal/constants"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

var ErrInvalidUpdateCount = errors.New("update count must be a positive integer")

type Config struct {
	WorkDir        string
	CondaHook      string
	CondaEnv       string
	Python         string
	Manage         string
	UpdateCount    int
	PostgresHost   string
	DjangoSettings string
	Timeout        time.Duration
	DBPath         string
	LogDir         string
	LogLevel       string
	LogFormat      string
	StatusAddr     string
}

func Load() (Config, error) {
	cfg := Config{
		WorkDir:        envOrDefault("PLANET_WORKDIR", constants.DefaultWorkDir),
		CondaHook:      envOrDefault("PLANET_CONDA_HOOK", constants.DefaultCondaHook),
		CondaEnv:       envOrDefault("PLANET_CONDA_ENV", constants.DefaultCondaEnv),
		Python:         envOrDefault("PLANET_PYTHON", constants.DefaultPython),
		Manage:         envOrDefault("PLANET_MANAGE", constants.DefaultManage),
		UpdateCount:    constants.DefaultUpdateCount,
		PostgresHost:   envOrDefault("PLANET_POSTGRES_HOST", constants.DefaultPostgresHost),
		DjangoSettings: envOrDefault("PLANET_DJANGO_SETTINGS", constants.DefaultDjangoSettings),
		DBPath:         envOrDefault("PLANET_DB", constants.DefaultDBPath),
		LogDir:         os.Getenv("PLANET_LOG_DIR"),
		LogLevel:       envOrDefault("PLANET_LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("PLANET_LOG_FORMAT", "auto"),
		StatusAddr:     envOrDefault("PLANET_STATUS_ADDR", constants.DefaultStatusAddr),
	}

	// An explicitly empty value disables activation or history.
	if v, ok := os.LookupEnv("PLANET_CONDA_HOOK"); ok {
		cfg.CondaHook = v
	}
	if v, ok := os.LookupEnv("PLANET_DB"); ok {
		cfg.DBPath = v
	}

	if countStr := os.Getenv("PLANET_UPDATE_COUNT"); countStr != "" {
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PLANET_UPDATE_COUNT value %q: %w", countStr, err)
		}
		cfg.UpdateCount = count
	}

	if timeoutStr := os.Getenv("PLANET_TIMEOUT"); timeoutStr != "" {
		duration, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PLANET_TIMEOUT value %q: %w", timeoutStr, err)
		}
		cfg.Timeout = duration
	}

	return cfg, nil
}

// Validate checks the values that the run cannot start without.
// Load only parses; callers validate once command-line flags are applied.
func (c Config) Validate() error {
	if c.UpdateCount < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidUpdateCount, c.UpdateCount)
	}
	if c.WorkDir == "" {
		return errors.New("working directory must not be empty")
	}
	if c.Python == "" || c.Manage == "" {
		return errors.New("python interpreter and manage.py path must not be empty")
	}
	if c.CondaHook != "" && c.CondaEnv == "" {
		return errors.New("conda environment name required when a conda hook is set")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "text", "":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "info", "":
		return slog.LevelInfo, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger writes to stderr; stdout belongs to the update command.
// format "auto" picks the colored text handler on a terminal and JSON otherwise.
func NewLogger(level, format string) (*slog.Logger, error) {
	slogLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	format = strings.ToLower(format)
	if format == "auto" || format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.TimeOnly,
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(handler), nil
}
