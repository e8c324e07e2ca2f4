package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr = ":3000"
	defaultDBPath     = "ctfcheck.db"
	defaultEngine     = "sdk"
	defaultDockerBin  = "docker"

	envListenAddr = "CTFCHECK_LISTEN_ADDR"
	envDBPath     = "CTFCHECK_DB_PATH"
	envLogLevel   = "CTFCHECK_LOG_LEVEL"
	envLogFormat  = "CTFCHECK_LOG_FORMAT"
	envEngine     = "CTFCHECK_ENGINE"
	envDockerBin  = "CTFCHECK_DOCKER_BIN"
)

// Config holds application settings loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	LogFormat  string
	// Engine is "sdk" for the Docker Engine API or "cli" for the docker binary.
	Engine    string
	DockerBin string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		LogFormat:  "text",
		Engine:     defaultEngine,
		DockerBin:  defaultDockerBin,
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
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envEngine); v != "" {
		cfg.Engine = strings.ToLower(v)
	}
	if v := os.Getenv(envDockerBin); v != "" {
		cfg.DockerBin = v
	}

	return cfg
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

// NewLogger creates a structured logger writing to w. format is "json" or
// "text"; anything else falls back to text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
