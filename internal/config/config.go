package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Result backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all configuration values.
type Config struct {
	// HTTP
	HTTPAddr string

	// Redis (broker, and result backend when ResultBackend is redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Storage
	ResultBackend string
	DatabasePath  string
	LogDir        string
	Timezone      string

	// Workers
	ChatConcurrency       int
	BackgroundConcurrency int
	TaskTimeout           time.Duration
	TaskRetention         time.Duration
	StreamPublishRate     float64

	// Schedules
	ConsolidateSpec string
	PurgeSpec       string

	// Generation backend
	LLMBaseURL     string
	LLMModel       string
	LLMAPIKey      string
	LLMTemperature float64
	LLMMaxTokens   int

	ExtractModel       string
	ExtractTemperature float64
	ExtractMaxTokens   int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

const envPrefix = "ASYNCCHAT_"

// Load reads configuration from defaults, an optional YAML file and
// ASYNCCHAT_* environment variables, in increasing precedence. Keys in the
// file are the lower-case variable names without the prefix, e.g.
// redis_addr.
func Load(path string) (Config, error) {
	file := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	src := source{file: file}

	cfg := Config{
		HTTPAddr: src.str("HTTP_ADDR", ":10001"),

		RedisAddr:     src.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: src.str("REDIS_PASSWORD", ""),
		RedisDB:       src.integer("REDIS_DB", 0),

		ResultBackend: strings.ToLower(src.str("RESULT_BACKEND", BackendSQLite)),
		DatabasePath:  src.str("DATABASE_PATH", "./data/asyncchat.db"),
		LogDir:        src.str("CONVERSATION_DIR", "./data/conversation"),
		Timezone:      src.str("TIMEZONE", "Asia/Shanghai"),

		ChatConcurrency:       src.integer("CHAT_CONCURRENCY", 10),
		BackgroundConcurrency: src.integer("BACKGROUND_CONCURRENCY", 1),
		TaskTimeout:           src.duration("TASK_TIMEOUT", 60*time.Second),
		TaskRetention:         src.duration("TASK_RETENTION", 24*time.Hour),
		StreamPublishRate:     src.number("STREAM_PUBLISH_RATE", 20),

		ConsolidateSpec: src.str("CONSOLIDATE_SPEC", "0 0 * * *"),
		PurgeSpec:       src.str("PURGE_SPEC", "@hourly"),

		LLMBaseURL:     src.str("LLM_BASE_URL", "http://localhost:8080/v1"),
		LLMModel:       src.str("LLM_MODEL", "qwen3-4b-instruct-2507-fp8"),
		LLMAPIKey:      src.str("LLM_API_KEY", ""),
		LLMTemperature: src.number("LLM_TEMPERATURE", 0.1),
		LLMMaxTokens:   src.integer("LLM_MAX_TOKENS", 5000),

		ExtractModel:       src.str("EXTRACT_MODEL", "Qwen2.5-72B-Instruct-GGUF"),
		ExtractTemperature: src.number("EXTRACT_TEMPERATURE", 0.1),
		ExtractMaxTokens:   src.integer("EXTRACT_MAX_TOKENS", 32768),

		LogFile:  src.str("LOG_FILE", ""),
		LogLevel: parseLogLevel(src.str("LOG_LEVEL", "INFO")),
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.ResultBackend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unsupported result backend: %s", c.ResultBackend)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %s", c.TaskTimeout)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// source resolves a key from the environment first, then the file.
type source struct {
	file map[string]any
}

func (s source) lookup(key string) (any, bool) {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val, true
	}
	if val, ok := s.file[strings.ToLower(key)]; ok && val != nil {
		return val, true
	}
	return nil, false
}

func (s source) str(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return cast.ToString(v)
	}
	return def
}

func (s source) integer(key string, def int) int {
	if v, ok := s.lookup(key); ok {
		if n, err := cast.ToIntE(v); err == nil {
			return n
		}
		slog.Warn("invalid integer config value, using default", "key", key, "value", v)
	}
	return def
}

func (s source) number(key string, def float64) float64 {
	if v, ok := s.lookup(key); ok {
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
		slog.Warn("invalid number config value, using default", "key", key, "value", v)
	}
	return def
}

func (s source) duration(key string, def time.Duration) time.Duration {
	if v, ok := s.lookup(key); ok {
		if d, err := cast.ToDurationE(v); err == nil {
			return d
		}
		slog.Warn("invalid duration config value, using default", "key", key, "value", v)
	}
	return def
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
