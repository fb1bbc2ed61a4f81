// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/focus-guardian/internal/detector"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	Store       StoreConfig
	WebSocket   WebSocketConfig
	Detection   DetectionConfig
	Report      ReportConfig
	Log         LogConfig
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string
	Timeout     time.Duration
}

// WebSocketConfig controls per-connection behavior of the session engine.
type WebSocketConfig struct {
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	MessageQueueSize   int
	MaxMessageBytes    int64
	FrameInterval      time.Duration
	MaxSessionDuration time.Duration
	FinalizeTimeout    time.Duration
}

// DetectionConfig controls landmark extraction and classification.
type DetectionConfig struct {
	LandmarkAddr    string
	LandmarkEnabled bool
	LandmarkTimeout time.Duration
	MaxFrameBytes   int
	Thresholds      detector.Thresholds
}

// ReportConfig controls session summary output.
type ReportConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	th := detector.DefaultThresholds()
	th.DrowsyBelow = getEnvFloat("EAR_DROWSY_BELOW", th.DrowsyBelow)
	th.DistractedBelow = getEnvFloat("EAR_DISTRACTED_BELOW", th.DistractedBelow)
	th.DrowsyScore = getEnvInt("SCORE_DROWSY", th.DrowsyScore)
	th.DistractedScore = getEnvInt("SCORE_DISTRACTED", th.DistractedScore)
	th.FocusedScore = getEnvInt("SCORE_FOCUSED", th.FocusedScore)
	th.NoFaceScore = getEnvInt("SCORE_NO_FACE", th.NoFaceScore)

	landmarkAddr := getEnv("LANDMARK_ADDR", "")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS"),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DBPath:      getEnv("DB_PATH", "./data/focus.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			Timeout:     getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
		WebSocket: WebSocketConfig{
			AuthTimeout:        getEnvDuration("WS_AUTH_TIMEOUT", 10*time.Second),
			HeartbeatInterval:  getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			MessageQueueSize:   getEnvInt("WS_MESSAGE_QUEUE_SIZE", 100),
			MaxMessageBytes:    int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 8<<20)),
			FrameInterval:      getEnvDuration("FRAME_INTERVAL", 500*time.Millisecond),
			MaxSessionDuration: getEnvDuration("MAX_SESSION_DURATION", 4*time.Hour),
			FinalizeTimeout:    getEnvDuration("FINALIZE_TIMEOUT", 5*time.Second),
		},
		Detection: DetectionConfig{
			LandmarkAddr:    landmarkAddr,
			LandmarkEnabled: getEnvBool("LANDMARK_ENABLED", landmarkAddr != ""),
			LandmarkTimeout: getEnvDuration("LANDMARK_TIMEOUT", detector.DefaultTimeout),
			MaxFrameBytes:   getEnvInt("MAX_FRAME_BYTES", 5<<20),
			Thresholds:      th,
		},
		Report: ReportConfig{
			Enabled:   getEnvBool("REPORT_ENABLED", true),
			Dir:       getEnv("REPORT_DIR", "./data/reports"),
			QueueSize: getEnvInt("REPORT_QUEUE_SIZE", 1000),
		},
		Log: LogConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}

	ws := c.WebSocket
	if ws.AuthTimeout <= 0 {
		return fmt.Errorf("WS_AUTH_TIMEOUT must be > 0")
	}
	if ws.HeartbeatInterval <= 0 {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be > 0")
	}
	if ws.MessageQueueSize <= 0 {
		return fmt.Errorf("WS_MESSAGE_QUEUE_SIZE must be > 0")
	}
	if ws.MaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if ws.FrameInterval <= 0 {
		return fmt.Errorf("FRAME_INTERVAL must be > 0")
	}
	if ws.MaxSessionDuration <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION must be > 0")
	}
	if ws.FinalizeTimeout <= 0 {
		return fmt.Errorf("FINALIZE_TIMEOUT must be > 0")
	}

	d := c.Detection
	if d.LandmarkEnabled && d.LandmarkAddr == "" {
		return fmt.Errorf("LANDMARK_ADDR is required when LANDMARK_ENABLED=true")
	}
	if d.LandmarkTimeout <= 0 {
		return fmt.Errorf("LANDMARK_TIMEOUT must be > 0")
	}
	if d.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be > 0")
	}
	if err := d.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}

	if c.Report.Enabled {
		if c.Report.Dir == "" {
			return fmt.Errorf("REPORT_DIR cannot be empty")
		}
		if c.Report.QueueSize <= 0 {
			return fmt.Errorf("REPORT_QUEUE_SIZE must be > 0")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins browsers may connect from. FRONTEND_URL
// is always included when set.
func (c *Config) AllowedOrigins() []string {
	origins := make([]string, 0, len(c.CORSOrigins)+1)
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	for _, o := range c.CORSOrigins {
		if o != c.FrontendURL {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
