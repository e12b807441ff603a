// Package config loads process configuration for vai-studio from the
// environment. Flags given on the command line take precedence and are
// applied by the binary on top of LoadFromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type TransportKind string

const (
	TransportGenAI TransportKind = "genai"
	TransportWS    TransportKind = "ws"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFS       StoreKind = "fs"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
	StoreS3       StoreKind = "s3"
)

type Config struct {
	ProfilePath string

	Transport      TransportKind
	Endpoint       string
	APIKey         string
	Model          string
	ConnectTimeout time.Duration
	PingInterval   time.Duration

	// Session lifecycle. Profile values override these when set.
	RotationInterval time.Duration
	MaxRetries       int
	CoolOff          time.Duration

	Store       StoreKind
	StoreDir    string
	SQLitePath  string
	PostgresDSN string
	// Migrate applies schema migrations when a SQL store is opened.
	Migrate bool

	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool

	DocumentPath string
	Record       bool
	ToolTimeout  time.Duration
	// ScreenImage and CameraImage are PNG or JPEG files composited into the
	// recording. They are re-read when rewritten.
	ScreenImage string
	CameraImage string

	MetricsAddr string
	LogLevel    string
	LogJSON     bool
}

// LoadFromEnv reads and validates the VAI_STUDIO_ environment.
func LoadFromEnv() (Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv reads the environment without validating, for callers that
// layer flags on top before calling Validate.
func FromEnv() Config {
	return Config{
		ProfilePath:       envOr("VAI_STUDIO_PROFILE", ""),
		Transport:         TransportKind(strings.ToLower(envOr("VAI_STUDIO_TRANSPORT", string(TransportGenAI)))),
		Endpoint:          envOr("VAI_STUDIO_ENDPOINT", ""),
		APIKey:            firstEnv("VAI_STUDIO_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"),
		Model:             envOr("VAI_STUDIO_MODEL", "gemini-2.0-flash-live-001"),
		ConnectTimeout:    envDurationOr("VAI_STUDIO_CONNECT_TIMEOUT", 5*time.Second),
		PingInterval:      envDurationOr("VAI_STUDIO_PING_INTERVAL", 15*time.Second),
		RotationInterval:  envDurationOr("VAI_STUDIO_ROTATION_INTERVAL", 15*time.Minute),
		MaxRetries:        envIntOr("VAI_STUDIO_MAX_RETRIES", 8),
		CoolOff:           envDurationOr("VAI_STUDIO_COOL_OFF", 0),
		Store:             StoreKind(strings.ToLower(envOr("VAI_STUDIO_STORE", string(StoreMemory)))),
		StoreDir:          envOr("VAI_STUDIO_STORE_DIR", "recordings"),
		SQLitePath:        envOr("VAI_STUDIO_SQLITE_PATH", "vai-studio.db"),
		PostgresDSN:       firstEnv("VAI_STUDIO_POSTGRES_DSN", "DATABASE_URL"),
		Migrate:           envBoolOr("VAI_STUDIO_MIGRATE", true),
		S3Bucket:          envOr("VAI_STUDIO_S3_BUCKET", ""),
		S3Prefix:          envOr("VAI_STUDIO_S3_PREFIX", ""),
		S3Region:          envOr("VAI_STUDIO_S3_REGION", "us-east-1"),
		S3Endpoint:        envOr("VAI_STUDIO_S3_ENDPOINT", ""),
		S3AccessKeyID:     envOr("VAI_STUDIO_S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: envOr("VAI_STUDIO_S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:    envBoolOr("VAI_STUDIO_S3_PATH_STYLE", false),
		DocumentPath:      envOr("VAI_STUDIO_DOCUMENT", ""),
		Record:            envBoolOr("VAI_STUDIO_RECORD", true),
		ToolTimeout:       envDurationOr("VAI_STUDIO_TOOL_TIMEOUT", 30*time.Second),
		ScreenImage:       envOr("VAI_STUDIO_SCREEN_IMAGE", ""),
		CameraImage:       envOr("VAI_STUDIO_CAMERA_IMAGE", ""),
		MetricsAddr:       envOr("VAI_STUDIO_METRICS_ADDR", ""),
		LogLevel:          envOr("VAI_STUDIO_LOG_LEVEL", "info"),
		LogJSON:           envBoolOr("VAI_STUDIO_LOG_JSON", false),
	}
}

// Validate checks cross-field constraints. The binary calls it again after
// applying flags.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportGenAI:
		if c.APIKey == "" {
			return fmt.Errorf("VAI_STUDIO_API_KEY (or GEMINI_API_KEY) is required for the genai transport")
		}
	case TransportWS:
		if c.Endpoint == "" {
			return fmt.Errorf("VAI_STUDIO_ENDPOINT is required for the ws transport")
		}
	default:
		return fmt.Errorf("VAI_STUDIO_TRANSPORT must be one of genai|ws")
	}

	switch c.Store {
	case StoreMemory:
	case StoreFS:
		if c.StoreDir == "" {
			return fmt.Errorf("VAI_STUDIO_STORE_DIR is required for the fs store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("VAI_STUDIO_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("VAI_STUDIO_POSTGRES_DSN is required for the postgres store")
		}
	case StoreS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("VAI_STUDIO_S3_BUCKET is required for the s3 store")
		}
	default:
		return fmt.Errorf("VAI_STUDIO_STORE must be one of memory|fs|sqlite|postgres|s3")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("VAI_STUDIO_CONNECT_TIMEOUT must be > 0")
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("VAI_STUDIO_PING_INTERVAL must be >= 0")
	}
	if c.RotationInterval < time.Minute {
		return fmt.Errorf("VAI_STUDIO_ROTATION_INTERVAL must be >= 1m")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("VAI_STUDIO_MAX_RETRIES must be > 0")
	}
	if c.CoolOff < 0 {
		return fmt.Errorf("VAI_STUDIO_COOL_OFF must be >= 0")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("VAI_STUDIO_TOOL_TIMEOUT must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
