package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

var studioEnvKeys = []string{
	"VAI_STUDIO_PROFILE",
	"VAI_STUDIO_TRANSPORT",
	"VAI_STUDIO_ENDPOINT",
	"VAI_STUDIO_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"VAI_STUDIO_MODEL",
	"VAI_STUDIO_CONNECT_TIMEOUT",
	"VAI_STUDIO_PING_INTERVAL",
	"VAI_STUDIO_ROTATION_INTERVAL",
	"VAI_STUDIO_MAX_RETRIES",
	"VAI_STUDIO_COOL_OFF",
	"VAI_STUDIO_STORE",
	"VAI_STUDIO_STORE_DIR",
	"VAI_STUDIO_SQLITE_PATH",
	"VAI_STUDIO_POSTGRES_DSN",
	"DATABASE_URL",
	"VAI_STUDIO_MIGRATE",
	"VAI_STUDIO_S3_BUCKET",
	"VAI_STUDIO_S3_PREFIX",
	"VAI_STUDIO_S3_REGION",
	"VAI_STUDIO_S3_ENDPOINT",
	"VAI_STUDIO_S3_ACCESS_KEY_ID",
	"VAI_STUDIO_S3_SECRET_ACCESS_KEY",
	"VAI_STUDIO_S3_PATH_STYLE",
	"VAI_STUDIO_DOCUMENT",
	"VAI_STUDIO_RECORD",
	"VAI_STUDIO_TOOL_TIMEOUT",
	"VAI_STUDIO_SCREEN_IMAGE",
	"VAI_STUDIO_CAMERA_IMAGE",
	"VAI_STUDIO_METRICS_ADDR",
	"VAI_STUDIO_LOG_LEVEL",
	"VAI_STUDIO_LOG_JSON",
}

func clearStudioEnv(t *testing.T) {
	t.Helper()
	for _, key := range studioEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearStudioEnv(t)
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Transport != TransportGenAI {
		t.Fatalf("Transport = %q, want genai", cfg.Transport)
	}
	if cfg.APIKey != "test-key" {
		t.Fatalf("APIKey = %q, want fallback to GEMINI_API_KEY", cfg.APIKey)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.PingInterval != 15*time.Second {
		t.Fatalf("PingInterval = %v, want 15s", cfg.PingInterval)
	}
	if cfg.RotationInterval != 15*time.Minute {
		t.Fatalf("RotationInterval = %v, want 15m", cfg.RotationInterval)
	}
	if cfg.MaxRetries != 8 {
		t.Fatalf("MaxRetries = %d, want 8", cfg.MaxRetries)
	}
	if cfg.CoolOff != 0 {
		t.Fatalf("CoolOff = %v, want 0", cfg.CoolOff)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("Store = %q, want memory", cfg.Store)
	}
	if !cfg.Record || !cfg.Migrate {
		t.Fatalf("Record=%v Migrate=%v, want both true", cfg.Record, cfg.Migrate)
	}
	if cfg.LogLevel != "info" || cfg.LogJSON {
		t.Fatalf("logging = %q json=%v", cfg.LogLevel, cfg.LogJSON)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearStudioEnv(t)
	t.Setenv("VAI_STUDIO_TRANSPORT", "WS")
	t.Setenv("VAI_STUDIO_ENDPOINT", "ws://localhost:8080/v1/live")
	t.Setenv("VAI_STUDIO_ROTATION_INTERVAL", "10m")
	t.Setenv("VAI_STUDIO_MAX_RETRIES", "3")
	t.Setenv("VAI_STUDIO_COOL_OFF", "1m")
	t.Setenv("VAI_STUDIO_STORE", "s3")
	t.Setenv("VAI_STUDIO_S3_BUCKET", "sessions")
	t.Setenv("VAI_STUDIO_S3_PATH_STYLE", "yes")
	t.Setenv("VAI_STUDIO_LOG_JSON", "on")
	t.Setenv("VAI_STUDIO_SCREEN_IMAGE", "/tmp/screen.png")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Transport != TransportWS || cfg.Endpoint != "ws://localhost:8080/v1/live" {
		t.Fatalf("transport = %q %q", cfg.Transport, cfg.Endpoint)
	}
	if cfg.RotationInterval != 10*time.Minute || cfg.MaxRetries != 3 || cfg.CoolOff != time.Minute {
		t.Fatalf("lifecycle = %v %d %v", cfg.RotationInterval, cfg.MaxRetries, cfg.CoolOff)
	}
	if cfg.Store != StoreS3 || cfg.S3Bucket != "sessions" || !cfg.S3UsePathStyle {
		t.Fatalf("store = %q %q %v", cfg.Store, cfg.S3Bucket, cfg.S3UsePathStyle)
	}
	if !cfg.LogJSON {
		t.Fatal("LogJSON = false, want true")
	}
	if cfg.ScreenImage != "/tmp/screen.png" || cfg.CameraImage != "" {
		t.Fatalf("video = %q %q", cfg.ScreenImage, cfg.CameraImage)
	}
}

func TestLoadFromEnv_InvalidValuesFallBackToDefaults(t *testing.T) {
	clearStudioEnv(t)
	t.Setenv("VAI_STUDIO_API_KEY", "k")
	t.Setenv("VAI_STUDIO_MAX_RETRIES", "many")
	t.Setenv("VAI_STUDIO_CONNECT_TIMEOUT", "soon")
	t.Setenv("VAI_STUDIO_RECORD", "maybe")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.MaxRetries != 8 || cfg.ConnectTimeout != 5*time.Second || !cfg.Record {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "genai without key",
			env:  map[string]string{},
			want: "VAI_STUDIO_API_KEY",
		},
		{
			name: "ws without endpoint",
			env:  map[string]string{"VAI_STUDIO_TRANSPORT": "ws"},
			want: "VAI_STUDIO_ENDPOINT",
		},
		{
			name: "unknown transport",
			env:  map[string]string{"VAI_STUDIO_TRANSPORT": "grpc"},
			want: "VAI_STUDIO_TRANSPORT",
		},
		{
			name: "unknown store",
			env:  map[string]string{"VAI_STUDIO_API_KEY": "k", "VAI_STUDIO_STORE": "redis"},
			want: "VAI_STUDIO_STORE",
		},
		{
			name: "postgres without dsn",
			env:  map[string]string{"VAI_STUDIO_API_KEY": "k", "VAI_STUDIO_STORE": "postgres"},
			want: "VAI_STUDIO_POSTGRES_DSN",
		},
		{
			name: "rotation too short",
			env:  map[string]string{"VAI_STUDIO_API_KEY": "k", "VAI_STUDIO_ROTATION_INTERVAL": "30s"},
			want: "VAI_STUDIO_ROTATION_INTERVAL",
		},
		{
			name: "negative cool off",
			env:  map[string]string{"VAI_STUDIO_API_KEY": "k", "VAI_STUDIO_COOL_OFF": "-1s"},
			want: "VAI_STUDIO_COOL_OFF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearStudioEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("LoadFromEnv() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadProfile_YAML(t *testing.T) {
	path := writeFile(t, "coach.yaml", `
name: interview-coach
voice:
  name: Kore
  language: en-US
instruction: |
  You are a patient interview coach.
tools: [update_document]
checkpoint:
  window: 30
  dense: true
  dense_max_chars: 4000
rotation:
  interval: 12m
  jitter: 10
orientation: portrait
`)
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	want := Profile{
		Name:        "interview-coach",
		Voice:       types.VoiceProfile{Name: "Kore", Language: "en-US"},
		Instruction: "You are a patient interview coach.\n",
		Tools:       []string{"update_document"},
		Checkpoint:  CheckpointProfile{Window: 30, Dense: true, DenseMaxChars: 4000},
		Rotation:    RotationProfile{Interval: Duration(12 * time.Minute), Jitter: Duration(10 * time.Second)},
		Orientation: "portrait",
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadProfile_JSONAndDefaults(t *testing.T) {
	path := writeFile(t, "p.json", `{"name":"tutor","instruction":"Teach Go.","rotation":{"interval":"20m"}}`)
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p.Name != "tutor" || p.Instruction != "Teach Go." {
		t.Fatalf("profile = %+v", p)
	}
	if p.Voice.Name != "Puck" || p.Orientation != "landscape" {
		t.Fatalf("defaults not kept: %+v", p)
	}
	if p.Rotation.Interval.Std() != 20*time.Minute {
		t.Fatalf("rotation = %v", p.Rotation.Interval.Std())
	}

	def, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile(\"\") error = %v", err)
	}
	if diff := cmp.Diff(DefaultProfile(), def); diff != "" {
		t.Fatalf("default profile mismatch:\n%s", diff)
	}
}

func TestLoadProfile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown field", "a.yaml", "instruction: hi\nvoise: Kore\n", "voise"},
		{"empty instruction", "b.yaml", "instruction: \"  \"\n", "instruction is required"},
		{"bad orientation", "c.yaml", "instruction: hi\norientation: diagonal\n", "orientation"},
		{"short rotation", "d.yaml", "instruction: hi\nrotation:\n  interval: 20s\n", "rotation.interval"},
		{"bad duration", "e.yaml", "instruction: hi\nrotation:\n  interval: soon\n", "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProfile(writeFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadProfile() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
