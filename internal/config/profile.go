package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

// Profile describes one kind of conversation: who the agent is, how it
// sounds and which tools it may call.
type Profile struct {
	Name        string             `json:"name" yaml:"name"`
	Model       string             `json:"model,omitempty" yaml:"model,omitempty"`
	Voice       types.VoiceProfile `json:"voice" yaml:"voice"`
	Instruction string             `json:"instruction" yaml:"instruction"`

	// Tools is an allow-list of built-in tool names. Empty allows all.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`

	Checkpoint CheckpointProfile `json:"checkpoint" yaml:"checkpoint"`
	Rotation   RotationProfile   `json:"rotation" yaml:"rotation"`

	// Orientation of the recording surface: landscape or portrait.
	Orientation string `json:"orientation,omitempty" yaml:"orientation,omitempty"`
}

type CheckpointProfile struct {
	Window        int  `json:"window,omitempty" yaml:"window,omitempty"`
	DenseWindow   int  `json:"dense_window,omitempty" yaml:"dense_window,omitempty"`
	DenseMaxChars int  `json:"dense_max_chars,omitempty" yaml:"dense_max_chars,omitempty"`
	Dense         bool `json:"dense,omitempty" yaml:"dense,omitempty"`
}

type RotationProfile struct {
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Jitter   Duration `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Duration accepts "15m"-style strings as well as plain seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscanf(raw, "%g", &secs); err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

const defaultInstruction = "You are a friendly, concise voice assistant. Keep answers short and conversational."

func DefaultProfile() Profile {
	return Profile{
		Name:        "default",
		Voice:       types.VoiceProfile{Name: "Puck"},
		Instruction: defaultInstruction,
		Orientation: "landscape",
	}
}

// LoadProfile reads a YAML or JSON profile. An empty path returns the
// default profile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	p := DefaultProfile()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Profile{}, fmt.Errorf("parse json profile: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Profile{}, fmt.Errorf("parse yaml profile: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Instruction) == "" {
		return fmt.Errorf("instruction is required")
	}
	switch strings.ToLower(p.Orientation) {
	case "", "landscape", "portrait":
	default:
		return fmt.Errorf("orientation must be landscape or portrait")
	}
	if p.Checkpoint.Window < 0 || p.Checkpoint.DenseWindow < 0 || p.Checkpoint.DenseMaxChars < 0 {
		return fmt.Errorf("checkpoint sizes must be >= 0")
	}
	if p.Rotation.Interval != 0 && p.Rotation.Interval.Std() < time.Minute {
		return fmt.Errorf("rotation.interval must be >= 1m")
	}
	if p.Rotation.Jitter < 0 {
		return fmt.Errorf("rotation.jitter must be >= 0")
	}
	return nil
}
