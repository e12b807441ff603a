package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// VoiceProfile selects the agent's synthesized voice.
type VoiceProfile struct {
	Name     string `json:"name" yaml:"name"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
}

// Descriptor configures one Transport Session. It is immutable once opened;
// rotation derives a new Descriptor instead of editing the old one.
type Descriptor struct {
	ID                string            `json:"id"`
	Model             string            `json:"model,omitempty"`
	Voice             VoiceProfile      `json:"voice"`
	SystemInstruction string            `json:"system_instruction"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	StartedAt         time.Time         `json:"started_at"`

	// Generation counts Transport Sessions derived from the same conversation.
	Generation int `json:"generation"`
}

// NewDescriptor creates a cold-start descriptor.
func NewDescriptor(model string, voice VoiceProfile, instruction string, tools []ToolDeclaration, now time.Time) Descriptor {
	return Descriptor{
		ID:                uuid.NewString(),
		Model:             strings.TrimSpace(model),
		Voice:             voice,
		SystemInstruction: instruction,
		Tools:             append([]ToolDeclaration(nil), tools...),
		StartedAt:         now,
	}
}

// Derive returns a new descriptor for the next Transport Session with the
// given instruction. Voice, model, and tools carry over.
func (d Descriptor) Derive(instruction string, now time.Time) Descriptor {
	next := d
	next.ID = uuid.NewString()
	next.SystemInstruction = instruction
	next.Tools = append([]ToolDeclaration(nil), d.Tools...)
	next.StartedAt = now
	next.Generation = d.Generation + 1
	return next
}

// Checkpoint is a bounded, lossy summary of recent conversation used to
// reseed a rotated or reconnected session. It is never persisted.
type Checkpoint struct {
	InstructionText string            `json:"instruction_text"`
	Window          []TranscriptEntry `json:"window"`
	Dropped         int               `json:"dropped"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Empty reports whether the checkpoint carries no replayed history.
func (c Checkpoint) Empty() bool {
	return len(c.Window) == 0
}
