package transport

import (
	"testing"

	"google.golang.org/genai"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

func TestLiveConnectConfig_CarriesDescriptor(t *testing.T) {
	desc := types.Descriptor{
		ID:                "desc-1",
		Voice:             types.VoiceProfile{Name: "Puck", Language: "en-US"},
		SystemInstruction: "You are a patient tutor.",
		Tools: []types.ToolDeclaration{{
			Name:        "update_document",
			Description: "Replace the shared document.",
			Parameters: &types.JSONSchema{
				Type:       "object",
				Properties: map[string]types.JSONSchema{"content": {Type: "string"}},
				Required:   []string{"content"},
			},
		}},
	}

	cfg := liveConnectConfig(desc)
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("modalities=%v", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || len(cfg.SystemInstruction.Parts) != 1 || cfg.SystemInstruction.Parts[0].Text != desc.SystemInstruction {
		t.Fatalf("system instruction not carried: %+v", cfg.SystemInstruction)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("expected both transcriptions to be requested")
	}
	voice := cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
	if voice != "Puck" || cfg.SpeechConfig.LanguageCode != "en-US" {
		t.Fatalf("voice=%q language=%q", voice, cfg.SpeechConfig.LanguageCode)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools=%+v", cfg.Tools)
	}
	fn := cfg.Tools[0].FunctionDeclarations[0]
	if fn.Name != "update_document" || fn.Parameters.Type != genai.TypeObject {
		t.Fatalf("declaration=%+v", fn)
	}
	if fn.Parameters.Properties["content"].Type != genai.TypeString {
		t.Fatalf("content property=%+v", fn.Parameters.Properties["content"])
	}
	if len(fn.Parameters.Required) != 1 || fn.Parameters.Required[0] != "content" {
		t.Fatalf("required=%v", fn.Parameters.Required)
	}
}

func TestLiveConnectConfig_NoVoiceNoTools(t *testing.T) {
	cfg := liveConnectConfig(types.Descriptor{SystemInstruction: "base"})
	if cfg.SpeechConfig != nil {
		t.Fatalf("unexpected speech config: %+v", cfg.SpeechConfig)
	}
	if cfg.Tools != nil {
		t.Fatalf("unexpected tools: %+v", cfg.Tools)
	}
	if genaiSchema(nil) != nil {
		t.Fatalf("nil schema should map to nil")
	}
}
