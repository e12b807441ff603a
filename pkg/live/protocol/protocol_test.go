package protocol

import (
	"testing"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

func validSetup() ClientSetup {
	return ClientSetup{
		Type:              "setup",
		ProtocolVersion:   ProtocolVersion1,
		SessionID:         "s1",
		Voice:             SetupVoice{Name: "Puck"},
		SystemInstruction: "You are a helpful tutor.",
		AudioIn:           AudioFormat{Encoding: EncodingPCM16LE, SampleRateHz: 16000, Channels: 1},
		AudioOut:          AudioFormat{Encoding: EncodingPCM16LE, SampleRateHz: 24000, Channels: 1},
	}
}

func TestValidateSetup(t *testing.T) {
	if err := ValidateSetup(validSetup()); err != nil {
		t.Fatalf("ValidateSetup() error = %v", err)
	}

	noInstruction := validSetup()
	noInstruction.SystemInstruction = "  "
	if err := ValidateSetup(noInstruction); err == nil {
		t.Fatalf("expected error for empty instruction")
	}

	dupTools := validSetup()
	dupTools.Tools = []types.ToolDeclaration{{Name: "save_artifact"}, {Name: "save_artifact"}}
	err := ValidateSetup(dupTools)
	if err == nil {
		t.Fatalf("expected error for duplicate tools")
	}
	decErr, ok := err.(*DecodeError)
	if !ok || decErr.Param != "tools[1].name" {
		t.Fatalf("err=%#v", err)
	}
}

func TestDecodeServerMessage_TranscriptDelta(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"transcript_delta","role":"agent","text":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	delta, ok := msg.(ServerTranscriptDelta)
	if !ok || delta.Role != "agent" || delta.Text != "hi" {
		t.Fatalf("decoded=%#v", msg)
	}

	if _, err := DecodeServerMessage([]byte(`{"type":"transcript_delta","role":"narrator","text":"x"}`)); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestDecodeServerMessage_ToolCall(t *testing.T) {
	raw := []byte(`{"type":"tool_call","calls":[{"id":"c1","name":"update_document","arguments":{"content":"X"}}]}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	call := msg.(ServerToolCall)
	if len(call.Calls) != 1 || call.Calls[0].Arguments["content"] != "X" {
		t.Fatalf("calls=%+v", call.Calls)
	}

	_, err = DecodeServerMessage([]byte(`{"type":"tool_call","calls":[{"name":"x"}]}`))
	if err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestDecodeServerMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{name: "invalid json", raw: `{`, code: CodeBadRequest},
		{name: "missing type", raw: `{"x":1}`, code: CodeBadRequest},
		{name: "unknown type", raw: `{"type":"mystery"}`, code: CodeUnsupported},
		{name: "audio without data", raw: `{"type":"audio_chunk"}`, code: CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerMessage([]byte(tt.raw))
			decErr, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("err type = %T", err)
			}
			if decErr.Code != tt.code {
				t.Fatalf("code=%q, want %q", decErr.Code, tt.code)
			}
		})
	}
}

func TestDecodeServerMessage_ControlFrames(t *testing.T) {
	for _, raw := range []string{`{"type":"turn_complete"}`, `{"type":"interrupted"}`, `{"type":"setup_complete","session_id":"s"}`, `{"type":"go_away","time_left_ms":500}`} {
		if _, err := DecodeServerMessage([]byte(raw)); err != nil {
			t.Fatalf("DecodeServerMessage(%s) error = %v", raw, err)
		}
	}
	msg, err := DecodeServerMessage([]byte(`{"type":"error","code":"resource_exhausted","message":"quota","close":true}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	if e := msg.(ServerError); e.Code != CodeQuota || !e.Close {
		t.Fatalf("error frame=%+v", e)
	}
}
