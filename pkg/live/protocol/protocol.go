package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCM16LE = "pcm_s16le"
)

// Error codes the endpoint uses in ServerError.Code.
const (
	CodeRateLimited  = "rate_limited"
	CodeQuota        = "resource_exhausted"
	CodeBadRequest   = "bad_request"
	CodeUnsupported  = "unsupported"
	CodeInternal     = "internal"
	CodeUnauthorized = "unauthorized"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type SetupVoice struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

type ClientSetup struct {
	Type              string                  `json:"type"`
	ProtocolVersion   string                  `json:"protocol_version"`
	SessionID         string                  `json:"session_id"`
	Model             string                  `json:"model,omitempty"`
	Voice             SetupVoice              `json:"voice"`
	SystemInstruction string                  `json:"system_instruction"`
	Tools             []types.ToolDeclaration `json:"tools,omitempty"`
	AudioIn           AudioFormat             `json:"audio_in"`
	AudioOut          AudioFormat             `json:"audio_out"`
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolResultPayload struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

type ClientToolResponse struct {
	Type    string              `json:"type"`
	Results []ToolResultPayload `json:"results"`
}

type ServerSetupComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type ServerAudioChunk struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ServerTranscriptDelta struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type ToolCallPayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ServerToolCall struct {
	Type  string            `json:"type"`
	Calls []ToolCallPayload `json:"calls"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

type ServerGoAway struct {
	Type       string `json:"type"`
	TimeLeftMS int64  `json:"time_left_ms,omitempty"`
}

// DecodeServerMessage decodes one text frame from the endpoint into one of
// the Server* message types.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "setup_complete":
		var msg ServerSetupComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup_complete", "")
		}
		return msg, nil
	case "audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "transcript_delta":
		var msg ServerTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript_delta", "")
		}
		switch types.Role(msg.Role) {
		case types.RoleUser, types.RoleAgent:
		default:
			return nil, badRequest("transcript_delta.role must be user or agent", "role")
		}
		return msg, nil
	case "tool_call":
		var msg ServerToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_call", "")
		}
		for i, call := range msg.Calls {
			if strings.TrimSpace(call.ID) == "" {
				return nil, badRequest("tool_call.calls[].id is required", fmt.Sprintf("calls[%d].id", i))
			}
			if strings.TrimSpace(call.Name) == "" {
				return nil, badRequest("tool_call.calls[].name is required", fmt.Sprintf("calls[%d].name", i))
			}
		}
		return msg, nil
	case "turn_complete":
		return ServerTurnComplete{Type: typ}, nil
	case "interrupted":
		return ServerInterrupted{Type: typ}, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	case "go_away":
		var msg ServerGoAway
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid go_away", "")
		}
		return msg, nil
	default:
		return nil, &DecodeError{Code: CodeUnsupported, Message: "unsupported message type", Param: typ}
	}
}

// ValidateSetup checks a setup frame before it is sent.
func ValidateSetup(msg ClientSetup) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("setup.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.SystemInstruction) == "" {
		return badRequest("setup.system_instruction is required", "system_instruction")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" || msg.AudioIn.SampleRateHz <= 0 || msg.AudioIn.Channels <= 0 {
		return badRequest("setup.audio_in is incomplete", "audio_in")
	}
	if strings.TrimSpace(msg.AudioOut.Encoding) == "" || msg.AudioOut.SampleRateHz <= 0 || msg.AudioOut.Channels <= 0 {
		return badRequest("setup.audio_out is incomplete", "audio_out")
	}
	seen := make(map[string]struct{}, len(msg.Tools))
	for i, tool := range msg.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return badRequest("setup.tools entries must have a name", fmt.Sprintf("tools[%d].name", i))
		}
		if _, dup := seen[name]; dup {
			return badRequest("setup.tools names must be unique", fmt.Sprintf("tools[%d].name", i))
		}
		seen[name] = struct{}{}
	}
	return nil
}
