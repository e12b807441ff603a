package types

import "encoding/json"

// JSONSchema is the subset of JSON Schema used for tool parameters.
type JSONSchema struct {
	Type        string                `json:"type" yaml:"type"`
	Properties  map[string]JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string              `json:"required,omitempty" yaml:"required,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Items       *JSONSchema           `json:"items,omitempty" yaml:"items,omitempty"`
}

// ToolDeclaration advertises a locally handled function to the agent.
type ToolDeclaration struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  *JSONSchema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ToolInvocation is an agent-initiated function call.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult answers exactly one ToolInvocation with the same ID.
type ToolResult struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Result map[string]any `json:"result"`
}

// IsError reports whether the result carries an error description.
func (r ToolResult) IsError() bool {
	_, ok := r.Result["error"]
	return ok
}

// ErrorResult builds an error-shaped result for an invocation.
func ErrorResult(inv ToolInvocation, message string) ToolResult {
	return ToolResult{
		ID:     inv.ID,
		Name:   inv.Name,
		Result: map[string]any{"error": message},
	}
}

// StringArg returns a string argument, or "" and false if absent or not a string.
func (inv ToolInvocation) StringArg(name string) (string, bool) {
	raw, ok := inv.Arguments[name]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}
