// Package stream parses the line-delimited JSON ("stream-json") output of
// an AI CLI child process into a typed event stream. The parser is pure:
// it reads lines and emits events eagerly, never buffering to end of
// stream and never dropping a line. Lines that are not valid JSON are
// surfaced verbatim as text events.
package stream

import "encoding/json"

// EventType discriminates the closed set of stream events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventAssistant  EventType = "assistant"
	EventSystem     EventType = "system"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventUnknown    EventType = "unknown"
)

// Usage carries token accounting reported by the CLI.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// ToolUse describes a tool invocation started by the CLI.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	UseID   string `json:"useId"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// AssistantTurn is a complete assistant message, emitted after the text
// and tool_use events extracted from its content blocks.
type AssistantTurn struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// SystemInfo carries initialization and accounting records.
type SystemInfo struct {
	Subtype string         `json:"subtype"`
	Model   string         `json:"model,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ResultInfo is the terminal record of one CLI invocation.
type ResultInfo struct {
	Text       string  `json:"text,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
	APIMs      int64   `json:"apiMs,omitempty"`
	Turns      int     `json:"turns,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
}

// Event is one parsed stream event. Exactly the fields implied by Type
// are populated; Raw holds the original line for unknown types.
type Event struct {
	Type EventType `json:"type"`

	// SessionID is the CLI's own session identifier when the line carried
	// one. The hub stores it as the session's external resume token.
	SessionID string `json:"sessionId,omitempty"`

	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolUse        `json:"toolUse,omitempty"`
	ToolResult *ToolResult     `json:"toolResult,omitempty"`
	Assistant  *AssistantTurn  `json:"assistant,omitempty"`
	System     *SystemInfo     `json:"system,omitempty"`
	Result     *ResultInfo     `json:"result,omitempty"`
	ErrorMsg   string          `json:"error,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}
