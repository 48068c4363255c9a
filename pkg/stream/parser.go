package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// maxLineSize bounds a single stream-json line. Assistant turns with large
// tool results can run to megabytes; 10MB matches what the CLIs produce.
const maxLineSize = 10 * 1024 * 1024

// cliLine mirrors the subset of the claude-style stream-json wire format
// the hub cares about. The type field selects which members are set.
type cliLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant and user lines
	Message *cliMessage `json:"message,omitempty"`

	// result lines
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	DurationAPIMS     int64           `json:"duration_api_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalCostUSD      float64         `json:"total_cost_usd,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	Usage             *Usage          `json:"usage,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`

	// error lines
	Error string `json:"error,omitempty"`
}

type cliMessage struct {
	Role    string            `json:"role"`
	Model   string            `json:"model,omitempty"`
	Content []cliContentBlock `json:"content,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
}

type cliContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParseLine decodes one stream-json line into its events. A single line
// may yield several events: an assistant message expands to one event per
// content block followed by the assistant turn itself. Unparseable lines
// come back as a single text event carrying the raw line; recognized JSON
// with an unknown type comes back as an unknown event.
func ParseLine(line []byte) []*Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var msg cliLine
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Type == "" {
		// Not stream-json. Some CLIs interleave plain progress text; it is
		// still user-visible output.
		return []*Event{{Type: EventText, Text: trimmed}}
	}

	switch msg.Type {
	case "system":
		return []*Event{parseSystem(&msg)}
	case "assistant":
		return parseAssistant(&msg)
	case "user":
		// Tool results come back on user-role lines.
		return parseToolResults(&msg)
	case "result":
		return []*Event{parseResult(&msg)}
	case "error":
		text := msg.Error
		if text == "" {
			text = trimmed
		}
		return []*Event{{Type: EventError, SessionID: msg.SessionID, ErrorMsg: text}}
	default:
		return []*Event{{Type: EventUnknown, SessionID: msg.SessionID, Raw: json.RawMessage(trimmed)}}
	}
}

func parseSystem(msg *cliLine) *Event {
	info := &SystemInfo{Subtype: msg.Subtype, Model: msg.Model}
	return &Event{Type: EventSystem, SessionID: msg.SessionID, System: info}
}

func parseAssistant(msg *cliLine) []*Event {
	if msg.Message == nil {
		return []*Event{{Type: EventUnknown, SessionID: msg.SessionID}}
	}

	var events []*Event
	var text strings.Builder
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(block.Text)
				events = append(events, &Event{Type: EventText, SessionID: msg.SessionID, Text: block.Text})
			}
		case "tool_use":
			events = append(events, &Event{
				Type:      EventToolUse,
				SessionID: msg.SessionID,
				ToolUse:   &ToolUse{ID: block.ID, Name: block.Name, Input: block.Input},
			})
		}
	}

	model := msg.Message.Model
	if model == "" {
		model = msg.Model
	}
	events = append(events, &Event{
		Type:      EventAssistant,
		SessionID: msg.SessionID,
		Assistant: &AssistantTurn{Message: text.String(), Model: model, Usage: msg.Message.Usage},
	})
	return events
}

func parseToolResults(msg *cliLine) []*Event {
	if msg.Message == nil {
		return nil
	}
	var events []*Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, &Event{
			Type:      EventToolResult,
			SessionID: msg.SessionID,
			ToolResult: &ToolResult{
				UseID:   block.ToolUseID,
				Content: decodeToolContent(block.Content),
				IsError: block.IsError,
			},
		})
	}
	return events
}

// decodeToolContent flattens a tool_result content field, which is either
// a plain string or a list of content blocks.
func decodeToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []cliContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func parseResult(msg *cliLine) *Event {
	usage := msg.Usage
	if usage == nil && (msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0) {
		usage = &Usage{InputTokens: msg.TotalInputTokens, OutputTokens: msg.TotalOutputTokens}
	}
	cost := msg.TotalCostUSD
	if cost == 0 {
		cost = msg.CostUSD
	}

	info := &ResultInfo{
		IsError:    msg.IsError,
		DurationMs: msg.DurationMS,
		APIMs:      msg.DurationAPIMS,
		Turns:      msg.NumTurns,
		Usage:      usage,
		CostUSD:    cost,
	}

	// result is either the final text or an error message string.
	if len(msg.Result) > 0 {
		var s string
		if err := json.Unmarshal(msg.Result, &s); err == nil {
			info.Text = s
		}
	}

	return &Event{Type: EventResult, SessionID: msg.SessionID, Result: info}
}

// Parser reads stream-json lines from a child process and hands out
// events one at a time.
type Parser struct {
	scanner *bufio.Scanner
	pending []*Event
	err     error
}

// NewParser wraps a reader, usually a child process's stdout pipe.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Parser{scanner: scanner}
}

// Next returns the next event. It blocks on the underlying reader and
// returns io.EOF once the stream is exhausted.
func (p *Parser) Next() (*Event, error) {
	for len(p.pending) == 0 {
		if p.err != nil {
			return nil, p.err
		}
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				p.err = err
			} else {
				p.err = io.EOF
			}
			return nil, p.err
		}
		p.pending = ParseLine(p.scanner.Bytes())
	}

	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}
