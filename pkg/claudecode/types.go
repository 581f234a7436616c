// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. The CLI emits newline-delimited JSON on stdout and
// accepts control messages on stdin, including permission handshakes.
package claudecode

import "encoding/json"

// Message types from the Claude Code CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains a complete assistant message
	MessageTypeAssistant = "assistant"
	// MessageTypeStreamEvent carries incremental content-block events
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// Result message subtypes.
const (
	SubtypeSuccess            = "success"
	SubtypeErrorMaxTurns      = "error_max_turns"
	SubtypeErrorDuringExec    = "error_during_execution"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Stream event types (content-block lifecycle).
const (
	StreamEventMessageStart      = "message_start"
	StreamEventMessageStop       = "message_stop"
	StreamEventContentBlockStart = "content_block_start"
	StreamEventContentBlockDelta = "content_block_delta"
	StreamEventContentBlockStop  = "content_block_stop"
)

// Delta types within content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// Content block types.
const (
	BlockTypeText     = "text"
	BlockTypeToolUse  = "tool_use"
	BlockTypeThinking = "thinking"
)

// Stop reasons reported in the result message.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, stream_event, result, control_request, ...)
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages (responses to requests we sent)
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For result messages. Result can be either a string (error message) or
	// an object, so it is kept raw.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`

	// RawContent preserves the raw line for callers that need fields this
	// struct does not model. Set by the client, never serialized.
	RawContent []byte `json:"-"`
}

// IncomingControlResponse is a response from the CLI to a control request we
// sent. The request id lives inside the response object.
type IncomingControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// GetResultString returns the Result field as a string when it is one.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// StreamEvent is one incremental event in the content-block lifecycle.
type StreamEvent struct {
	Type string `json:"type"`

	// Index identifies the content block the event applies to.
	Index int `json:"index"`

	// For content_block_start events
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta events
	Delta *Delta `json:"delta,omitempty"`
}

// ContentBlock describes a block opened by content_block_start.
type ContentBlock struct {
	Type string `json:"type"`

	// For tool_use blocks
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// For text blocks
	Text string `json:"text,omitempty"`
}

// Delta carries the incremental payload of a content_block_delta event.
type Delta struct {
	Type string `json:"type"`

	// For text_delta
	Text string `json:"text,omitempty"`

	// For input_json_delta (tool argument fragments)
	PartialJSON string `json:"partial_json,omitempty"`

	// For thinking_delta
	Thinking string `json:"thinking,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest represents a control request from Claude Code CLI,
// currently permission requests (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to Claude Code CLI
// (e.g. interrupt).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
