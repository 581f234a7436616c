// Package agent invokes the external agent runtime for one conversation
// turn: it manages session resumption, human-in-the-loop tool permissioning
// and converts the runtime's streaming events into the normalized chunk
// protocol the rest of the product consumes.
package agent

import "encoding/json"

// ChunkType identifies a normalized protocol chunk.
type ChunkType string

const (
	// ChunkText carries incremental assistant text.
	ChunkText ChunkType = "text"
	// ChunkThinking carries incremental reasoning text.
	ChunkThinking ChunkType = "thinking"
	// ChunkToolCallStart opens a tool call.
	ChunkToolCallStart ChunkType = "tool_call_start"
	// ChunkToolCallDelta carries an incremental tool argument fragment.
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	// ChunkToolCallEnd closes a tool call and carries the parsed input.
	ChunkToolCallEnd ChunkType = "tool_call_end"
	// ChunkSessionInitialized reports the runtime's native session id.
	ChunkSessionInitialized ChunkType = "session_initialized"
	// ChunkRunFinished ends a successful run with usage and finish reason.
	ChunkRunFinished ChunkType = "run_finished"
	// ChunkRunError ends a failed run.
	ChunkRunError ChunkType = "run_error"
)

// Normalized finish reasons.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

// Usage is normalized token usage for a run.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Chunk is one event of the normalized protocol. Fields are populated
// depending on Type.
type Chunk struct {
	Type      ChunkType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`

	// For text / thinking chunks (and the diagnostic text accompanying a
	// run error).
	Text string `json:"text,omitempty"`

	// For tool call chunks.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsDelta  string          `json:"args_delta,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// For session_initialized chunks.
	NativeSessionID string `json:"native_session_id,omitempty"`

	// For run_finished chunks.
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// For run_error chunks.
	Error string `json:"error,omitempty"`
}

// Sink receives normalized chunks as they are produced.
type Sink func(chunk *Chunk)
