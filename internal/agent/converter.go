package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/pkg/claudecode"
)

// activeBlock tracks one open content block during a turn.
type activeBlock struct {
	blockType string
	toolID    string
	toolName  string
	args      strings.Builder
}

// Converter is the streaming state machine that turns the runtime's
// content-block lifecycle into normalized chunks. One Converter exists per
// agent invocation and is discarded afterward.
type Converter struct {
	logger    *logger.Logger
	sink      Sink
	messageID string
	runID     string
	blocks    map[int]*activeBlock
}

// NewConverter creates a converter emitting to sink.
func NewConverter(sink Sink, log *logger.Logger) *Converter {
	if log == nil {
		log = logger.Default()
	}
	return &Converter{
		logger:    log.Named("stream-converter"),
		sink:      sink,
		messageID: uuid.New().String(),
		runID:     uuid.New().String(),
		blocks:    make(map[int]*activeBlock),
	}
}

// RunID returns the stable run identifier for this turn.
func (c *Converter) RunID() string { return c.runID }

// HandleEvent processes one stream event.
func (c *Converter) HandleEvent(event *claudecode.StreamEvent) {
	if event == nil {
		return
	}
	switch event.Type {
	case claudecode.StreamEventContentBlockStart:
		c.handleBlockStart(event)
	case claudecode.StreamEventContentBlockDelta:
		c.handleBlockDelta(event)
	case claudecode.StreamEventContentBlockStop:
		c.handleBlockStop(event)
	}
}

func (c *Converter) handleBlockStart(event *claudecode.StreamEvent) {
	block := &activeBlock{blockType: claudecode.BlockTypeText}
	if event.ContentBlock != nil {
		block.blockType = event.ContentBlock.Type
		block.toolID = event.ContentBlock.ID
		block.toolName = event.ContentBlock.Name
	}
	c.blocks[event.Index] = block

	if block.blockType == claudecode.BlockTypeToolUse {
		c.emit(&Chunk{
			Type:       ChunkToolCallStart,
			ToolCallID: block.toolID,
			ToolName:   block.toolName,
		})
	}
}

func (c *Converter) handleBlockDelta(event *claudecode.StreamEvent) {
	if event.Delta == nil {
		return
	}
	block, ok := c.blocks[event.Index]
	if !ok {
		// Delta for a block we never saw open; treat it as text.
		block = &activeBlock{blockType: claudecode.BlockTypeText}
		c.blocks[event.Index] = block
	}

	switch event.Delta.Type {
	case claudecode.DeltaTypeText:
		if event.Delta.Text != "" {
			c.emit(&Chunk{Type: ChunkText, Text: event.Delta.Text})
		}
	case claudecode.DeltaTypeInputJSON:
		block.args.WriteString(event.Delta.PartialJSON)
		c.emit(&Chunk{
			Type:       ChunkToolCallDelta,
			ToolCallID: block.toolID,
			ToolName:   block.toolName,
			ArgsDelta:  event.Delta.PartialJSON,
		})
	case claudecode.DeltaTypeThinking:
		if event.Delta.Thinking != "" {
			c.emit(&Chunk{Type: ChunkThinking, Text: event.Delta.Thinking})
		}
	}
}

func (c *Converter) handleBlockStop(event *claudecode.StreamEvent) {
	block, ok := c.blocks[event.Index]
	if !ok {
		return
	}
	delete(c.blocks, event.Index)

	if block.blockType != claudecode.BlockTypeToolUse {
		return
	}

	input := parseToolInput(block.args.String(), c.logger)
	c.emit(&Chunk{
		Type:       ChunkToolCallEnd,
		ToolCallID: block.toolID,
		ToolName:   block.toolName,
		Input:      input,
	})
}

// parseToolInput parses accumulated tool argument JSON, falling back to an
// empty object on malformed input.
func parseToolInput(raw string, log *logger.Logger) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		log.Warn("malformed tool input JSON, using empty object",
			zap.String("input", trimmed))
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// HandleResult processes the terminal result message for a turn. A success
// result emits run_finished with usage; an error subtype emits a diagnostic
// text chunk followed by run_error.
func (c *Converter) HandleResult(msg *claudecode.CLIMessage) {
	if msg.IsError || (msg.Subtype != "" && msg.Subtype != claudecode.SubtypeSuccess) {
		diagnostic := errorDiagnostic(msg)
		c.emit(&Chunk{Type: ChunkText, Text: diagnostic})
		c.emit(&Chunk{Type: ChunkRunError, Error: diagnostic})
		return
	}

	finished := &Chunk{
		Type:         ChunkRunFinished,
		FinishReason: normalizeStopReason(msg.StopReason),
	}
	if msg.Usage != nil {
		finished.Usage = &Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}
	}
	c.emit(finished)
}

// normalizeStopReason maps runtime stop reasons to the normalized finish
// reasons.
func normalizeStopReason(stopReason string) string {
	switch stopReason {
	case claudecode.StopReasonMaxTokens:
		return FinishReasonLength
	case claudecode.StopReasonToolUse:
		return FinishReasonToolCalls
	default:
		return FinishReasonStop
	}
}

// errorDiagnostic maps error result subtypes to actionable text.
func errorDiagnostic(msg *claudecode.CLIMessage) string {
	switch msg.Subtype {
	case claudecode.SubtypeErrorMaxTurns:
		return "The agent stopped after reaching the maximum number of turns."
	case claudecode.SubtypeErrorDuringExec:
		if s := msg.GetResultString(); s != "" {
			return "The agent run failed: " + s
		}
		return "The agent run failed during execution."
	default:
		if s := msg.GetResultString(); s != "" {
			return s
		}
		return "The agent run failed."
	}
}

func (c *Converter) emit(chunk *Chunk) {
	chunk.MessageID = c.messageID
	chunk.RunID = c.runID
	if c.sink != nil {
		c.sink(chunk)
	}
}
