package agent

import (
	"encoding/json"
	"testing"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/pkg/claudecode"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func collectChunks() (*[]*Chunk, Sink) {
	chunks := &[]*Chunk{}
	return chunks, func(chunk *Chunk) {
		*chunks = append(*chunks, chunk)
	}
}

func toolUseStart(index int, id, name string) *claudecode.StreamEvent {
	return &claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockStart,
		Index: index,
		ContentBlock: &claudecode.ContentBlock{
			Type: claudecode.BlockTypeToolUse,
			ID:   id,
			Name: name,
		},
	}
}

func inputJSONDelta(index int, partial string) *claudecode.StreamEvent {
	return &claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockDelta,
		Index: index,
		Delta: &claudecode.Delta{
			Type:        claudecode.DeltaTypeInputJSON,
			PartialJSON: partial,
		},
	}
}

func blockStop(index int) *claudecode.StreamEvent {
	return &claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockStop,
		Index: index,
	}
}

func TestConverterToolCallRoundTrip(t *testing.T) {
	chunks, sink := collectChunks()
	c := NewConverter(sink, newTestLogger())

	c.HandleEvent(toolUseStart(0, "toolu_1", "Bash"))
	c.HandleEvent(inputJSONDelta(0, `{"command":`))
	c.HandleEvent(inputJSONDelta(0, `"ls -la"}`))
	c.HandleEvent(blockStop(0))

	got := *chunks
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(got))
	}

	if got[0].Type != ChunkToolCallStart || got[0].ToolCallID != "toolu_1" || got[0].ToolName != "Bash" {
		t.Errorf("unexpected start chunk: %+v", got[0])
	}
	if got[1].Type != ChunkToolCallDelta || got[1].ArgsDelta != `{"command":` {
		t.Errorf("unexpected first delta: %+v", got[1])
	}
	if got[2].Type != ChunkToolCallDelta || got[2].ArgsDelta != `"ls -la"}` {
		t.Errorf("unexpected second delta: %+v", got[2])
	}

	end := got[3]
	if end.Type != ChunkToolCallEnd || end.ToolCallID != "toolu_1" {
		t.Fatalf("unexpected end chunk: %+v", end)
	}
	var input map[string]any
	if err := json.Unmarshal(end.Input, &input); err != nil {
		t.Fatalf("end input is not valid JSON: %v", err)
	}
	if input["command"] != "ls -la" {
		t.Errorf("parsed input mismatch: %v", input)
	}

	for _, chunk := range got {
		if chunk.MessageID == "" || chunk.RunID == "" {
			t.Error("expected stable message and run ids on every chunk")
		}
		if chunk.RunID != c.RunID() {
			t.Error("run id mismatch")
		}
	}
}

func TestConverterMalformedToolInput(t *testing.T) {
	chunks, sink := collectChunks()
	c := NewConverter(sink, newTestLogger())

	c.HandleEvent(toolUseStart(0, "toolu_1", "Bash"))
	c.HandleEvent(inputJSONDelta(0, `{"command": "unterminated`))
	c.HandleEvent(blockStop(0))

	got := *chunks
	end := got[len(got)-1]
	if end.Type != ChunkToolCallEnd {
		t.Fatalf("expected tool call end, got %+v", end)
	}
	if string(end.Input) != "{}" {
		t.Errorf("expected empty-object fallback, got %s", end.Input)
	}
}

func TestConverterEmptyToolInput(t *testing.T) {
	chunks, sink := collectChunks()
	c := NewConverter(sink, newTestLogger())

	c.HandleEvent(toolUseStart(2, "toolu_9", "Read"))
	c.HandleEvent(blockStop(2))

	got := *chunks
	if string(got[len(got)-1].Input) != "{}" {
		t.Errorf("expected empty object for tool with no args, got %s", got[len(got)-1].Input)
	}
}

func TestConverterTextAndThinking(t *testing.T) {
	chunks, sink := collectChunks()
	c := NewConverter(sink, newTestLogger())

	c.HandleEvent(&claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockStart,
		Index: 0,
		ContentBlock: &claudecode.ContentBlock{
			Type: claudecode.BlockTypeThinking,
		},
	})
	c.HandleEvent(&claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockDelta,
		Index: 0,
		Delta: &claudecode.Delta{Type: claudecode.DeltaTypeThinking, Thinking: "hmm"},
	})
	c.HandleEvent(blockStop(0))
	c.HandleEvent(&claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockStart,
		Index: 1,
		ContentBlock: &claudecode.ContentBlock{
			Type: claudecode.BlockTypeText,
		},
	})
	c.HandleEvent(&claudecode.StreamEvent{
		Type:  claudecode.StreamEventContentBlockDelta,
		Index: 1,
		Delta: &claudecode.Delta{Type: claudecode.DeltaTypeText, Text: "hello"},
	})

	got := *chunks
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks (no start/stop chunks for non-tool blocks), got %d", len(got))
	}
	if got[0].Type != ChunkThinking || got[0].Text != "hmm" {
		t.Errorf("unexpected thinking chunk: %+v", got[0])
	}
	if got[1].Type != ChunkText || got[1].Text != "hello" {
		t.Errorf("unexpected text chunk: %+v", got[1])
	}
}

func TestConverterResultSuccess(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{claudecode.StopReasonEndTurn, FinishReasonStop},
		{claudecode.StopReasonMaxTokens, FinishReasonLength},
		{claudecode.StopReasonToolUse, FinishReasonToolCalls},
		{"", FinishReasonStop},
	}
	for _, tt := range tests {
		chunks, sink := collectChunks()
		c := NewConverter(sink, newTestLogger())

		c.HandleResult(&claudecode.CLIMessage{
			Type:       claudecode.MessageTypeResult,
			Subtype:    claudecode.SubtypeSuccess,
			StopReason: tt.stopReason,
			Usage:      &claudecode.Usage{InputTokens: 100, OutputTokens: 25},
		})

		got := *chunks
		if len(got) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(got))
		}
		if got[0].Type != ChunkRunFinished || got[0].FinishReason != tt.want {
			t.Errorf("stop reason %q: unexpected chunk %+v", tt.stopReason, got[0])
		}
		if got[0].Usage == nil || got[0].Usage.InputTokens != 100 || got[0].Usage.OutputTokens != 25 {
			t.Errorf("unexpected usage: %+v", got[0].Usage)
		}
	}
}

func TestConverterResultError(t *testing.T) {
	chunks, sink := collectChunks()
	c := NewConverter(sink, newTestLogger())

	c.HandleResult(&claudecode.CLIMessage{
		Type:    claudecode.MessageTypeResult,
		Subtype: claudecode.SubtypeErrorMaxTurns,
		IsError: true,
	})

	got := *chunks
	if len(got) != 2 {
		t.Fatalf("expected diagnostic text + run error, got %d chunks", len(got))
	}
	if got[0].Type != ChunkText || got[0].Text == "" {
		t.Errorf("expected diagnostic text chunk, got %+v", got[0])
	}
	if got[1].Type != ChunkRunError || got[1].Error == "" {
		t.Errorf("expected run error chunk, got %+v", got[1])
	}
}
