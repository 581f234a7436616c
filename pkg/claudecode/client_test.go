package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestClientParsesMessages(t *testing.T) {
	stdout := strings.NewReader(strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"native-1"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}}`,
		`{"type":"result","subtype":"success","stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`,
	}, "\n") + "\n")

	client := NewClient(io.Discard, stdout, newTestLogger())

	var messages []*CLIMessage
	client.SetMessageHandler(func(msg *CLIMessage) {
		messages = append(messages, msg)
	})

	done := client.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Type != MessageTypeSystem || messages[0].SessionID != "native-1" {
		t.Errorf("unexpected init message: %+v", messages[0])
	}
	if messages[1].Event == nil || messages[1].Event.Delta.Text != "hi" {
		t.Errorf("unexpected stream event: %+v", messages[1])
	}
	if messages[2].Usage == nil || messages[2].Usage.InputTokens != 10 {
		t.Errorf("unexpected result: %+v", messages[2])
	}
}

func TestClientRoutesControlRequests(t *testing.T) {
	stdout := strings.NewReader(
		`{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n")

	client := NewClient(io.Discard, stdout, newTestLogger())

	var gotID string
	var gotReq *ControlRequest
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		gotID = requestID
		gotReq = req
	})
	client.SetMessageHandler(func(msg *CLIMessage) {
		t.Errorf("control request leaked to message handler: %+v", msg)
	})

	done := client.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	if gotID != "req-1" || gotReq == nil || gotReq.ToolName != "Bash" {
		t.Errorf("unexpected control request: %q %+v", gotID, gotReq)
	}
}

func TestClientDeniesWithoutHandler(t *testing.T) {
	stdout := strings.NewReader(
		`{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n")

	var stdin bytes.Buffer
	client := NewClient(&stdin, stdout, newTestLogger())

	done := client.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response written to stdin: %v", err)
	}
	if resp.RequestID != "req-1" || resp.Response == nil || resp.Response.Result == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Response.Result.Behavior != BehaviorDeny {
		t.Error("expected deny when no handler is registered")
	}
}

func TestClientSendUserMessage(t *testing.T) {
	var stdin bytes.Buffer
	client := NewClient(&stdin, strings.NewReader(""), newTestLogger())

	if err := client.SendUserMessage("do the thing"); err != nil {
		t.Fatal(err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeUser || msg.Message.Role != "user" || msg.Message.Content != "do the thing" {
		t.Errorf("unexpected user message: %+v", msg)
	}
}
