package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/common/stringutil"
	"github.com/agentdesk/agentdesk/pkg/claudecode"
)

// ErrRunFailed is returned when the runtime reports an error result for the
// turn. The diagnostic details were already delivered through the sink.
var ErrRunFailed = errors.New("agent run failed")

// RunnerConfig configures the agent runner.
type RunnerConfig struct {
	// Binary is the agent CLI executable.
	Binary string

	// MaxTurns caps internal tool-use iterations for one logical turn.
	MaxTurns int

	// PermissionTimeout bounds how long a tool permission may stay pending
	// before it is denied.
	PermissionTimeout time.Duration
}

// PermissionRequest is handed to a permission callback.
type PermissionRequest struct {
	ID       string
	ToolName string
	Input    map[string]any
}

// PermissionFunc decides a tool permission. Implementations must return
// promptly or respect ctx cancellation.
type PermissionFunc func(ctx context.Context, req *PermissionRequest) (Decision, string)

// ExecuteParams describes one agent invocation.
type ExecuteParams struct {
	// SessionID is the logical session; used as the resumption cache key.
	SessionID string

	// Prompt is the user content for this turn.
	Prompt string

	// WorkingDir is the directory the agent runs in.
	WorkingDir string

	// Model selects the runtime model. Empty uses the runtime default.
	Model string

	// AutoApprove runs fully autonomously, bypassing tool permissioning.
	AutoApprove bool

	// AllowedTools / DisallowedTools are forwarded to the runtime.
	AllowedTools    []string
	DisallowedTools []string

	// Env is appended to the inherited environment.
	Env []string

	// Sink receives normalized chunks.
	Sink Sink

	// OnPermission decides tool permissions. Nil falls back to the broker's
	// pending-permission mechanism (UI resolves out of band, timeout denies).
	OnPermission PermissionFunc
}

// Runner invokes the agent runtime for one logical turn per call.
type Runner struct {
	logger *logger.Logger
	config RunnerConfig
	cache  *SessionCache
	broker *PermissionBroker
}

// NewRunner creates an agent runner.
func NewRunner(cfg RunnerConfig, cache *SessionCache, broker *PermissionBroker, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 25
	}
	return &Runner{
		logger: log.Named("agent-runner"),
		config: cfg,
		cache:  cache,
		broker: broker,
	}
}

// Broker exposes the permission broker so API handlers can resolve pending
// permissions.
func (r *Runner) Broker() *PermissionBroker { return r.broker }

// buildArgs assembles the CLI invocation for one streaming turn.
func (r *Runner) buildArgs(params ExecuteParams, resumeID string) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
		"--include-partial-messages",
		"--max-turns", fmt.Sprintf("%d", r.config.MaxTurns),
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if params.AutoApprove {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	if len(params.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(params.AllowedTools, ","))
	}
	if len(params.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(params.DisallowedTools, ","))
	}
	return args
}

// ExecuteAgent runs exactly one logical turn, streaming normalized chunks
// to params.Sink. Cancellation through ctx aborts the invocation and is a
// successful termination: the function returns nil. Runtime error results
// return ErrRunFailed after the diagnostic chunks have been emitted.
func (r *Runner) ExecuteAgent(ctx context.Context, params ExecuteParams) error {
	resumeID, resumed := "", false
	if r.cache != nil {
		resumeID, resumed = r.cache.Get(params.SessionID)
	}

	log := r.logger.WithSessionID(params.SessionID)
	log.Info("starting agent turn",
		zap.String("working_dir", params.WorkingDir),
		zap.Bool("resumed", resumed),
		zap.String("prompt_preview", stringutil.Preview(params.Prompt, 80)))

	cmd := exec.CommandContext(ctx, r.config.Binary, r.buildArgs(params, resumeID)...)
	cmd.Dir = params.WorkingDir
	cmd.Env = append(os.Environ(), params.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	client := claudecode.NewClient(stdin, stdout, log)
	converter := NewConverter(params.Sink, log)

	resultCh := make(chan *claudecode.CLIMessage, 1)
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.Subtype == claudecode.SubtypeInit && msg.SessionID != "" {
				r.handleInit(params, msg.SessionID, log)
			}
		case claudecode.MessageTypeStreamEvent:
			converter.HandleEvent(msg.Event)
		case claudecode.MessageTypeResult:
			converter.HandleResult(msg)
			select {
			case resultCh <- msg:
			default:
			}
		}
	})
	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		if req.Subtype != claudecode.SubtypeCanUseTool {
			return
		}
		go r.handlePermission(ctx, client, requestID, req, params)
	})

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent runtime: %w", err)
	}

	readDone := client.Start(ctx)
	defer client.Stop()

	if err := client.SendUserMessage(params.Prompt); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	// One logical turn: wait for the result message, then let the process
	// exit by closing stdin.
	var result *claudecode.CLIMessage
	aborted := false
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		aborted = true
	case <-readDone:
		// Process closed stdout without a result message.
	}

	if aborted {
		// Abort is a successful termination, never conflated with failure.
		_ = client.Interrupt()
		if r.broker != nil {
			r.broker.AbortAll()
		}
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		log.Info("agent turn aborted")
		return nil
	}

	_ = stdin.Close()
	waitErr := cmd.Wait()

	if result == nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		log.Error("agent runtime exited without result", zap.String("detail", detail))
		if params.Sink != nil {
			converter.emit(&Chunk{Type: ChunkRunError, Error: "agent runtime exited unexpectedly: " + detail})
		}
		return fmt.Errorf("agent runtime exited without result: %s", detail)
	}

	if result.IsError || (result.Subtype != "" && result.Subtype != claudecode.SubtypeSuccess) {
		log.Warn("agent turn failed",
			zap.String("subtype", result.Subtype),
			zap.Int("num_turns", result.NumTurns))
		return fmt.Errorf("%w: %s", ErrRunFailed, result.Subtype)
	}

	log.Info("agent turn finished",
		zap.Int("num_turns", result.NumTurns),
		zap.Int64("duration_ms", result.DurationMS))
	return nil
}

// handleInit stores the native session id for resumption and emits the
// session_initialized chunk.
func (r *Runner) handleInit(params ExecuteParams, nativeSessionID string, log *logger.Logger) {
	if r.cache != nil && params.SessionID != "" {
		r.cache.Put(params.SessionID, nativeSessionID)
	}
	log.Info("agent session initialized", zap.String("native_session_id", nativeSessionID))
	if params.Sink != nil {
		params.Sink(&Chunk{
			Type:            ChunkSessionInitialized,
			NativeSessionID: nativeSessionID,
		})
	}
}

// handlePermission resolves one can_use_tool request and answers the CLI.
func (r *Runner) handlePermission(ctx context.Context, client *claudecode.Client, requestID string, req *claudecode.ControlRequest, params ExecuteParams) {
	decision, message := r.decidePermission(ctx, requestID, req, params)

	resp := &claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result: &claudecode.PermissionResult{
				Behavior: string(decision),
				Message:  message,
			},
		},
	}
	if err := client.SendControlResponse(resp); err != nil {
		r.logger.Warn("failed to send permission response",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func (r *Runner) decidePermission(ctx context.Context, requestID string, req *claudecode.ControlRequest, params ExecuteParams) (Decision, string) {
	if params.AutoApprove {
		return DecisionAllow, ""
	}

	if params.OnPermission != nil {
		return params.OnPermission(ctx, &PermissionRequest{
			ID:       requestID,
			ToolName: req.ToolName,
			Input:    req.Input,
		})
	}

	if r.broker == nil {
		return DecisionDeny, "no permission handler available"
	}

	pending := r.broker.Create(requestID, req.ToolName, req.Input)
	select {
	case res := <-pending.Wait():
		return res.Decision, res.Message
	case <-ctx.Done():
		r.broker.Abort(requestID)
		return DecisionDeny, "run aborted"
	}
}
