package execution

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdesk/agentdesk/internal/db"
	"github.com/agentdesk/agentdesk/internal/pty"
	"github.com/agentdesk/agentdesk/internal/worktree"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"don't stop", `'don'\''t stop'`},
		{"''", `''\'''\'''`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestShellQuoteRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	prompt := "Fix the user's login; don't touch `config` or \"$HOME\" paths"
	out, err := exec.Command("sh", "-c", "printf %s "+shellQuote(prompt)).Output()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != prompt {
		t.Errorf("quoted prompt did not survive the shell: %q", out)
	}
}

func TestMapAgentFailure(t *testing.T) {
	tests := []struct {
		exitCode int
		signal   string
		output   string
		want     string
	}{
		{127, "", "", "agent executable not found; check the agent binary configuration"},
		{1, "", "sh: claude: command not found", "agent executable not found; check the agent binary configuration"},
		{0, "SIGKILL", "", "agent process terminated by signal SIGKILL"},
		{2, "", "", "agent exited with code 2"},
	}
	for _, tt := range tests {
		if got := mapAgentFailure(tt.exitCode, tt.signal, tt.output); got != tt.want {
			t.Errorf("mapAgentFailure(%d, %q) = %q, want %q", tt.exitCode, tt.signal, got, tt.want)
		}
	}
}

func TestAgentCommand(t *testing.T) {
	e := &TaskExecutor{config: TaskExecutorConfig{AgentBinary: "claude", AgentModel: "sonnet"}}
	got := e.agentCommand("do the task")
	want := "claude --model 'sonnet' -p 'do the task'"
	if got != want {
		t.Errorf("agentCommand = %q, want %q", got, want)
	}

	e.config.AgentModel = ""
	if got := e.agentCommand("x"); got != "claude -p 'x'" {
		t.Errorf("agentCommand without model = %q", got)
	}
}

func TestBuildPromptIncludesMemoryAndInstructions(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddMemory(context.Background(), "proj-1", "run make generate after schema edits"); err != nil {
		t.Fatal(err)
	}

	e := NewTaskExecutor(TaskExecutorConfig{}, nil, nil, store, nil, newTestLogger())
	job := NewJob(v1.Task{
		ID:          "task-1",
		ProjectID:   "proj-1",
		Title:       "Fix login bug",
		Description: "Sessions expire immediately.",
	}, "/repo")

	prompt := e.buildPrompt(context.Background(), job)
	for _, want := range []string{
		"Fix login bug",
		"Sessions expire immediately.",
		"run make generate after schema edits",
		commitInstruction,
		blockerInstruction,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

// recorderReporter records progress transitions and lock traffic.
type recorderReporter struct {
	mu       sync.Mutex
	updates  []ProgressUpdate
	acquires int32
	releases int32
}

func (r *recorderReporter) UpdateProgress(taskID string, update ProgressUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
}

func (r *recorderReporter) AcquireProjectLock(projectID string) { atomic.AddInt32(&r.acquires, 1) }
func (r *recorderReporter) ReleaseProjectLock(projectID string) { atomic.AddInt32(&r.releases, 1) }

func (r *recorderReporter) statuses() []v1.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]v1.ExecutionStatus, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func (r *recorderReporter) final() ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return ProgressUpdate{}
	}
	return r.updates[len(r.updates)-1]
}

func (r *recorderReporter) worktreeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.updates {
		if u.WorktreeID != "" {
			return u.WorktreeID
		}
	}
	return ""
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	store, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// newTestExecutor wires a real worktree manager and PTY bridge around a git
// repository and returns the executor plus the repository path.
func newTestExecutor(t *testing.T, cfg TaskExecutorConfig) (*TaskExecutor, *worktree.Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	parent := t.TempDir()
	repoPath := filepath.Join(parent, "repo")
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		t.Fatal(err)
	}
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, output)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	wtStore, err := worktree.NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}
	worktrees, err := worktree.NewManager(worktree.Config{}, wtStore, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	execStore, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}

	bridge := pty.NewBridge(nil, newTestLogger())
	t.Cleanup(bridge.KillAll)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.HardTimeout == 0 {
		cfg.HardTimeout = 10 * time.Second
	}
	return NewTaskExecutor(cfg, worktrees, bridge, execStore, nil, newTestLogger()), worktrees, repoPath
}

// writeAgentStub installs a fake agent script and returns its path.
func writeAgentStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func execJob(id, repoPath string) *Job {
	return NewJob(v1.Task{ID: id, ProjectID: "proj-1", Title: "fix login bug"}, repoPath)
}

func TestExecuteCompletesTask(t *testing.T) {
	agent := writeAgentStub(t, "exit 0")
	e, worktrees, repoPath := newTestExecutor(t, TaskExecutorConfig{AgentBinary: agent})

	job := execJob("task-1", repoPath)
	rep := &recorderReporter{}
	e.Execute(context.Background(), job, rep)

	if got := rep.final().Status; got != v1.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s (updates: %v)", got, rep.statuses())
	}
	if rep.acquires != 1 || rep.releases != 1 {
		t.Errorf("project lock not balanced: %d acquires, %d releases", rep.acquires, rep.releases)
	}

	// The worktree survives a successful run so the user can review the work.
	wt, err := worktrees.GetByID(context.Background(), rep.worktreeID())
	if err != nil {
		t.Fatal(err)
	}
	if wt == nil || wt.Status != worktree.StatusActive {
		t.Errorf("expected active worktree after success, got %+v", wt)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Errorf("worktree directory missing: %v", err)
	}
}

func TestExecuteMissingAgentFailsWithActionableError(t *testing.T) {
	e, worktrees, repoPath := newTestExecutor(t, TaskExecutorConfig{
		AgentBinary: "agentdesk-no-such-agent-binary",
	})

	job := execJob("task-1", repoPath)
	rep := &recorderReporter{}
	e.Execute(context.Background(), job, rep)

	final := rep.final()
	if final.Status != v1.ExecutionStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "agent executable not found") {
		t.Errorf("expected actionable error, got %q", final.Error)
	}

	// A failed run cleans up its worktree.
	wt, err := worktrees.GetByID(context.Background(), rep.worktreeID())
	if err != nil {
		t.Fatal(err)
	}
	if wt == nil || wt.Status != worktree.StatusDeleted {
		t.Errorf("expected worktree marked deleted, got %+v", wt)
	}
}

func TestExecuteCancelKeepsWorktree(t *testing.T) {
	agent := writeAgentStub(t, "sleep 30")
	e, worktrees, repoPath := newTestExecutor(t, TaskExecutorConfig{AgentBinary: agent})

	job := execJob("task-1", repoPath)
	rep := &recorderReporter{}

	done := make(chan struct{})
	go func() {
		e.Execute(context.Background(), job, rep)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		statuses := rep.statuses()
		if len(statuses) > 0 && statuses[len(statuses)-1] == v1.ExecutionStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job.Cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after cancel")
	}

	final := rep.final()
	if final.Status != v1.ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s (updates: %v)", final.Status, rep.statuses())
	}
	for _, s := range rep.statuses() {
		if s == v1.ExecutionStatusFailed {
			t.Error("cancellation must never surface as failed")
		}
	}

	// Cancelled runs keep the worktree for inspection.
	wt, err := worktrees.GetByID(context.Background(), rep.worktreeID())
	if err != nil {
		t.Fatal(err)
	}
	if wt == nil || wt.Status != worktree.StatusActive {
		t.Errorf("expected worktree kept after cancel, got %+v", wt)
	}
}

func TestExecuteTimeoutFailsAndCleansUp(t *testing.T) {
	agent := writeAgentStub(t, "sleep 30")
	e, worktrees, repoPath := newTestExecutor(t, TaskExecutorConfig{
		AgentBinary: agent,
		HardTimeout: 500 * time.Millisecond,
	})

	job := execJob("task-1", repoPath)
	rep := &recorderReporter{}
	e.Execute(context.Background(), job, rep)

	final := rep.final()
	if final.Status != v1.ExecutionStatusFailed {
		t.Fatalf("expected failed after timeout, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "time limit") {
		t.Errorf("expected timeout error, got %q", final.Error)
	}

	wt, err := worktrees.GetByID(context.Background(), rep.worktreeID())
	if err != nil {
		t.Fatal(err)
	}
	if wt == nil || wt.Status != worktree.StatusDeleted {
		t.Errorf("expected worktree cleaned up after timeout, got %+v", wt)
	}
}

func TestExecuteCancelDuringWorktreeCreation(t *testing.T) {
	// A git shim that blocks on worktree add until the job context kills it.
	stubDir := t.TempDir()
	script := `#!/bin/sh
case "$1" in
worktree) exec sleep 30 ;;
symbolic-ref) echo main ;;
esac
exit 0
`
	if err := os.WriteFile(filepath.Join(stubDir, "git"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", stubDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	repoPath := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(filepath.Join(repoPath, ".git"), 0755); err != nil {
		t.Fatal(err)
	}

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	wtStore, err := worktree.NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}
	worktrees, err := worktree.NewManager(worktree.Config{}, wtStore, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	execStore, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatal(err)
	}
	bridge := pty.NewBridge(nil, newTestLogger())
	t.Cleanup(bridge.KillAll)
	e := NewTaskExecutor(TaskExecutorConfig{
		AgentBinary:  "true",
		PollInterval: 20 * time.Millisecond,
	}, worktrees, bridge, execStore, nil, newTestLogger())

	job := execJob("task-1", repoPath)
	rep := &recorderReporter{}
	done := make(chan struct{})
	go func() {
		e.Execute(job.Context(), job, rep)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		statuses := rep.statuses()
		if len(statuses) > 0 && statuses[len(statuses)-1] == v1.ExecutionStatusCreatingWorktree {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	job.Cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after cancel during worktree creation")
	}

	final := rep.final()
	if final.Status != v1.ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s (error: %q)", final.Status, final.Error)
	}
	for _, s := range rep.statuses() {
		if s == v1.ExecutionStatusFailed {
			t.Error("cancellation during worktree creation must never surface as failed")
		}
	}
	if rep.acquires != rep.releases {
		t.Errorf("project lock not balanced: %d acquires, %d releases", rep.acquires, rep.releases)
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	agent := writeAgentStub(t, "exit 0")
	e, _, repoPath := newTestExecutor(t, TaskExecutorConfig{AgentBinary: agent})

	job := execJob("task-1", repoPath)
	job.Cancel()
	rep := &recorderReporter{}
	e.Execute(context.Background(), job, rep)

	if got := rep.final().Status; got != v1.ExecutionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if rep.worktreeID() != "" {
		t.Error("no worktree should be created for a job cancelled before start")
	}
}
