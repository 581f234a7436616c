package worktree

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// Manager handles git worktree operations for isolated task execution.
// Callers that mutate the same repository concurrently must serialize through
// the execution manager's per-project lock; the Manager itself does not lock.
type Manager struct {
	config Config
	logger *logger.Logger
	store  Store
}

// Store is the interface for worktree and workspace persistence.
type Store interface {
	CreateWorktree(ctx context.Context, wt *Worktree) error
	GetWorktreeByID(ctx context.Context, id string) (*Worktree, error)
	GetWorktreeByTaskID(ctx context.Context, taskID string) (*Worktree, error)
	UpdateWorktree(ctx context.Context, wt *Worktree) error
	ListActiveWorktrees(ctx context.Context) ([]*Worktree, error)

	CreateWorkspace(ctx context.Context, ws *v1.Workspace) error
	GetWorkspaceByID(ctx context.Context, id string) (*v1.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config, store Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	return &Manager{
		config: cfg,
		logger: log.Named("worktree-manager"),
		store:  store,
	}, nil
}

// Create creates a worktree and its workspace record for a task. The base
// branch is the repository default branch, the worktree branch is derived
// from the task title with a random suffix, and the worktree directory lives
// in the sibling worktrees folder. Both records are persisted before return;
// on any failure the partially created worktree is removed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, *v1.Workspace, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	if !m.isGitRepo(req.RepoPath) {
		return nil, nil, ErrRepoNotGit
	}

	baseBranch, err := m.DefaultBranch(ctx, req.RepoPath)
	if err != nil {
		return nil, nil, err
	}

	worktreeID := uuid.New().String()
	dirSuffix := worktreeID[:8]
	branchSuffix := SmallSuffix(4)

	dirName := SemanticWorktreeName(req.TaskTitle, dirSuffix)
	component := SanitizeForBranch(req.TaskTitle, 20)
	if component == "" {
		component = SanitizeForBranch(req.TaskID, 20)
	}
	branchName := m.config.BranchName(component, branchSuffix)
	worktreePath := m.config.WorktreePath(req.RepoPath, dirName)

	if err := os.MkdirAll(m.config.WorktreeRoot(req.RepoPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	// git worktree add -b <branch> <path> <base-branch>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		baseBranch)
	cmd.Dir = req.RepoPath

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("task_id", req.TaskID),
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	m.copyConfigFiles(req.RepoPath, worktreePath)
	m.ensureGitIdentity(ctx, worktreePath)

	now := time.Now().UnixMilli()
	wt := &Worktree{
		ID:         worktreeID,
		TaskID:     req.TaskID,
		ProjectID:  req.ProjectID,
		RepoPath:   req.RepoPath,
		Path:       worktreePath,
		Branch:     branchName,
		BaseBranch: baseBranch,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ws := &v1.Workspace{
		ID:         uuid.New().String(),
		TaskID:     req.TaskID,
		ProjectID:  req.ProjectID,
		WorktreeID: worktreeID,
		Name:       dirName,
		Path:       worktreePath,
		CreatedAt:  now,
	}

	if err := m.store.CreateWorktree(ctx, wt); err != nil {
		m.cleanupDir(ctx, worktreePath, req.RepoPath)
		return nil, nil, fmt.Errorf("failed to persist worktree: %w", err)
	}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		m.cleanupDir(ctx, worktreePath, req.RepoPath)
		return nil, nil, fmt.Errorf("failed to persist workspace: %w", err)
	}

	m.logger.Info("created worktree",
		zap.String("task_id", req.TaskID),
		zap.String("worktree_id", wt.ID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName),
		zap.String("base_branch", baseBranch))

	return wt, ws, nil
}

// Remove removes a worktree directory and marks its records deleted.
// Removal is best-effort: a failing git command falls back to direct
// directory removal plus prune.
func (m *Manager) Remove(ctx context.Context, worktreeID string) error {
	wt, err := m.GetByID(ctx, worktreeID)
	if err != nil {
		return err
	}

	m.cleanupDir(ctx, wt.Path, wt.RepoPath)

	now := time.Now().UnixMilli()
	wt.Status = StatusDeleted
	wt.DeletedAt = &now
	wt.UpdatedAt = now
	if err := m.store.UpdateWorktree(ctx, wt); err != nil {
		m.logger.Warn("failed to update worktree status", zap.Error(err))
	}

	m.logger.Info("removed worktree",
		zap.String("task_id", wt.TaskID),
		zap.String("worktree_id", wt.ID),
		zap.String("path", wt.Path))

	return nil
}

// GetByID returns a worktree by its unique ID.
func (m *Manager) GetByID(ctx context.Context, worktreeID string) (*Worktree, error) {
	wt, err := m.store.GetWorktreeByID(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, ErrWorktreeNotFound
	}
	return wt, nil
}

// GetByTaskID returns the most recent active worktree for a task.
func (m *Manager) GetByTaskID(ctx context.Context, taskID string) (*Worktree, error) {
	wt, err := m.store.GetWorktreeByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, ErrWorktreeNotFound
	}
	return wt, nil
}

// StatusSummary describes the working tree state of a worktree.
type StatusSummary struct {
	Branch       string   `json:"branch"`
	HeadSHA      string   `json:"head_sha"`
	ChangedFiles []string `json:"changed_files"`
	HasChanges   bool     `json:"has_changes"`
}

// Status reports the branch, head commit and uncommitted changes of a
// worktree. Changed files carry the porcelain status prefix.
func (m *Manager) Status(ctx context.Context, worktreeID string) (*StatusSummary, error) {
	wt, err := m.GetByID(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	if !m.IsValid(wt.Path) {
		return nil, fmt.Errorf("worktree directory is not usable: %s", wt.Path)
	}

	summary := &StatusSummary{ChangedFiles: []string{}}

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = wt.Path
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: git status failed", ErrGitCommandFailed)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			summary.ChangedFiles = append(summary.ChangedFiles, trimmed)
		}
	}
	summary.HasChanges = len(summary.ChangedFiles) > 0

	cmd = exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = wt.Path
	if output, err := cmd.Output(); err == nil {
		summary.HeadSHA = strings.TrimSpace(string(output))
	}

	cmd = exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = wt.Path
	if output, err := cmd.Output(); err == nil {
		summary.Branch = strings.TrimSpace(string(output))
	}
	if summary.Branch == "" {
		summary.Branch = wt.Branch
	}

	return summary, nil
}

// DefaultBranch resolves the repository default branch. It prefers the
// remote HEAD (origin/HEAD), then the currently checked out branch.
func (m *Manager) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	cmd.Dir = repoPath
	if output, err := cmd.Output(); err == nil {
		branch := strings.TrimSpace(string(output))
		branch = strings.TrimPrefix(branch, "origin/")
		if branch != "" {
			return branch, nil
		}
	}

	cmd = exec.CommandContext(ctx, "git", "symbolic-ref", "--short", "HEAD")
	cmd.Dir = repoPath
	if output, err := cmd.Output(); err == nil {
		branch := strings.TrimSpace(string(output))
		if branch != "" {
			return branch, nil
		}
	}

	// Detached HEAD with no remote. Probe the conventional names.
	for _, candidate := range []string{"main", "master"} {
		cmd = exec.CommandContext(ctx, "git", "rev-parse", "--verify", candidate)
		cmd.Dir = repoPath
		if err := cmd.Run(); err == nil {
			return candidate, nil
		}
	}

	return "", ErrNoDefaultBranch
}

// IsValid checks if a worktree directory is valid and usable. Worktrees have
// a .git file pointing at the parent repository, not a .git directory.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// isGitRepo checks if a path is a git repository.
func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// copyConfigFiles copies configured repository-root files into the worktree.
// These are typically untracked local configuration the agent needs to run
// the project (.env and friends). Missing files are skipped.
func (m *Manager) copyConfigFiles(repoPath, worktreePath string) {
	for _, name := range m.config.CopyConfigFiles {
		src := filepath.Join(repoPath, name)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		if err := copyFile(src, filepath.Join(worktreePath, name), info.Mode()); err != nil {
			m.logger.Warn("failed to copy config file into worktree",
				zap.String("file", name),
				zap.Error(err))
		}
	}
}

// ensureGitIdentity sets a local git identity in the worktree when the user
// has none configured, so the agent's commits do not fail.
func (m *Manager) ensureGitIdentity(ctx context.Context, worktreePath string) {
	for key, fallback := range map[string]string{
		"user.name":  "Agentdesk",
		"user.email": "agent@agentdesk.local",
	} {
		cmd := exec.CommandContext(ctx, "git", "config", key)
		cmd.Dir = worktreePath
		if output, err := cmd.Output(); err == nil && strings.TrimSpace(string(output)) != "" {
			continue
		}
		cmd = exec.CommandContext(ctx, "git", "config", key, fallback)
		cmd.Dir = worktreePath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("failed to set git identity", zap.String("key", key), zap.Error(err))
		}
	}
}

// cleanupDir removes a worktree directory using git worktree remove, falling
// back to direct removal plus prune.
func (m *Manager) cleanupDir(ctx context.Context, worktreePath, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			m.logger.Warn("failed to remove worktree directory",
				zap.String("path", worktreePath),
				zap.Error(err))
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
