package worktree

import (
	"crypto/rand"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/agentdesk/agentdesk/internal/common/stringutil"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BranchPrefix is the prefix used for worktree branch names.
	// Default: agentdesk/
	BranchPrefix string `mapstructure:"branch_prefix"`

	// DirName is the name of the worktree container directory created as a
	// sibling of the repository. Default: .worktrees
	DirName string `mapstructure:"dir_name"`

	// CopyConfigFiles lists repository-root files copied into each new
	// worktree when present (untracked local configuration such as .env).
	CopyConfigFiles []string `mapstructure:"copy_config_files"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "agentdesk/"

// DefaultDirName is the sibling directory that holds worktrees for a repository.
const DefaultDirName = ".worktrees"

// Validate fills defaults and returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.DirName == "" {
		c.DirName = DefaultDirName
	}
	return nil
}

// WorktreeRoot returns the directory that holds all worktrees for the given
// repository. Worktrees live next to the repository, never inside it, so the
// agent cannot commit one worktree into another:
//
//	/home/user/projects/myrepo           (repository)
//	/home/user/projects/.worktrees/myrepo/<name>  (worktrees)
func (c *Config) WorktreeRoot(repoPath string) string {
	parent := filepath.Dir(repoPath)
	return filepath.Join(parent, c.DirName, filepath.Base(repoPath))
}

// WorktreePath returns the full path for a worktree directory name.
func (c *Config) WorktreePath(repoPath, dirName string) string {
	return filepath.Join(c.WorktreeRoot(repoPath), dirName)
}

// SanitizeForBranch converts a task title into a valid git branch name
// component: lowercase, non-alphanumeric runs collapsed to single hyphens,
// trimmed and truncated to maxLen runes. Truncation is rune-safe so a
// non-ASCII title never yields an invalid-UTF-8 branch name.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	result := strings.ToLower(title)

	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")
	result = strings.Trim(result, "-")

	return strings.TrimRight(stringutil.Truncate(result, maxLen), "-")
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a short random suffix used to keep branch and directory
// names collision-free, capped at 6 characters.
func SmallSuffix(n int) string {
	if n <= 0 {
		return ""
	}
	if n > 6 {
		n = 6
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// SemanticWorktreeName generates a worktree directory name from a task title.
// Format: {sanitizedTitle}_{suffix} e.g. fix-login-bug_ab12cd34
func SemanticWorktreeName(taskTitle, suffix string) string {
	semanticName := SanitizeForBranch(taskTitle, 20)
	if semanticName == "" {
		return suffix
	}
	return semanticName + "_" + suffix
}

// BranchName builds the branch name for a task: {prefix}{component}-{suffix}.
func (c *Config) BranchName(component, suffix string) string {
	return c.BranchPrefix + component + "-" + suffix
}
