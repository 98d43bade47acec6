package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable Git's background auto-maintenance so frequent per-step commits
	// stay deterministic and never spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// InitRepo initializes a repository with an initial empty commit so the run
// branch always has a base to point at.
func InitRepo(dir string) error {
	if _, _, err := runGit(dir, "init", "--initial-branch", "main"); err != nil {
		return err
	}
	_, err := commitWithIdentityFallback(dir, "init", "--allow-empty")
	return err
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func CreateBranchAt(dir, branch, baseSHA string) error {
	// Create or reset branch to baseSHA.
	_, _, err := runGit(dir, "branch", "--force", branch, baseSHA)
	return err
}

func AddWorktree(repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

func CheckoutBranch(worktreeDir, branch string) error {
	_, _, err := runGit(worktreeDir, "switch", branch)
	return err
}

func ResetHard(worktreeDir, sha string) error {
	_, _, err := runGit(worktreeDir, "reset", "--hard", sha)
	return err
}

func AddAll(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "add", "-A")
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func HasStagedChanges(worktreeDir string) (bool, error) {
	_, _, err := runGit(worktreeDir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var ce *CommandError
	if ok := asCommandError(err, &ce); ok {
		if ee, isExit := ce.Err.(*exec.ExitError); isExit && ee.ExitCode() == 1 {
			return true, nil
		}
	}
	return false, err
}

// CommitStaged stages everything and commits. It returns ("", nil) when there
// is nothing to commit, which lets callers distinguish empty step commits.
func CommitStaged(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	staged, err := HasStagedChanges(worktreeDir)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", nil
	}
	return commitWithIdentityFallback(worktreeDir, message)
}

// CommitAllowEmpty always produces a commit, even with no changes.
func CommitAllowEmpty(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	return commitWithIdentityFallback(worktreeDir, message, "--allow-empty")
}

func commitWithIdentityFallback(dir, message string, extra ...string) (string, error) {
	args := append([]string{"commit"}, extra...)
	args = append(args, "-m", message)
	_, _, err := runGit(dir, args...)
	if err != nil {
		// If identity is missing, retry once with an explicit fallback
		// committer identity (without mutating repo config).
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			withIdentity := append([]string{
				"-c", "user.name=deeprun-kernel",
				"-c", "user.email=deeprun-kernel@local",
			}, args...)
			_, _, err = runGit(dir, withIdentity...)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// IsAncestor reports whether ancestor is reachable from descendant (or equal).
func IsAncestor(dir, ancestor, descendant string) (bool, error) {
	if strings.TrimSpace(ancestor) == strings.TrimSpace(descendant) {
		return true, nil
	}
	_, _, err := runGit(dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if ok := asCommandError(err, &ce); ok {
		if ee, isExit := ce.Err.(*exec.ExitError); isExit && ee.ExitCode() == 1 {
			return false, nil
		}
	}
	return false, err
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// ListCommits returns commit SHAs from HEAD back to (excluding) baseRef, newest first.
func ListCommits(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "rev-list", baseRef+"..HEAD")
	if err != nil {
		return nil, err
	}
	var shas []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			shas = append(shas, trimmed)
		}
	}
	return shas, nil
}

func asCommandError(err error, target **CommandError) bool {
	ce, ok := err.(*CommandError)
	if ok {
		*target = ce
	}
	return ok
}
