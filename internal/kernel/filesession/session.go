// Package filesession mediates all filesystem mutations a step proposes.
// Changes are staged, validated against the run's file-session caps, applied
// to the worktree, and committed as a single commit — all-or-nothing per step.
package filesession

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deeprun/deeprun/internal/gitutil"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ProposedChange is one file mutation emitted by a mutating step.
type ProposedChange struct {
	Action  Action `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// Limits are the per-step caps sealed into the execution contract.
type Limits struct {
	MaxFilesPerStep   int
	MaxTotalDiffBytes int
	MaxFileBytes      int
	AllowEnvMutation  bool
}

// Diff describes one staged change for policy checks and telemetry.
type Diff struct {
	Path   string `json:"path"`
	Action Action `json:"action"`
	Bytes  int    `json:"bytes"`
}

// Globs matching environment files, which are rejected unless the contract
// allows env mutation.
var envFileGlobs = []string{".env", ".env.*", "**/.env", "**/.env.*"}

type stagedChange struct {
	change ProposedChange
	bytes  int
}

// Session is one staged transaction. Begin → Stage* → Validate → Apply →
// Commit; Abort discards (and resets the worktree if Apply already ran).
type Session struct {
	root      string
	stepID    string
	stepIndex int
	limits    Limits

	staged  []stagedChange
	paths   map[string]bool
	applied bool
	done    bool
}

func Begin(worktreeRoot, stepID string, stepIndex int, limits Limits) (*Session, error) {
	root := strings.TrimSpace(worktreeRoot)
	if root == "" {
		return nil, fmt.Errorf("file session requires a worktree root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("worktree root is not a directory: %s", abs)
	}
	return &Session{
		root:      abs,
		stepID:    stepID,
		stepIndex: stepIndex,
		limits:    limits,
		paths:     map[string]bool{},
	}, nil
}

// Stage validates and records one proposed change. Staging rules: create
// requires the path to be absent, update requires it to exist and differ,
// delete requires it to exist. Paths must stay inside the worktree root.
func (s *Session) Stage(change ProposedChange) error {
	if s.done {
		return fmt.Errorf("file session already finished")
	}
	rel, err := s.cleanRelPath(change.Path)
	if err != nil {
		return err
	}
	if s.paths[rel] {
		return fmt.Errorf("duplicate staged path: %s", rel)
	}
	if !s.limits.AllowEnvMutation && isEnvFile(rel) {
		return fmt.Errorf("mutation of environment file %s is not permitted", rel)
	}

	abs := filepath.Join(s.root, rel)
	existing, statErr := os.ReadFile(abs)
	exists := statErr == nil

	var bytes int
	switch change.Action {
	case ActionCreate:
		if exists {
			return fmt.Errorf("create %s: path already exists", rel)
		}
		bytes = len(change.Content)
	case ActionUpdate:
		if !exists {
			return fmt.Errorf("update %s: path does not exist", rel)
		}
		if string(existing) == change.Content {
			return fmt.Errorf("update %s: content is unchanged", rel)
		}
		bytes = len(change.Content)
	case ActionDelete:
		if !exists {
			return fmt.Errorf("delete %s: path does not exist", rel)
		}
		bytes = len(existing)
	default:
		return fmt.Errorf("invalid change action: %q", change.Action)
	}

	if s.limits.MaxFileBytes > 0 && len(change.Content) > s.limits.MaxFileBytes {
		return fmt.Errorf("file %s exceeds per-file cap: %d > %d bytes", rel, len(change.Content), s.limits.MaxFileBytes)
	}

	change.Path = rel
	s.staged = append(s.staged, stagedChange{change: change, bytes: bytes})
	s.paths[rel] = true
	return nil
}

// StagedDiffs returns the staged changes in staging order.
func (s *Session) StagedDiffs() []Diff {
	out := make([]Diff, 0, len(s.staged))
	for _, sc := range s.staged {
		out = append(out, Diff{Path: sc.change.Path, Action: sc.change.Action, Bytes: sc.bytes})
	}
	return out
}

// TotalDiffBytes is the sum of staged byte counts.
func (s *Session) TotalDiffBytes() int {
	total := 0
	for _, sc := range s.staged {
		total += sc.bytes
	}
	return total
}

// Validate enforces the per-step caps over the whole staged set.
func (s *Session) Validate() error {
	if s.limits.MaxFilesPerStep > 0 && len(s.staged) > s.limits.MaxFilesPerStep {
		return fmt.Errorf("step stages %d files, cap is %d", len(s.staged), s.limits.MaxFilesPerStep)
	}
	if s.limits.MaxTotalDiffBytes > 0 {
		if total := s.TotalDiffBytes(); total > s.limits.MaxTotalDiffBytes {
			return fmt.Errorf("step diff is %d bytes, cap is %d", total, s.limits.MaxTotalDiffBytes)
		}
	}
	return nil
}

// Apply writes the staged content to the worktree.
func (s *Session) Apply() error {
	if s.done {
		return fmt.Errorf("file session already finished")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	for _, sc := range s.staged {
		abs := filepath.Join(s.root, sc.change.Path)
		switch sc.change.Action {
		case ActionCreate, ActionUpdate:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return fmt.Errorf("apply %s: %w", sc.change.Path, err)
			}
			if err := os.WriteFile(abs, []byte(sc.change.Content), 0o644); err != nil {
				return fmt.Errorf("apply %s: %w", sc.change.Path, err)
			}
		case ActionDelete:
			if err := os.Remove(abs); err != nil {
				return fmt.Errorf("apply delete %s: %w", sc.change.Path, err)
			}
		}
	}
	s.applied = true
	return nil
}

// Commit produces a single commit for the applied changes. When nothing in
// the worktree actually changed it returns ("", nil); the kernel treats a
// null commit as legal only for non-correction steps.
func (s *Session) Commit(summary string) (string, error) {
	if s.done {
		return "", fmt.Errorf("file session already finished")
	}
	if !s.applied {
		return "", fmt.Errorf("commit before apply")
	}
	sha, err := gitutil.CommitStaged(s.root, summary)
	if err != nil {
		return "", err
	}
	s.done = true
	return sha, nil
}

// Abort discards the transaction. If changes were already applied the
// worktree is reset hard to HEAD.
func (s *Session) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if !s.applied {
		s.staged = nil
		return nil
	}
	head, err := gitutil.HeadSHA(s.root)
	if err != nil {
		return err
	}
	return gitutil.ResetHard(s.root, head)
}

func (s *Session) cleanRelPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("change path is empty")
	}
	if filepath.IsAbs(p) {
		// Absolute paths are accepted only when they stay inside the root.
		rel, err := filepath.Rel(s.root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path escapes worktree root: %s", p)
		}
		p = rel
	}
	clean := filepath.Clean(filepath.ToSlash(p))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "..\\") {
		return "", fmt.Errorf("path escapes worktree root: %s", p)
	}
	if strings.HasPrefix(clean, ".git/") || clean == ".git" {
		return "", fmt.Errorf("mutation of git metadata is not permitted: %s", p)
	}
	return filepath.ToSlash(clean), nil
}

func isEnvFile(rel string) bool {
	for _, glob := range envFileGlobs {
		if ok, _ := doublestar.Match(glob, rel); ok {
			return true
		}
	}
	return false
}

// CommitSummary builds the deterministic commit message
// "<stepId> (<tool>) :: <goal-summary-64>".
func CommitSummary(stepID, tool, goal string) string {
	return fmt.Sprintf("%s (%s) :: %s", stepID, tool, NormalizeGoalSummary(goal))
}

// NormalizeGoalSummary collapses whitespace and truncates to 64 runes.
func NormalizeGoalSummary(goal string) string {
	fields := strings.FieldsFunc(goal, unicode.IsSpace)
	joined := strings.Join(fields, " ")
	runes := []rune(joined)
	if len(runes) > 64 {
		return string(runes[:64])
	}
	return joined
}
