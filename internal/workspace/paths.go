// Package workspace manages the per-run isolated execution context: the run
// branch, the dedicated worktree, dirty-workspace recovery, commit-pointer
// discipline and forks.
package workspace

import "path/filepath"

// DeeprunDir is the project-local state directory.
const DeeprunDir = ".deeprun"

// ProjectRoot returns <root>/<orgId>/<workspaceId>/<projectId>.
func ProjectRoot(workspaceRoot, orgID, workspaceID, projectID string) string {
	return filepath.Join(workspaceRoot, orgID, workspaceID, projectID)
}

// WorktreeDir returns the per-run worktree path under the project root.
func WorktreeDir(projectRoot, runID string) string {
	return filepath.Join(projectRoot, DeeprunDir, "worktrees", runID)
}

// RunStateDir holds per-run kernel artifacts (manifest, progress feed).
func RunStateDir(projectRoot, runID string) string {
	return filepath.Join(projectRoot, DeeprunDir, "runs", runID)
}

// ValidationDir returns an isolation root for validator scratch space.
func ValidationDir(projectRoot, prefix, tmp string) string {
	return filepath.Join(projectRoot, DeeprunDir, "validation", prefix+"-"+tmp)
}

// LearningDir is the root for learning telemetry artifacts.
func LearningDir(projectRoot string) string {
	return filepath.Join(projectRoot, DeeprunDir, "learning")
}
