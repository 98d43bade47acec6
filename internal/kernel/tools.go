package kernel

import (
	"context"
	"fmt"

	"github.com/deeprun/deeprun/internal/model"
)

// LocalTools executes the deterministic tools the kernel synthesizes itself:
// write_file and apply_patch steps carry their proposedChanges in the step
// input, so execution is a pass-through into the file session. Agent-backed
// tools (ai_mutation, run_preview_container) need an external executor.
type LocalTools struct{}

var _ ToolExecutor = LocalTools{}

func (LocalTools) ExecuteTool(ctx context.Context, run *model.AgentRun, step model.Step, worktree string) (map[string]any, error) {
	switch step.Tool {
	case model.ToolWriteFile, model.ToolApplyPatch:
		pc, ok := step.Input["proposedChanges"]
		if !ok {
			return nil, fmt.Errorf("step %s (%s) carries no proposedChanges", step.ID, step.Tool)
		}
		return map[string]any{"proposedChanges": pc}, nil
	default:
		return nil, fmt.Errorf("tool %q requires an agent executor", step.Tool)
	}
}
