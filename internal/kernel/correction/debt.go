package correction

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/filesession"
	"github.com/deeprun/deeprun/internal/model"
)

// StubDebt tracks the stubs a provisionally-fixed run still owes real modules
// for. Records are written to the stub-debt ledger as open and flipped to
// closed once paid down.
type StubDebt struct {
	RunID     string       `json:"runId"`
	ProjectID string       `json:"projectId"`
	StepIndex int          `json:"stepIndex"`
	Attempt   int          `json:"attempt"`
	Status    string       `json:"status"` // open | closed
	Targets   []StubTarget `json:"targets"`
	CreatedAt time.Time    `json:"createdAt"`
	ClosedAt  *time.Time   `json:"closedAt,omitempty"`
}

// BuildDebtResolutionPlan synthesizes the deterministic plan that replaces
// every tracked stub with a non-stub placeholder module carrying the recorded
// exports and no marker line. Already-resolved targets are skipped, so
// re-running the plan on paid-down debt is a no-op.
func BuildDebtResolutionPlan(root string, debt StubDebt, attempt int) ([]model.Step, error) {
	var steps []model.Step
	n := attempt
	for _, target := range debt.Targets {
		resolved, err := targetResolved(root, target)
		if err != nil {
			return nil, err
		}
		if resolved {
			continue
		}
		content := renderPlaceholder(target)
		constraint := model.CorrectionConstraint{
			Intent:              string(IntentTypescriptCompile),
			MaxFiles:            1,
			AllowedPathPrefixes: []string{target.Path},
		}
		steps = append(steps, model.Step{
			ID:   fmt.Sprintf("%s%d", model.ValidationCorrectionPrefix, n),
			Type: model.StepModify,
			Tool: model.ToolWriteFile,
			Input: map[string]any{
				"proposedChanges": []any{map[string]any{
					"action":  string(filesession.ActionUpdate),
					"path":    target.Path,
					"content": content,
				}},
			},
			Correction: &model.CorrectionMeta{
				Phase:          model.PhaseDebtResolution,
				Attempt:        n,
				FailedStepID:   target.Path,
				Classification: string(IntentTypescriptCompile),
				Constraint:     &constraint,
				Summary:        fmt.Sprintf("replace stub %s with a real module", target.Path),
				CreatedAt:      time.Now().UTC(),
			},
		})
		n++
	}
	return steps, nil
}

// DebtPaidDown reports whether every tracked target has been resolved: the
// file is absent, its content changed away from the stub, or no remaining
// referrer resolves to it.
func DebtPaidDown(root string, debt StubDebt) (bool, error) {
	for _, target := range debt.Targets {
		resolved, err := targetResolved(root, target)
		if err != nil {
			return false, err
		}
		if !resolved {
			return false, nil
		}
	}
	return true, nil
}

func targetResolved(root string, target StubTarget) (bool, error) {
	abs := filepath.Join(root, filepath.FromSlash(target.Path))
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	content := string(data)
	if ContentHash(content) != target.Hash && !HasStubMarker(content) && !stubLike(content) {
		return true, nil
	}
	if len(target.Referrers) > 0 {
		still, err := anyReferrerResolvesTo(root, target)
		if err != nil {
			return false, err
		}
		if !still {
			return true, nil
		}
	}
	return false, nil
}

// stubLike flags bodies that are still placeholder throws even after the
// marker was stripped.
func stubLike(content string) bool {
	body := strings.TrimSpace(content)
	if body == "" {
		return true
	}
	lines := 0
	throws := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		lines++
		if strings.Contains(trimmed, "throw new Error('not implemented')") {
			throws++
		}
	}
	return lines > 0 && throws > 0 && lines <= 3*throws
}

func anyReferrerResolvesTo(root string, target StubTarget) (bool, error) {
	targetNoExt := strings.TrimSuffix(target.Path, path.Ext(target.Path))
	for _, ref := range target.Referrers {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ref)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		for _, m := range importDeclRe.FindAllStringSubmatch(string(data), -1) {
			spec := m[4]
			resolved := resolveSpecifier(root, ref, spec)
			if resolved == target.Path {
				return true, nil
			}
			if resolved == "" && strings.HasPrefix(spec, ".") {
				candidate := path.Clean(path.Join(path.Dir(ref), spec))
				if candidate == targetNoExt || candidate == target.Path {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// renderPlaceholder writes the non-stub replacement module: same exports, no
// marker, a body a follow-up feature pass can grow.
func renderPlaceholder(target StubTarget) string {
	var b strings.Builder
	name := moduleName(target.Path)
	fmt.Fprintf(&b, "// %s\n", name)
	e := target.Exports
	if e.TypeOnly {
		for _, n := range e.Names {
			fmt.Fprintf(&b, "export type %s = Record<string, unknown>;\n", n)
		}
		if len(e.Names) == 0 {
			b.WriteString("export type Placeholder = Record<string, unknown>;\n")
		}
		return b.String()
	}
	switch e.Kind {
	case "default":
		fmt.Fprintf(&b, "export default function %s(): void {}\n", name)
	case "namespace":
		fmt.Fprintf(&b, "export function %s(): void {}\n", name)
	default:
		for _, n := range e.Names {
			fmt.Fprintf(&b, "export function %s(): void {}\n", n)
		}
		if e.Kind == "mixed" {
			fmt.Fprintf(&b, "export default function %s(): void {}\n", name)
		}
	}
	return b.String()
}

func moduleName(p string) string {
	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	base = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, base)
	if base == "" {
		return "placeholder"
	}
	return base
}
