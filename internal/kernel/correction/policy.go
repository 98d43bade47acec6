package correction

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/kernel/filesession"
	"github.com/deeprun/deeprun/internal/model"
)

// PolicyRecord is attached to a correction step's output. In enforce mode a
// non-compliant record promotes the step to failed.
type PolicyRecord struct {
	Mode       contract.PolicyMode `json:"mode"`
	Compliant  bool                `json:"compliant"`
	Violations []string            `json:"violations,omitempty"`
}

// Enforced reports whether the violations must fail the step.
func (r PolicyRecord) Enforced() bool {
	return !r.Compliant && r.Mode == model.ModeEnforce
}

// EvaluatePolicy checks a completed correction step against its constraint.
// A compliant correction produced at least one file change and a commit, stayed
// within the constraint's file and byte bounds, and touched only allowed paths.
func EvaluatePolicy(mode contract.PolicyMode, constraint *model.CorrectionConstraint, diffs []filesession.Diff, commitHash string) PolicyRecord {
	rec := PolicyRecord{Mode: mode, Compliant: true}
	if mode == model.ModeOff {
		return rec
	}

	if len(diffs) == 0 {
		rec.violate("correction produced no file changes")
	}
	if commitHash == "" {
		rec.violate("correction produced no commit")
	}
	if constraint == nil {
		return rec
	}
	if constraint.MaxFiles > 0 && len(diffs) > constraint.MaxFiles {
		rec.violate(fmt.Sprintf("touched %d files, constraint allows %d", len(diffs), constraint.MaxFiles))
	}
	total := 0
	for _, d := range diffs {
		total += d.Bytes
		if !pathAllowed(d.Path, constraint.AllowedPathPrefixes) {
			rec.violate(fmt.Sprintf("path %s outside allowed prefixes %v", d.Path, constraint.AllowedPathPrefixes))
		}
	}
	if constraint.MaxTotalDiffBytes > 0 && total > constraint.MaxTotalDiffBytes {
		rec.violate(fmt.Sprintf("diff is %d bytes, constraint allows %d", total, constraint.MaxTotalDiffBytes))
	}
	return rec
}

func (r *PolicyRecord) violate(msg string) {
	r.Compliant = false
	r.Violations = append(r.Violations, msg)
}

// pathAllowed accepts plain prefixes and glob patterns. An empty prefix list
// (or an empty-string prefix) allows everything.
func pathAllowed(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if p == "" {
			return true
		}
		if strings.ContainsAny(p, "*?[{") {
			if ok, err := doublestar.Match(p, path); err == nil && ok {
				return true
			}
			continue
		}
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
