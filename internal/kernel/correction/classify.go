// Package correction classifies step and validation failures into bounded
// correction intents, evaluates correction-policy compliance, and builds the
// deterministic import-resolution and debt-resolution recipes.
package correction

import (
	"regexp"
	"strings"
	"time"

	"github.com/deeprun/deeprun/internal/kernel/validation"
	"github.com/deeprun/deeprun/internal/model"
)

// Intent identifies the repair strategy a correction step is allowed to pursue.
type Intent string

const (
	IntentRuntimeBoot           Intent = "runtime_boot"
	IntentRuntimeHealth         Intent = "runtime_health"
	IntentTypescriptCompile     Intent = "typescript_compile"
	IntentTestFailure           Intent = "test_failure"
	IntentMigrationFailure      Intent = "migration_failure"
	IntentArchitectureViolation Intent = "architecture_violation"
	IntentSecurityBaseline      Intent = "security_baseline"
	IntentUnknown               Intent = "unknown"
)

// ClassifyInput carries everything the classifier may inspect. Report is nil
// for runtime failures that produced only logs.
type ClassifyInput struct {
	Phase        string
	FailedStepID string
	Attempt      int
	Logs         string
	Report       *validation.Profile

	MaxFiles          int
	MaxTotalDiffBytes int
}

var (
	bootFailureRe   = regexp.MustCompile(`(?i)(EADDRINUSE|ECONNREFUSED|listen\s+EACCES|address already in use|failed to (start|boot)|exited with code [1-9])`)
	healthFailureRe = regexp.MustCompile(`(?i)(health\s*check|/health|readiness|liveness).{0,80}(fail|timeout|503|unhealthy)`)
	migrationRe     = regexp.MustCompile(`(?i)(migration|migrate|prisma).{0,120}(fail|error)`)
	securityRe      = regexp.MustCompile(`(?i)(helmet|cors|csrf|rate.?limit|security baseline)`)
)

// Classify maps a failure into an intent plus the constraint that bounds the
// correction step repairing it.
func Classify(in ClassifyInput) (Intent, model.CorrectionConstraint) {
	intent := classifyIntent(in)
	return intent, constraintFor(intent, in)
}

func classifyIntent(in ClassifyInput) Intent {
	if in.Report != nil {
		for _, c := range in.Report.Clusters {
			switch c.Type {
			case validation.ClusterLayerBoundary, validation.ClusterArchContract:
				return IntentArchitectureViolation
			}
		}
		for _, c := range in.Report.Clusters {
			switch c.Type {
			case validation.ClusterImport, validation.ClusterTypecheck, validation.ClusterBuild:
				return IntentTypescriptCompile
			case validation.ClusterTest, validation.ClusterTestContractGap:
				return IntentTestFailure
			}
		}
	}
	switch {
	case migrationRe.MatchString(in.Logs):
		return IntentMigrationFailure
	case bootFailureRe.MatchString(in.Logs):
		return IntentRuntimeBoot
	case healthFailureRe.MatchString(in.Logs):
		return IntentRuntimeHealth
	case securityRe.MatchString(in.Logs):
		return IntentSecurityBaseline
	case strings.Contains(in.Logs, "TS") && regexp.MustCompile(`\bTS\d{4,5}\b`).MatchString(in.Logs):
		return IntentTypescriptCompile
	}
	return IntentUnknown
}

func constraintFor(intent Intent, in ClassifyInput) model.CorrectionConstraint {
	maxFiles := in.MaxFiles
	maxBytes := in.MaxTotalDiffBytes

	c := model.CorrectionConstraint{
		Intent:            string(intent),
		MaxFiles:          maxFiles,
		MaxTotalDiffBytes: maxBytes,
	}
	switch intent {
	case IntentRuntimeBoot:
		c.MaxFiles = clampFiles(maxFiles, 3)
		c.AllowedPathPrefixes = []string{"src/", "package.json", ".env.example"}
		c.Guidance = []string{
			"fix the boot failure visible in the runtime logs",
			"do not restructure modules or add features",
		}
	case IntentRuntimeHealth:
		c.MaxFiles = clampFiles(maxFiles, 3)
		c.AllowedPathPrefixes = []string{"src/"}
		c.Guidance = []string{
			"make the health endpoint respond successfully",
		}
	case IntentTypescriptCompile:
		c.MaxFiles = clampFiles(maxFiles, 5)
		c.AllowedPathPrefixes = []string{"src/", "test/", "tsconfig"}
		c.Guidance = []string{
			"resolve the compiler diagnostics without suppressing them",
		}
	case IntentTestFailure:
		c.MaxFiles = clampFiles(maxFiles, 5)
		c.AllowedPathPrefixes = []string{"src/", "test/"}
		c.Guidance = []string{
			"make the failing tests pass by fixing the implementation, not the assertions",
		}
	case IntentMigrationFailure:
		c.MaxFiles = clampFiles(maxFiles, 3)
		c.AllowedPathPrefixes = []string{"prisma/", "migrations/", "src/"}
		c.Guidance = []string{
			"repair the schema or migration so it applies cleanly",
		}
	case IntentArchitectureViolation:
		c.MaxFiles = clampFiles(maxFiles, 8)
		c.AllowedPathPrefixes = []string{"src/"}
		c.Guidance = []string{
			"restore layer boundaries; controllers must not reach past services",
		}
	case IntentSecurityBaseline:
		c.MaxFiles = clampFiles(maxFiles, 3)
		c.AllowedPathPrefixes = []string{"src/", "package.json"}
		c.Guidance = []string{
			"restore the security baseline middleware without weakening it",
		}
	default:
		c.AllowedPathPrefixes = []string{""}
		c.Guidance = []string{
			"repair the reported failure with the smallest possible change",
		}
	}
	return c
}

func clampFiles(cap, want int) int {
	if cap > 0 && want > cap {
		return cap
	}
	return want
}

// NewCorrectionMeta builds the reasoning record embedded in a synthesized step.
func NewCorrectionMeta(phase string, attempt int, failedStepID string, intent Intent, constraint model.CorrectionConstraint, summary string) *model.CorrectionMeta {
	return &model.CorrectionMeta{
		Phase:          phase,
		Attempt:        attempt,
		FailedStepID:   failedStepID,
		Classification: string(intent),
		Constraint:     &constraint,
		Summary:        summary,
		CreatedAt:      time.Now().UTC(),
	}
}
