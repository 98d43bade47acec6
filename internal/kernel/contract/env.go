package contract

import (
	"os"
	"strconv"
	"strings"

	"github.com/deeprun/deeprun/internal/model"
)

// Environment keys consulted at run-create time. All optional; values that
// fail to parse fall back to the default. The engine body never reads the
// environment — everything collapses here, once, into the sealed contract.
const (
	EnvLightValidationMode       = "AGENT_LIGHT_VALIDATION_MODE"
	EnvHeavyValidationMode       = "AGENT_HEAVY_VALIDATION_MODE"
	EnvCorrectionPolicyMode      = "AGENT_CORRECTION_POLICY_MODE"
	EnvCorrectionConvergenceMode = "AGENT_CORRECTION_CONVERGENCE_MODE"
	EnvGoalMaxCorrections        = "AGENT_GOAL_MAX_CORRECTIONS"
	EnvOptimizationMaxCorrections = "AGENT_OPTIMIZATION_MAX_CORRECTIONS"
	EnvRunLockStaleSeconds       = "AGENT_RUN_LOCK_STALE_SECONDS"
	EnvMaxFilesPerStep           = "AGENT_FS_MAX_FILES_PER_STEP"
	EnvMaxTotalDiffBytes         = "AGENT_FS_MAX_TOTAL_DIFF_BYTES"
	EnvMaxFileBytes              = "AGENT_FS_MAX_FILE_BYTES"
	EnvAllowEnvMutation          = "AGENT_FS_ALLOW_ENV_MUTATION"
	EnvPlannerTimeoutMS          = "DEEPRUN_PLANNER_TIMEOUT_MS"
)

// BuildFallback reads the environment-driven defaults and reports which
// fields were taken from the environment.
func BuildFallback() (ExecutionConfig, []string) {
	cfg := Default()
	var used []string

	mode := func(key string, target *model.ValidationMode) {
		raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
		if raw == "" {
			return
		}
		m := model.ValidationMode(raw)
		if !m.Valid() {
			return
		}
		*target = m
		used = append(used, key)
	}
	num := func(key string, target *int) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return
		}
		*target = n
		used = append(used, key)
	}

	mode(EnvLightValidationMode, &cfg.LightValidationMode)
	mode(EnvHeavyValidationMode, &cfg.HeavyValidationMode)
	mode(EnvCorrectionPolicyMode, &cfg.CorrectionPolicyMode)
	mode(EnvCorrectionConvergenceMode, &cfg.CorrectionConvergenceMode)
	num(EnvGoalMaxCorrections, &cfg.GoalMaxCorrections)
	num(EnvOptimizationMaxCorrections, &cfg.OptimizationMaxCorrections)
	num(EnvRunLockStaleSeconds, &cfg.RunLockStaleSeconds)
	num(EnvMaxFilesPerStep, &cfg.MaxFilesPerStep)
	num(EnvMaxTotalDiffBytes, &cfg.MaxTotalDiffBytes)
	num(EnvMaxFileBytes, &cfg.MaxFileBytes)
	num(EnvPlannerTimeoutMS, &cfg.PlannerTimeoutMS)

	if raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvAllowEnvMutation))); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			cfg.AllowEnvMutation = b
			used = append(used, EnvAllowEnvMutation)
		}
	}

	// Normalize applies the documented caps (goal<=5, optimization<=3,
	// planner timeout 1ms..300s, lock staleness 60..86400s).
	return Normalize(cfg), used
}
