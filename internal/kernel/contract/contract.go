// Package contract normalizes, hashes and validates the per-run execution
// configuration bundle. The contract is sealed into a run at creation time and
// verified on every subsequent transition; a stored hash that no longer
// matches the stored effective config is a hard failure.
package contract

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/deeprun/deeprun/internal/model"
)

const (
	SchemaVersion = 1

	DeterminismPolicyVersion = "dp-1"
	PlannerPolicyVersion     = "pp-1"
	CorrectionRecipeVersion  = "cr-1"
	ValidationPolicyVersion  = "vp-1"
)

// Correction policy and convergence modes share the off/warn/enforce lattice
// with validation modes.
type PolicyMode = model.ValidationMode

// ExecutionConfig is the normalized effective configuration of a run. Field
// order is load-bearing: the contract hash is computed over the canonical
// JSON encoding of Material, which embeds this struct.
type ExecutionConfig struct {
	LightValidationMode model.ValidationMode `json:"lightValidationMode"`
	HeavyValidationMode model.ValidationMode `json:"heavyValidationMode"`

	CorrectionPolicyMode      PolicyMode `json:"correctionPolicyMode"`
	CorrectionConvergenceMode PolicyMode `json:"correctionConvergenceMode"`

	GoalMaxCorrections         int `json:"goalMaxCorrections"`
	OptimizationMaxCorrections int `json:"optimizationMaxCorrections"`

	PlannerTimeoutMS int `json:"plannerTimeoutMs"`

	MaxFilesPerStep   int  `json:"maxFilesPerStep"`
	MaxTotalDiffBytes int  `json:"maxTotalDiffBytes"`
	MaxFileBytes      int  `json:"maxFileBytes"`
	AllowEnvMutation  bool `json:"allowEnvMutation"`

	RunLockStaleSeconds int `json:"runLockStaleSeconds"`

	Profile string `json:"profile"`
}

// Material is the hashed content of a contract.
type Material struct {
	SchemaVersion             int             `json:"schemaVersion"`
	NormalizedExecutionConfig ExecutionConfig `json:"normalizedExecutionConfig"`
	DeterminismPolicyVersion  string          `json:"determinismPolicyVersion"`
	PlannerPolicyVersion      string          `json:"plannerPolicyVersion"`
	CorrectionRecipeVersion   string          `json:"correctionRecipeVersion"`
	ValidationPolicyVersion   string          `json:"validationPolicyVersion"`
	RandomnessSeed            string          `json:"randomnessSeed"`
}

// Contract is the sealed bundle attached to every run.
type Contract struct {
	SchemaVersion   int             `json:"schemaVersion"`
	Hash            string          `json:"hash"`
	EffectiveConfig ExecutionConfig `json:"effectiveConfig"`
	Material        Material        `json:"material"`
	FallbackUsed    bool            `json:"fallbackUsed"`
	FallbackFields  []string        `json:"fallbackFields"`
}

// MetadataKey is where the contract lives inside AgentRun.Metadata.
const MetadataKey = "executionContract"

func Default() ExecutionConfig {
	return ExecutionConfig{
		LightValidationMode:        model.ModeOff,
		HeavyValidationMode:        model.ModeEnforce,
		CorrectionPolicyMode:       model.ModeWarn,
		CorrectionConvergenceMode:  model.ModeWarn,
		GoalMaxCorrections:         5,
		OptimizationMaxCorrections: 3,
		PlannerTimeoutMS:           60_000,
		MaxFilesPerStep:            10,
		MaxTotalDiffBytes:          512 * 1024,
		MaxFileBytes:               256 * 1024,
		AllowEnvMutation:           false,
		RunLockStaleSeconds:        1800,
		Profile:                    "builder",
	}
}

// Normalize clamps and lower-cases a config into its canonical form. Invalid
// enum values fall back to the defaults rather than failing: the contract is
// built exactly once at run creation and must always produce a usable bundle.
func Normalize(cfg ExecutionConfig) ExecutionConfig {
	def := Default()

	norm := cfg
	norm.LightValidationMode = normalizeMode(cfg.LightValidationMode, def.LightValidationMode)
	norm.HeavyValidationMode = normalizeMode(cfg.HeavyValidationMode, def.HeavyValidationMode)
	norm.CorrectionPolicyMode = normalizeMode(cfg.CorrectionPolicyMode, def.CorrectionPolicyMode)
	norm.CorrectionConvergenceMode = normalizeMode(cfg.CorrectionConvergenceMode, def.CorrectionConvergenceMode)

	norm.GoalMaxCorrections = clampInt(cfg.GoalMaxCorrections, 0, 5, def.GoalMaxCorrections)
	norm.OptimizationMaxCorrections = clampInt(cfg.OptimizationMaxCorrections, 0, 3, def.OptimizationMaxCorrections)
	norm.PlannerTimeoutMS = clampInt(cfg.PlannerTimeoutMS, 1, 300_000, def.PlannerTimeoutMS)
	norm.MaxFilesPerStep = positiveOr(cfg.MaxFilesPerStep, def.MaxFilesPerStep)
	norm.MaxTotalDiffBytes = positiveOr(cfg.MaxTotalDiffBytes, def.MaxTotalDiffBytes)
	norm.MaxFileBytes = positiveOr(cfg.MaxFileBytes, def.MaxFileBytes)
	norm.RunLockStaleSeconds = clampInt(cfg.RunLockStaleSeconds, 60, 86_400, def.RunLockStaleSeconds)

	norm.Profile = strings.ToLower(strings.TrimSpace(cfg.Profile))
	if norm.Profile == "" {
		norm.Profile = def.Profile
	}
	return norm
}

func normalizeMode(m, def model.ValidationMode) model.ValidationMode {
	mode := model.ValidationMode(strings.ToLower(strings.TrimSpace(string(m))))
	if mode.Valid() {
		return mode
	}
	return def
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Build seals a config into a contract. fallbackFields names the config fields
// populated from environment fallbacks rather than the caller's request.
func Build(cfg ExecutionConfig, seed string, fallbackFields []string) Contract {
	eff := Normalize(cfg)
	material := Material{
		SchemaVersion:             SchemaVersion,
		NormalizedExecutionConfig: eff,
		DeterminismPolicyVersion:  DeterminismPolicyVersion,
		PlannerPolicyVersion:      PlannerPolicyVersion,
		CorrectionRecipeVersion:   CorrectionRecipeVersion,
		ValidationPolicyVersion:   ValidationPolicyVersion,
		RandomnessSeed:            seed,
	}
	fields := append([]string{}, fallbackFields...)
	sort.Strings(fields)
	return Contract{
		SchemaVersion:   SchemaVersion,
		Hash:            HashMaterial(material),
		EffectiveConfig: eff,
		Material:        material,
		FallbackUsed:    len(fields) > 0,
		FallbackFields:  fields,
	}
}

// HashMaterial computes the stable content hash of contract material. The
// encoding is canonical because Material and ExecutionConfig are fixed-order
// structs with no maps.
func HashMaterial(m Material) string {
	b, err := json.Marshal(m)
	if err != nil {
		// Material contains only scalar fields; marshal cannot fail in practice.
		panic(fmt.Sprintf("contract material marshal: %v", err))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash from the stored effective config and compares it
// with the stored hash. Mismatch is the CONTRACT_MISMATCH hard error.
func Verify(c Contract) error {
	m := c.Material
	m.NormalizedExecutionConfig = c.EffectiveConfig
	if got := HashMaterial(m); got != c.Hash {
		return &model.RunError{
			Code:    model.CodeContractMismatch,
			Message: fmt.Sprintf("stored contract hash %s does not match recomputed %s", c.Hash, got),
			Cause:   model.ErrContractMismatch,
		}
	}
	return nil
}

// EvaluateSupport decides whether this worker build can execute the material.
type Support struct {
	Supported bool
	Message   string
}

func EvaluateSupport(m Material) Support {
	if m.SchemaVersion != SchemaVersion {
		return Support{Message: fmt.Sprintf("unsupported contract schema version %d (worker supports %d)", m.SchemaVersion, SchemaVersion)}
	}
	if m.DeterminismPolicyVersion != DeterminismPolicyVersion ||
		m.PlannerPolicyVersion != PlannerPolicyVersion ||
		m.CorrectionRecipeVersion != CorrectionRecipeVersion ||
		m.ValidationPolicyVersion != ValidationPolicyVersion {
		return Support{Message: "unsupported contract policy versions"}
	}
	cfg := m.NormalizedExecutionConfig
	for _, mode := range []model.ValidationMode{
		cfg.LightValidationMode, cfg.HeavyValidationMode,
		cfg.CorrectionPolicyMode, cfg.CorrectionConvergenceMode,
	} {
		if !mode.Valid() {
			return Support{Message: fmt.Sprintf("unsupported contract mode %q", mode)}
		}
	}
	return Support{Supported: true}
}

// AttachTo writes the contract into run metadata.
func AttachTo(run *model.AgentRun, c Contract) {
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	run.Metadata[MetadataKey] = c.asMap()
}

func (c Contract) asMap() map[string]any {
	b, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// FromRunMetadata decodes the persisted contract for a run.
func FromRunMetadata(metadata map[string]any) (Contract, error) {
	raw, ok := metadata[MetadataKey]
	if !ok {
		return Contract{}, fmt.Errorf("run metadata has no execution contract")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Contract{}, fmt.Errorf("encode persisted contract: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(b, &c); err != nil {
		return Contract{}, fmt.Errorf("decode persisted contract: %w", err)
	}
	return c, nil
}

// Resolution compares a persisted contract against a requested one.
type Resolution struct {
	Persisted Contract
	Requested Contract
	Diff      []string
}

// Resolve builds the requested contract and diffs it against the persisted
// one. The caller decides whether a non-empty diff is fatal (resume without
// override) or intentional (fork).
func Resolve(persisted Contract, requested ExecutionConfig, seed string, fallbackFields []string) Resolution {
	req := Build(requested, seed, fallbackFields)
	return Resolution{
		Persisted: persisted,
		Requested: req,
		Diff:      diffConfigs(persisted.EffectiveConfig, req.EffectiveConfig),
	}
}

func diffConfigs(a, b ExecutionConfig) []string {
	var diff []string
	am := configFields(a)
	bm := configFields(b)
	keys := make([]string, 0, len(am))
	for k := range am {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if am[k] != bm[k] {
			diff = append(diff, fmt.Sprintf("%s: %v -> %v", k, am[k], bm[k]))
		}
	}
	return diff
}

func configFields(c ExecutionConfig) map[string]any {
	b, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
