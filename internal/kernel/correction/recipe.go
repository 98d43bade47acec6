package correction

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/deeprun/deeprun/internal/kernel/filesession"
	"github.com/deeprun/deeprun/internal/kernel/validation"
	"github.com/deeprun/deeprun/internal/model"
)

// StubMarkerPrefix is the exact prefix of the first line of a materialized
// stub module. The remainder of the line is the JSON marker.
const StubMarkerPrefix = "// @deeprun-stub "

// StubExports summarizes what the importing declaration expects the module to
// provide.
type StubExports struct {
	Kind     string   `json:"kind"` // default | named | namespace | mixed
	Names    []string `json:"names,omitempty"`
	TypeOnly bool     `json:"typeOnly,omitempty"`
}

// StubMarker is the JSON payload embedded in a stub's first line.
type StubMarker struct {
	CreatedByRunID string      `json:"createdByRunId"`
	ProjectID      string      `json:"projectId"`
	StubPath       string      `json:"stubPath"`
	StubExports    StubExports `json:"stubExports"`
	CreatedAt      string      `json:"createdAt"`
}

// RecipeResult describes what an import-resolution recipe decided to do.
type RecipeResult struct {
	Mode      string // rewrite | materialize_stub
	Steps     []model.Step
	Stub      *StubTarget // set only for materialize_stub
	TouchedBy []string    // paths the recipe is allowed to change
}

// StubTarget is one tracked stub-debt entry.
type StubTarget struct {
	Path      string      `json:"path"`
	Hash      string      `json:"hash"`
	Exports   StubExports `json:"exports"`
	Referrers []string    `json:"referrers,omitempty"`
}

var importDeclRe = regexp.MustCompile(`(?m)^(\s*)import\s+(type\s+)?([^;'"]*?)\s*from\s*['"]([^'"]+)['"]`)

var tsResolutionSuffixes = []string{"", ".ts", ".tsx", ".js", "/index.ts", "/index.js"}

// BuildImportResolutionRecipe produces the deterministic single-step plan for
// an extractable import failure: either rewrite the broken specifier to a
// resolvable relative path, or materialize a marked stub module whose exports
// match the importing declaration.
func BuildImportResolutionRecipe(root, runID, projectID string, signal validation.ImportSignal, attempt int) (*RecipeResult, error) {
	importer := filepath.Join(root, filepath.FromSlash(signal.File))
	src, err := os.ReadFile(importer)
	if err != nil {
		return nil, fmt.Errorf("read importing file %s: %w", signal.File, err)
	}
	decl, exports, err := findImportDecl(string(src), signal.Specifier)
	if err != nil {
		return nil, err
	}

	if target := resolveSpecifier(root, signal.File, signal.Specifier); target != "" {
		rewritten := rewriteSpecifier(string(src), decl, signal.File, target)
		step := recipeStep(attempt, signal, model.PhaseImportResolutionRecipe, []filesession.ProposedChange{
			{Action: filesession.ActionUpdate, Path: signal.File, Content: rewritten},
		}, fmt.Sprintf("rewrite import %q to resolved module %s", signal.Specifier, target))
		return &RecipeResult{
			Mode:      "rewrite",
			Steps:     []model.Step{step},
			TouchedBy: []string{signal.File},
		}, nil
	}

	stubRel := stubLocation(signal.File, signal.Specifier)
	if stubRel == "" {
		return nil, fmt.Errorf("specifier %q is not resolvable and has no candidate stub location", signal.Specifier)
	}
	marker := StubMarker{
		CreatedByRunID: runID,
		ProjectID:      projectID,
		StubPath:       stubRel,
		StubExports:    exports,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	content, err := renderStub(marker)
	if err != nil {
		return nil, err
	}
	step := recipeStep(attempt, signal, model.PhaseImportResolutionRecipe, []filesession.ProposedChange{
		{Action: filesession.ActionCreate, Path: stubRel, Content: content},
	}, fmt.Sprintf("materialize stub module %s for unresolved import %q", stubRel, signal.Specifier))
	return &RecipeResult{
		Mode:  "materialize_stub",
		Steps: []model.Step{step},
		Stub: &StubTarget{
			Path:      stubRel,
			Hash:      ContentHash(content),
			Exports:   exports,
			Referrers: []string{signal.File},
		},
		TouchedBy: []string{stubRel},
	}, nil
}

func recipeStep(attempt int, signal validation.ImportSignal, phase string, changes []filesession.ProposedChange, summary string) model.Step {
	payload := make([]any, 0, len(changes))
	for _, c := range changes {
		payload = append(payload, map[string]any{
			"action":  string(c.Action),
			"path":    c.Path,
			"content": c.Content,
		})
	}
	constraint := model.CorrectionConstraint{
		Intent:              string(IntentTypescriptCompile),
		MaxFiles:            1,
		AllowedPathPrefixes: touchedPaths(changes),
	}
	return model.Step{
		ID:   fmt.Sprintf("%s%d", model.ValidationCorrectionPrefix, attempt),
		Type: model.StepModify,
		Tool: model.ToolWriteFile,
		Input: map[string]any{
			"proposedChanges": payload,
			"specifier":       signal.Specifier,
			"importingFile":   signal.File,
		},
		Correction: &model.CorrectionMeta{
			Phase:          phase,
			Attempt:        attempt,
			FailedStepID:   signal.File,
			Classification: string(IntentTypescriptCompile),
			Constraint:     &constraint,
			Summary:        summary,
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func touchedPaths(changes []filesession.ProposedChange) []string {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}
	sort.Strings(paths)
	return paths
}

type importDecl struct {
	full      string
	bindings  string
	typeOnly  bool
	specifier string
}

func findImportDecl(src, specifier string) (importDecl, StubExports, error) {
	for _, m := range importDeclRe.FindAllStringSubmatch(src, -1) {
		if m[4] != specifier {
			continue
		}
		d := importDecl{full: m[0], bindings: strings.TrimSpace(m[3]), typeOnly: m[2] != "", specifier: m[4]}
		return d, inferExports(d), nil
	}
	return importDecl{}, StubExports{}, fmt.Errorf("no import of %q found in source", specifier)
}

// inferExports derives the exports summary from the import declaration's
// binding clause: default, named, namespace, or a default+named mix.
func inferExports(d importDecl) StubExports {
	e := StubExports{TypeOnly: d.typeOnly}
	b := d.bindings
	switch {
	case strings.HasPrefix(b, "* as "):
		e.Kind = "namespace"
	case strings.HasPrefix(b, "{"):
		e.Kind = "named"
		e.Names = namedBindings(b)
	case strings.Contains(b, "{"):
		e.Kind = "mixed"
		e.Names = namedBindings(b[strings.Index(b, "{"):])
	default:
		e.Kind = "default"
	}
	return e
}

func namedBindings(clause string) []string {
	clause = strings.Trim(clause, "{} \t")
	var names []string
	for _, part := range strings.Split(clause, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		name = strings.TrimPrefix(name, "type ")
		// `Orig as Local` imports the source name Orig.
		if idx := strings.Index(name, " as "); idx > 0 {
			name = name[:idx]
		}
		names = append(names, strings.TrimSpace(name))
	}
	sort.Strings(names)
	return names
}

// resolveSpecifier performs module resolution for a relative specifier: the
// bare path, then .ts/.tsx/.js, then directory index files. Bare (package)
// specifiers never resolve here.
func resolveSpecifier(root, importingFile, specifier string) string {
	if !strings.HasPrefix(specifier, ".") {
		return ""
	}
	baseDir := path.Dir(importingFile)
	candidate := path.Clean(path.Join(baseDir, specifier))
	for _, suffix := range tsResolutionSuffixes {
		rel := candidate + suffix
		fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err == nil && !fi.IsDir() {
			return rel
		}
	}
	return ""
}

// rewriteSpecifier replaces the broken specifier inside the matched import
// declaration with a .js-suffixed relative path to the resolved target.
func rewriteSpecifier(src string, decl importDecl, importingFile, target string) string {
	rel, err := filepath.Rel(path.Dir(importingFile), target)
	if err != nil {
		return src
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, ".") {
		rel = "./" + rel
	}
	rel = strings.TrimSuffix(rel, ".tsx")
	rel = strings.TrimSuffix(rel, ".ts")
	rel = strings.TrimSuffix(rel, ".js")
	rel += ".js"
	fixed := strings.Replace(decl.full, "'"+decl.specifier+"'", "'"+rel+"'", 1)
	fixed = strings.Replace(fixed, `"`+decl.specifier+`"`, `"`+rel+`"`, 1)
	return strings.Replace(src, decl.full, fixed, 1)
}

// stubLocation picks the best candidate path for a materialized stub: the
// specifier resolved against the importing file, with a .ts extension.
func stubLocation(importingFile, specifier string) string {
	if !strings.HasPrefix(specifier, ".") {
		return ""
	}
	candidate := path.Clean(path.Join(path.Dir(importingFile), specifier))
	if candidate == "." || strings.HasPrefix(candidate, "..") {
		return ""
	}
	if path.Ext(candidate) == "" {
		candidate += ".ts"
	}
	return candidate
}

// renderStub produces the stub module: the single-line JSON marker followed by
// a body exporting what the importer expects.
func renderStub(marker StubMarker) (string, error) {
	payload, err := json.Marshal(marker)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(StubMarkerPrefix)
	b.Write(payload)
	b.WriteString("\n")
	writeExportBody(&b, marker.StubExports)
	return b.String(), nil
}

func writeExportBody(b *strings.Builder, e StubExports) {
	if e.TypeOnly {
		for _, name := range e.Names {
			fmt.Fprintf(b, "export type %s = unknown;\n", name)
		}
		if len(e.Names) == 0 {
			b.WriteString("export type Stub = unknown;\n")
		}
		return
	}
	switch e.Kind {
	case "default":
		b.WriteString("export default function stub(): never {\n  throw new Error('not implemented');\n}\n")
	case "namespace":
		b.WriteString("export function stub(): never {\n  throw new Error('not implemented');\n}\n")
	default: // named, mixed
		for _, name := range e.Names {
			fmt.Fprintf(b, "export function %s(): never {\n  throw new Error('not implemented');\n}\n", name)
		}
		if e.Kind == "mixed" {
			b.WriteString("export default function stub(): never {\n  throw new Error('not implemented');\n}\n")
		}
	}
}

// HasStubMarker reports whether content begins with the stub marker line.
func HasStubMarker(content string) bool {
	return strings.HasPrefix(content, StubMarkerPrefix)
}

// ParseStubMarker extracts the marker from a stub file's first line.
func ParseStubMarker(content string) (StubMarker, bool) {
	if !HasStubMarker(content) {
		return StubMarker{}, false
	}
	line := content[len(StubMarkerPrefix):]
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	var m StubMarker
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return StubMarker{}, false
	}
	return m, true
}

// ContentHash is the stable hash used for stub-debt change detection.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
