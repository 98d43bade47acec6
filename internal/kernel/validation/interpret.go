// Package validation turns heavy-validation verdicts into semantic failure
// clusters and a correction profile. The validators themselves live outside
// this repository; only their verdicts are consumed here.
package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/deeprun/deeprun/internal/model"
)

type ClusterType string

const (
	ClusterTypecheck       ClusterType = "typecheck_failure"
	ClusterBuild           ClusterType = "build_failure"
	ClusterTest            ClusterType = "test_failure"
	ClusterImport          ClusterType = "import_resolution_error"
	ClusterLayerBoundary   ClusterType = "layer_boundary_violation"
	ClusterArchContract    ClusterType = "architecture_contract"
	ClusterTestContractGap ClusterType = "test_contract_gap"
)

// Cluster groups related validator failures with common provenance.
type Cluster struct {
	Type     ClusterType `json:"type"`
	Files    []string    `json:"files,omitempty"`
	Imports  []string    `json:"imports,omitempty"`
	Messages []string    `json:"messages,omitempty"`
	Count    int         `json:"count"`
}

// ImportSignal is the extractable (specifier, importing file) pair an
// import-resolution recipe needs.
type ImportSignal struct {
	Specifier string `json:"specifier"`
	File      string `json:"file"`
}

// Profile is the derived correction profile handed to the policy layer.
type Profile struct {
	Clusters             []Cluster    `json:"clusters"`
	BlockingCount        int          `json:"blockingCount"`
	ArchitectureCollapse bool         `json:"architectureCollapse,omitempty"`
	ArchitectureModules  []string     `json:"architectureModules,omitempty"`
	PlannerModeOverride  string       `json:"plannerModeOverride,omitempty"`
	ShouldAutoCorrect    bool         `json:"shouldAutoCorrect"`
	Reason               string       `json:"reason"`
	ImportSignal         *ImportSignal `json:"importSignal,omitempty"`
}

var (
	cannotFindModuleRe = regexp.MustCompile(`[Cc]annot find module '([^']+)'`)
	moduleNotFoundRe   = regexp.MustCompile(`[Mm]odule not found:?\s+'?([^'\s]+)'?`)
	tsCodeRe           = regexp.MustCompile(`\bTS\d{4,5}\b`)
)

// Interpret maps a verdict's failures into clusters and derives the
// correction profile.
func Interpret(v model.ValidationVerdict) Profile {
	byType := map[ClusterType]*Cluster{}
	var signal *ImportSignal

	for _, f := range v.Failures {
		ct := classifyFailure(f)
		c, ok := byType[ct]
		if !ok {
			c = &Cluster{Type: ct}
			byType[ct] = c
		}
		c.Count++
		if f.File != "" {
			c.Files = appendUnique(c.Files, f.File)
		}
		if f.Message != "" {
			c.Messages = appendUnique(c.Messages, f.Message)
		}
		if ct == ClusterImport {
			if spec := extractImportSpecifier(f.Message); spec != "" {
				c.Imports = appendUnique(c.Imports, spec)
				if signal == nil && f.File != "" {
					signal = &ImportSignal{Specifier: spec, File: f.File}
				}
			}
		}
	}

	clusters := make([]Cluster, 0, len(byType))
	for _, c := range byType {
		clusters = append(clusters, *c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Type < clusters[j].Type })

	modules := affectedModules(clusters)
	_, hasLayer := byType[ClusterLayerBoundary]
	collapse := hasLayer || len(modules) >= 2

	p := Profile{
		Clusters:             clusters,
		BlockingCount:        v.BlockingCount,
		ArchitectureCollapse: collapse,
		ArchitectureModules:  modules,
		ImportSignal:         signal,
	}
	if collapse {
		p.PlannerModeOverride = "architecture"
	}
	switch {
	case v.OK:
		p.Reason = "validation passed"
	case len(clusters) == 0:
		p.Reason = "validation failed without classifiable failures"
	default:
		p.ShouldAutoCorrect = true
		p.Reason = "blocking validation failures: " + clusterSummary(clusters)
	}
	return p
}

func classifyFailure(f model.ValidationFailure) ClusterType {
	check := strings.ToLower(strings.TrimSpace(f.Check))
	msg := f.Message

	if cannotFindModuleRe.MatchString(msg) || moduleNotFoundRe.MatchString(msg) {
		return ClusterImport
	}
	switch {
	case strings.Contains(check, "architecture"), strings.Contains(check, "layer"):
		if strings.Contains(strings.ToLower(msg), "layer") || strings.Contains(strings.ToLower(msg), "boundary") {
			return ClusterLayerBoundary
		}
		return ClusterArchContract
	case strings.Contains(check, "typecheck"), strings.Contains(check, "tsc"):
		return ClusterTypecheck
	case strings.Contains(check, "build"), strings.Contains(check, "compile"):
		return ClusterBuild
	case strings.Contains(check, "coverage"), strings.Contains(check, "contract"):
		return ClusterTestContractGap
	case strings.Contains(check, "test"):
		return ClusterTest
	}
	if tsCodeRe.MatchString(msg) {
		return ClusterTypecheck
	}
	return ClusterBuild
}

func extractImportSpecifier(msg string) string {
	if m := cannotFindModuleRe.FindStringSubmatch(msg); len(m) == 2 {
		return m[1]
	}
	if m := moduleNotFoundRe.FindStringSubmatch(msg); len(m) == 2 {
		return m[1]
	}
	return ""
}

// affectedModules derives architectural module names from failing file paths.
// Files under src/modules/<name>/... attribute to <name>; other src files
// attribute to their first directory under src.
func affectedModules(clusters []Cluster) []string {
	seen := map[string]bool{}
	var modules []string
	for _, c := range clusters {
		for _, f := range c.Files {
			m := moduleOf(f)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			modules = append(modules, m)
		}
	}
	sort.Strings(modules)
	return modules
}

func moduleOf(path string) string {
	parts := strings.Split(strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "./"), "/")
	for i, p := range parts {
		if p == "modules" && i+1 < len(parts)-1 {
			return parts[i+1]
		}
	}
	if len(parts) >= 3 && parts[0] == "src" {
		return parts[1]
	}
	return ""
}

func clusterSummary(clusters []Cluster) string {
	names := make([]string, 0, len(clusters))
	for _, c := range clusters {
		names = append(names, string(c.Type))
	}
	return strings.Join(names, ", ")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
