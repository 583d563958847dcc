package executor

import (
	"regexp"
	"strings"

	"autodev/internal/types"
)

// typeKeywords scores task text against fixed keyword sets; the highest
// scoring type wins, ties resolve to IMPLEMENTATION.
var typeKeywords = map[types.TaskType][]string{
	types.TypeBugFix:       {"fix", "bug", "broken", "crash", "regression", "defect", "incorrect", "wrong"},
	types.TypeRefactor:     {"refactor", "cleanup", "restructure", "rename", "simplify", "extract", "reorganize", "dedup"},
	types.TypeTesting:      {"test", "tests", "coverage", "unit", "integration", "e2e", "spec"},
	types.TypeVerification: {"verify", "review", "audit", "validate", "inspect"},
}

// effortByType maps inferred type to the reasoning effort hint.
var effortByType = map[types.TaskType]types.EffortLevel{
	types.TypeImplementation: types.EffortHigh,
	types.TypeBugFix:         types.EffortHigh,
	types.TypeRefactor:       types.EffortMedium,
	types.TypeTesting:        types.EffortMedium,
	types.TypePRDBreakdown:   types.EffortMax,
	types.TypeVerification:   types.EffortMax,
}

var inferWordRe = regexp.MustCompile(`[a-z]+`)

// InferType scores title+description against the keyword sets.
func InferType(title, description string) types.TaskType {
	words := map[string]int{}
	for _, w := range inferWordRe.FindAllString(strings.ToLower(title+" "+description), -1) {
		words[w]++
	}

	// Fixed evaluation order keeps ties deterministic.
	order := []types.TaskType{types.TypeBugFix, types.TypeRefactor, types.TypeTesting, types.TypeVerification}

	best := types.TypeImplementation
	bestScore := 0
	for _, taskType := range order {
		score := 0
		for _, k := range typeKeywords[taskType] {
			score += words[k]
		}
		if score > bestScore {
			best = taskType
			bestScore = score
		}
	}
	return best
}

// InferEffort maps a task type to its effort level.
func InferEffort(t types.TaskType) types.EffortLevel {
	if e, ok := effortByType[t]; ok {
		return e
	}
	return types.EffortHigh
}

// fileListRe matches the "Created/Modified src/foo.py" phrases agents emit
// when narrating their work.
var fileListRe = regexp.MustCompile(`(?im)^\s*[-*]?\s*(?:Created|Modified|Updated|Added|Deleted|Wrote|Edited)[:\s]+` + "`?" + `([\w./\-]+\.[\w]+)` + "`?")

// ParseFilesChanged extracts file paths from agent output.
func ParseFilesChanged(output string) []string {
	seen := map[string]bool{}
	var files []string
	for _, m := range fileListRe.FindAllStringSubmatch(output, -1) {
		f := m[1]
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	return files
}
