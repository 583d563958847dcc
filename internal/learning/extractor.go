// Package learning extracts reusable facts from task outcomes so later
// tasks start with the accumulated experience of earlier ones.
package learning

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// Outcome is what the extractor sees of a finished task.
type Outcome struct {
	Task         *types.Task
	Success      bool
	ErrorMessage string
	AgentOutput  string
	GateResult   *types.QualityGateResult
}

// marker maps an output prefix to a learning category.
type marker struct {
	re       *regexp.Regexp
	category types.LearningCategory
}

// Marker lines in agent output become learnings verbatim. The minimum
// length filter drops throwaway matches like "Note: done".
var markers = []marker{
	{regexp.MustCompile(`(?im)^\s*(?:\*\*)?Note:(?:\*\*)?\s*(.+)$`), types.LearnProjectContext},
	{regexp.MustCompile(`(?im)^\s*(?:\*\*)?Pattern:(?:\*\*)?\s*(.+)$`), types.LearnPattern},
	{regexp.MustCompile(`(?im)^\s*(?:\*\*)?Warning:(?:\*\*)?\s*(.+)$`), types.LearnPitfall},
	{regexp.MustCompile(`(?im)^\s*(?:\*\*)?Learned:(?:\*\*)?\s*(.+)$`), types.LearnBestPractice},
	{regexp.MustCompile(`(?im)^\s*(?:\*\*)?Gotcha:(?:\*\*)?\s*(.+)$`), types.LearnPitfall},
}

const (
	minMarkerLength  = 20
	minOutputLength  = 100
	maxKeywords      = 10
	failureConf      = 0.8
	markerConf       = 0.7
	genericConf      = 0.5
	gateFailureConf  = 0.9
	maxContentLength = 1000
)

// Extract inspects a task outcome and produces zero or more learnings. The
// returned learnings carry no owner; the caller stamps user/project.
func Extract(outcome Outcome) []*types.Learning {
	task := outcome.Task
	var out []*types.Learning

	if !outcome.Success && outcome.ErrorMessage != "" {
		out = append(out, &types.Learning{
			TaskID:   &task.ID,
			Category: types.LearnPitfall,
			Title:    fmt.Sprintf("Failure: %s", truncate(task.Title, 80)),
			Content: truncate(fmt.Sprintf("Task %q failed: %s", task.Title, outcome.ErrorMessage),
				maxContentLength),
			Confidence: failureConf,
		})
	}

	if outcome.Success && len(outcome.AgentOutput) >= minOutputLength {
		matched := false
		for _, m := range markers {
			for _, hit := range m.re.FindAllStringSubmatch(outcome.AgentOutput, -1) {
				content := strings.TrimSpace(hit[1])
				if len(content) < minMarkerLength {
					continue
				}
				matched = true
				out = append(out, &types.Learning{
					TaskID:     &task.ID,
					Category:   m.category,
					Title:      truncate(content, 80),
					Content:    truncate(content, maxContentLength),
					Confidence: markerConf,
				})
			}
		}
		if !matched && len(task.FilesChanged) > 0 {
			out = append(out, &types.Learning{
				TaskID:   &task.ID,
				Category: types.LearnPattern,
				Title:    fmt.Sprintf("Completed: %s", truncate(task.Title, 80)),
				Content: truncate(fmt.Sprintf("Task %q completed, touching %s",
					task.Title, strings.Join(task.FilesChanged, ", ")), maxContentLength),
				Confidence: genericConf,
			})
		}
	}

	if outcome.GateResult != nil && !outcome.GateResult.Passed() {
		out = append(out, &types.Learning{
			TaskID:     &task.ID,
			Category:   types.LearnTesting,
			Title:      fmt.Sprintf("Gate failure: %s", truncate(task.Title, 80)),
			Content:    truncate(gateFailureSummary(outcome.GateResult), maxContentLength),
			Confidence: gateFailureConf,
		})
	}

	for _, l := range out {
		l.Keywords = ExtractKeywords(l.Title+" "+l.Content, maxKeywords)
	}

	if len(out) > 0 {
		logging.Learning("Extracted %d learnings from task #%d", len(out), task.ID)
	}
	return out
}

func gateFailureSummary(g *types.QualityGateResult) string {
	var failed []string
	if !g.TestsOK {
		failed = append(failed, fmt.Sprintf("tests (%d failed)", g.TestsFailed))
	}
	if !g.TypecheckOK {
		failed = append(failed, "typecheck")
	}
	if !g.LintOK {
		failed = append(failed, "lint")
	}
	summary := "Quality gates failed: " + strings.Join(failed, ", ")
	if g.RegressionDetected {
		summary += " (regression over baseline)"
	}
	if g.Output != "" {
		summary += "\n" + truncate(g.Output, 400)
	}
	return summary
}

var keywordStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "in": true, "is": true,
	"it": true, "its": true, "not": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "which": true, "will": true, "with": true,
	"task": true, "failed": true, "completed": true,
}

var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]{2,}`)

// ExtractKeywords returns the top-n words by frequency after stop-word and
// short-word filtering. Ties break alphabetically for stable output.
func ExtractKeywords(text string, n int) []string {
	freq := map[string]int{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if keywordStopWords[w] {
			continue
		}
		freq[w]++
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > n {
		words = words[:n]
	}
	return words
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
