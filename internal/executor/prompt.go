package executor

import (
	"fmt"
	"strings"

	"autodev/internal/types"
)

// buildTaskPrompt assembles the implementation prompt: PRD and story
// context, completed sibling work, relevant learnings, then the task itself
// with the standing implementation requirements.
func buildTaskPrompt(prd *types.PRD, story *types.Story, task *types.Task,
	siblings []*types.Task, learnings []*types.Learning) string {

	var b strings.Builder

	if prd != nil {
		fmt.Fprintf(&b, "# Project: %s\n%s\n\n", prd.Title, prd.Description)
	}
	if story != nil {
		fmt.Fprintf(&b, "# Current feature: %s\n%s\n", story.Title, story.Description)
		if len(story.AcceptanceCriteria) > 0 {
			b.WriteString("Acceptance criteria:\n")
			for _, c := range story.AcceptanceCriteria {
				b.WriteString("- " + c + "\n")
			}
		}
		b.WriteString("\n")
	}

	if len(siblings) > 0 {
		b.WriteString("# Already completed in this feature\n")
		for _, s := range siblings {
			fmt.Fprintf(&b, "- %s", s.Title)
			if len(s.FilesChanged) > 0 {
				fmt.Fprintf(&b, " (files: %s)", strings.Join(s.FilesChanged, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(learnings) > 0 {
		b.WriteString("# Relevant experience from earlier tasks\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- [%s] %s\n", l.Category, l.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "# Your task: %s\n%s\n\n", task.Title, task.Description)
	if task.Effort != "" {
		fmt.Fprintf(&b, "Effort level: %s\n\n", task.Effort)
	}

	b.WriteString(`Requirements:
- Write tests for the behavior you add or change.
- Validate all external input.
- Never hardcode secrets or credentials.
- Handle errors explicitly; do not swallow them.
- When finished, list every file you created or modified, one per line,
  as "Modified: path" or "Created: path".
`)
	return b.String()
}

// buildFixPrompt asks a fresh agent instance to address verification
// findings. The implementor's context is deliberately not carried over.
func buildFixPrompt(task *types.Task, result *types.VerificationResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "An independent review of the change for task %q found problems that must be fixed.\n\n", task.Title)

	if len(result.SecurityConcerns) > 0 {
		b.WriteString("Security concerns:\n")
		for _, c := range result.SecurityConcerns {
			b.WriteString("- " + c + "\n")
		}
		b.WriteString("\n")
	}
	if len(result.LogicErrors) > 0 {
		b.WriteString("Logic errors:\n")
		for _, c := range result.LogicErrors {
			b.WriteString("- " + c + "\n")
		}
		b.WriteString("\n")
	}
	if len(result.Issues) > 0 {
		b.WriteString("Other issues:\n")
		for _, c := range result.Issues {
			b.WriteString("- " + c + "\n")
		}
		b.WriteString("\n")
	}

	if len(task.FilesChanged) > 0 {
		fmt.Fprintf(&b, "The change touched: %s\n\n", strings.Join(task.FilesChanged, ", "))
	}

	b.WriteString("Fix every listed problem in place. Do not introduce new features. List the files you modify.\n")
	return b.String()
}
