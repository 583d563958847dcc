package scheduler

import (
	"autodev/internal/types"
)

// Tricolor DFS over one story's dependency graph. Dependencies pointing
// outside the story are treated as always satisfied; the analysis is local.

type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // finished
)

// detectCycles returns the ids of tasks participating in a dependency
// cycle within the given task set. A self-loop counts.
func detectCycles(tasks []*types.Task) []int64 {
	byID := make(map[int64]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	colors := make(map[int64]color, len(tasks))
	cyclic := make(map[int64]bool)

	var stack []int64
	var visit func(id int64)
	visit = func(id int64) {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range byID[id].DependsOn {
			if _, inStory := byID[dep]; !inStory {
				continue
			}
			switch colors[dep] {
			case white:
				visit(dep)
			case gray:
				// Back edge: everything on the stack from dep onward is
				// part of the cycle. Marking the whole stack matches the
				// conservative treatment: none of it is safe to dispatch.
				for _, sid := range stack {
					cyclic[sid] = true
				}
				cyclic[dep] = true
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, t := range tasks {
		if colors[t.ID] == white {
			visit(t.ID)
		}
	}

	out := make([]int64, 0, len(cyclic))
	for _, t := range tasks {
		if cyclic[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}
