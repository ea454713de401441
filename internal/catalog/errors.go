package catalog

import (
	"fmt"
	"strings"
)

// SelfDependencyError rejects an edge whose two ends are the same task.
type SelfDependencyError struct {
	TaskID string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("task %s cannot depend on itself", e.TaskID)
}

// CycleError rejects an edge that would close a cycle. Path starts at the
// dependent task, follows depends-on edges, and ends back at it.
type CycleError struct {
	TaskID          string
	DependsOnTaskID string
	Path            []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.TaskID, e.DependsOnTaskID, strings.Join(e.Path, " -> "))
}
