package poller

import (
	"strings"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// StateTable maps upper-cased vendor status strings onto canonical states.
type StateTable map[string]pipeline.TaskState

// DefaultStateTable covers the generation vendor's documented statuses.
func DefaultStateTable() StateTable {
	return StateTable{
		"PENDING":     pipeline.TaskQueued,
		"QUEUED":      pipeline.TaskQueued,
		"IN_PROGRESS": pipeline.TaskRunning,
		"RUNNING":     pipeline.TaskRunning,
		"SUCCEEDED":   pipeline.TaskSucceeded,
		"FAILED":      pipeline.TaskFailed,
		"CANCELED":    pipeline.TaskFailed,
		"CANCELLED":   pipeline.TaskFailed,
		"EXPIRED":     pipeline.TaskFailed,
	}
}

// Map resolves a vendor status. Unknown statuses resolve to Running with
// known=false so callers can clamp progress.
func (t StateTable) Map(vendor string) (state pipeline.TaskState, known bool) {
	state, known = t[strings.ToUpper(strings.TrimSpace(vendor))]
	if !known {
		return pipeline.TaskRunning, false
	}
	return state, true
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
