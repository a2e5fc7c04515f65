package models

// RunStatus is the terminal outcome of one pipeline run.
type RunStatus string

const (
	// RunCompleted means every item completed (or the request was answered directly).
	RunCompleted RunStatus = "completed"
	// RunPartial means the run finished with at least one failed item.
	RunPartial RunStatus = "partial"
	// RunAborted means the run was cancelled or stopped by an unrecoverable error.
	RunAborted RunStatus = "aborted"
)

// RunSummary is emitted when the pipeline terminates.
type RunSummary struct {
	RunID          string      `json:"run_id"`
	GraphID        string      `json:"graph_id,omitempty"`
	Request        string      `json:"request"`
	Status         RunStatus   `json:"status"`
	Items          []*WorkItem `json:"items"`
	DurationMs     int64       `json:"durationMs"`
	ItemsCompleted int         `json:"itemsCompleted"`
	ItemsFailed    int         `json:"itemsFailed"`
	// AbortReason explains an aborted status.
	AbortReason string `json:"abort_reason,omitempty"`
	// Reply holds the direct answer when the request was classified as chat.
	Reply string `json:"reply,omitempty"`
}

// FailedItems returns the items that ended in failure.
func (s *RunSummary) FailedItems() []*WorkItem {
	var out []*WorkItem
	for _, it := range s.Items {
		if it.Status == ItemStatusFailed {
			out = append(out, it)
		}
	}
	return out
}
