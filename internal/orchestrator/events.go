package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventType represents the type of pipeline event.
type EventType string

const (
	// EventStage indicates the pipeline entered a new stage.
	EventStage EventType = "stage"
	// EventItemStarted indicates an item began its first attempt.
	EventItemStarted EventType = "item_started"
	// EventItemCompleted indicates an item passed verification.
	EventItemCompleted EventType = "item_completed"
	// EventItemFailed indicates an item ended in failure.
	EventItemFailed EventType = "item_failed"
	// EventItemReplanned indicates deep replanning adjusted or decomposed an item.
	EventItemReplanned EventType = "item_replanned"
	// EventValidationRejected indicates a tool-call batch was rejected.
	EventValidationRejected EventType = "validation_rejected"
	// EventRunDone indicates the run reached its terminal stage.
	EventRunDone EventType = "run_done"
)

// Event represents an event emitted by the pipeline.
// These events are used to update the TUI and the run history.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the run.
	RunID string
	// Stage is the pipeline stage, for stage events.
	Stage Stage
	// ItemID is the ID of the related item, if applicable.
	ItemID string
	// ItemLabel is the display text of the related item.
	ItemLabel string
	// Attempt is the item's attempt counter when the event fired.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Children lists item IDs created by a decomposition.
	Children []string
	// Summary is set on run_done.
	Summary *models.RunSummary
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
