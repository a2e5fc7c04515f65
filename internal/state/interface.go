package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Recorder receives run progress while the pipeline executes.
type Recorder interface {
	BeginRun(runID, request string, startedAt time.Time) error
	RecordEvent(ev Event) error
	SaveSummary(s *models.RunSummary) error
}

// RunReader serves stored runs back to the CLI.
type RunReader interface {
	ListRuns(limit int) ([]RunRecord, error)
	GetRun(id string) (*RunDetail, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// RunStore is the full run-history backend.
type RunStore interface {
	io.Closer
	Migrator
	Recorder
	RunReader
}

// Compile-time verification that DB implements all interfaces.
var (
	_ RunStore  = (*DB)(nil)
	_ Recorder  = (*DB)(nil)
	_ RunReader = (*DB)(nil)
)
