package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrRunNotFound is returned when a run ID has no stored record.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored header of one pipeline run.
type RunRecord struct {
	ID             string
	GraphID        string
	Request        string
	Status         string
	AbortReason    string
	Reply          string
	DurationMs     int64
	ItemsCompleted int
	ItemsFailed    int
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Finished reports whether a summary has been saved for the run.
func (r *RunRecord) Finished() bool {
	return r.FinishedAt != nil
}

// Event is one stored pipeline event.
type Event struct {
	RunID     string
	Type      string
	ItemID    string
	Message   string
	CreatedAt time.Time
}

// RunDetail is a run with its items and events.
type RunDetail struct {
	Run    RunRecord
	Items  []*models.WorkItem
	Events []Event
}

// BeginRun records the start of a run so events can reference it.
// Calling it again for the same ID is a no-op.
func (db *DB) BeginRun(runID, request string, startedAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, request, status, started_at)
		VALUES (?, ?, 'running', ?)
		ON CONFLICT(id) DO NOTHING
	`, runID, request, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// SaveSummary stores the terminal summary of a run and replaces its items.
// A run that was never begun is created with a start time derived from
// the summary duration.
func (db *DB) SaveSummary(s *models.RunSummary) error {
	if s == nil || s.RunID == "" {
		return errors.New("save summary: missing run id")
	}
	now := time.Now()
	started := now.Add(-time.Duration(s.DurationMs) * time.Millisecond)

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (id, graph_id, request, status, abort_reason, reply,
				duration_ms, items_completed, items_failed, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				graph_id = excluded.graph_id,
				status = excluded.status,
				abort_reason = excluded.abort_reason,
				reply = excluded.reply,
				duration_ms = excluded.duration_ms,
				items_completed = excluded.items_completed,
				items_failed = excluded.items_failed,
				finished_at = excluded.finished_at
		`, s.RunID, s.GraphID, s.Request, string(s.Status), s.AbortReason, s.Reply,
			s.DurationMs, s.ItemsCompleted, s.ItemsFailed, formatTime(started), formatTime(now))
		if err != nil {
			return fmt.Errorf("save run %s: %w", s.RunID, err)
		}

		if _, err := tx.Exec(`DELETE FROM run_items WHERE run_id = ?`, s.RunID); err != nil {
			return fmt.Errorf("clear items for %s: %w", s.RunID, err)
		}

		for i, it := range s.Items {
			data, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("encode item %s: %w", it.ID, err)
			}
			_, err = tx.Exec(`
				INSERT INTO run_items (run_id, item_id, position, action, display_action,
					status, attempts, critical, last_error, verify_method, verify_reason, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, s.RunID, it.ID, i, it.Action, it.DisplayAction, string(it.Status), it.Attempts,
				boolToInt(it.Critical), it.LastError, string(it.VerifyMethod), it.VerifyReason, string(data))
			if err != nil {
				return fmt.Errorf("save item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

// RecordEvent appends an event to a run's log. The run must have been begun.
func (db *DB) RecordEvent(ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO run_events (run_id, type, item_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.RunID, ev.Type, ev.ItemID, ev.Message, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("record %s event for %s: %w", ev.Type, ev.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
// A limit of zero or less returns every run.
func (db *DB) ListRuns(limit int) ([]RunRecord, error) {
	query := `
		SELECT id, graph_id, request, status, abort_reason, reply, duration_ms,
			items_completed, items_failed, started_at, finished_at
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun loads one run with its items in plan order and its events in
// insertion order.
func (db *DB) GetRun(id string) (*RunDetail, error) {
	row := db.QueryRow(`
		SELECT id, graph_id, request, status, abort_reason, reply, duration_ms,
			items_completed, items_failed, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{Run: *run}
	if detail.Items, err = db.runItems(id); err != nil {
		return nil, err
	}
	if detail.Events, err = db.runEvents(id); err != nil {
		return nil, err
	}
	return detail, nil
}

func (db *DB) runItems(runID string) ([]*models.WorkItem, error) {
	rows, err := db.Query(`SELECT data FROM run_items WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("load items for %s: %w", runID, err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var it models.WorkItem
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (db *DB) runEvents(runID string) ([]Event, error) {
	rows, err := db.Query(`
		SELECT run_id, type, item_id, message, created_at
		FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			itemID  sql.NullString
			message sql.NullString
			created string
		)
		if err := rows.Scan(&ev.RunID, &ev.Type, &itemID, &message, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ItemID = itemID.String
		ev.Message = message.String
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r        RunRecord
		graphID  sql.NullString
		abort    sql.NullString
		reply    sql.NullString
		started  string
		finished sql.NullString
	)
	err := row.Scan(&r.ID, &graphID, &r.Request, &r.Status, &abort, &reply, &r.DurationMs,
		&r.ItemsCompleted, &r.ItemsFailed, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.GraphID = graphID.String
	r.AbortReason = abort.String
	r.Reply = reply.String
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse run start: %w", err)
	}
	r.FinishedAt = parseNullableTime(finished)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
