package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	historyLimit int
	historyPurge time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs or show one run",
	Long: `Without arguments, list the most recent runs from the history database.
With a run ID (or a unique prefix of one), show its items and events.

Use --purge to delete runs older than a duration, e.g. --purge 720h.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		root, err := projectRoot()
		if err != nil {
			return err
		}
		db, err := state.OpenHistory(cfg.State.Driver, cfg.StatePath(root))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()

		if historyPurge > 0 {
			n, err := db.PurgeRuns(historyPurge)
			if err != nil {
				return fmt.Errorf("purge runs: %w", err)
			}
			printStatus("✓", fmt.Sprintf("Purged %d run(s) older than %s", n, historyPurge), color.FgGreen)
			if len(args) == 0 {
				return nil
			}
		}

		if len(args) == 1 {
			return showRun(db, args[0])
		}
		return listRuns(db, historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	historyCmd.Flags().DurationVar(&historyPurge, "purge", 0, "Delete runs older than this duration")
}

func listRuns(db *state.DB, limit int) error {
	runs, err := db.ListRuns(limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tITEMS\tDURATION\tREQUEST")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			runStatusText(r),
			itemCounts(r),
			formatDuration(r),
			truncateText(r.Request, 50),
		)
	}
	return w.Flush()
}

func showRun(db *state.DB, id string) error {
	detail, err := db.GetRun(id)
	if errors.Is(err, state.ErrRunNotFound) {
		detail, err = findByPrefix(db, id)
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	r := detail.Run

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Request:  %s\n", r.Request)
	fmt.Printf("Status:   %s\n", runStatusText(r))
	fmt.Printf("Started:  %s\n", r.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Duration: %s\n", formatDuration(r))
	if r.AbortReason != "" {
		fmt.Printf("Aborted:  %s\n", r.AbortReason)
	}
	if r.Reply != "" {
		fmt.Printf("Reply:    %s\n", r.Reply)
	}

	if len(detail.Items) > 0 {
		fmt.Println("\nItems:")
		for _, it := range detail.Items {
			symbol, attr := itemGlyph(it.Status)
			line := fmt.Sprintf("%s %s", it.ID, it.Label())
			if it.Attempts > 0 {
				line += fmt.Sprintf(" (attempts %d)", it.Attempts)
			}
			printStatus(symbol, line, attr)
			if it.Status == models.ItemStatusFailed && it.LastError != "" {
				fmt.Printf("    %s\n", it.LastError)
			}
		}
	}

	if len(detail.Events) > 0 {
		fmt.Println("\nEvents:")
		for _, ev := range detail.Events {
			line := fmt.Sprintf("  %s  %-20s", ev.CreatedAt.Local().Format("15:04:05"), ev.Type)
			if ev.ItemID != "" {
				line += " " + ev.ItemID
			}
			if ev.Message != "" {
				line += " " + ev.Message
			}
			fmt.Println(strings.TrimRight(line, " "))
		}
	}
	return nil
}

// findByPrefix resolves a unique run ID prefix among recent runs.
func findByPrefix(db *state.DB, prefix string) (*state.RunDetail, error) {
	runs, err := db.ListRuns(0)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var match string
	for _, r := range runs {
		if strings.HasPrefix(r.ID, prefix) {
			if match != "" {
				return nil, fmt.Errorf("run id prefix %q is ambiguous", prefix)
			}
			match = r.ID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("run %s: %w", prefix, state.ErrRunNotFound)
	}
	return db.GetRun(match)
}

func runStatusText(r state.RunRecord) string {
	if !r.Finished() {
		return color.YellowString("running")
	}
	switch models.RunStatus(r.Status) {
	case models.RunCompleted:
		return color.GreenString(r.Status)
	case models.RunPartial:
		return color.YellowString(r.Status)
	default:
		return color.RedString(r.Status)
	}
}

func itemCounts(r state.RunRecord) string {
	if r.ItemsFailed == 0 {
		return fmt.Sprintf("%d done", r.ItemsCompleted)
	}
	return fmt.Sprintf("%d done, %d failed", r.ItemsCompleted, r.ItemsFailed)
}

func formatDuration(r state.RunRecord) string {
	if !r.Finished() {
		return "-"
	}
	return (time.Duration(r.DurationMs) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func itemGlyph(s models.ItemStatus) (string, color.Attribute) {
	switch s {
	case models.ItemStatusCompleted:
		return "✓", color.FgGreen
	case models.ItemStatusFailed:
		return "✗", color.FgRed
	case models.ItemStatusInProgress:
		return "▸", color.FgCyan
	default:
		return "·", color.FgHiBlack
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
