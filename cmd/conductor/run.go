package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/tui"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	runParallel    bool
	runWorkers     int
	runTUI         bool
	runJSON        bool
	runDebug       bool
	runMetricsAddr string
	runNoHistory   bool
	runManifest    string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a natural-language request through the pipeline",
	Long: `Run a natural-language request against the configured tool servers.

The request is classified first. Conversational requests get a direct reply.
Task requests are planned into work items, and each item goes through server
selection, tool-call planning, validation, execution and verification.

Output modes:
  (default)  Colored event stream followed by a summary
  --tui      Live progress view
  --json     The run summary as JSON, nothing else

Interrupt with Ctrl+C, or create the kill file in the signals directory
(.conductor/signals/kill). A pause file there holds the pipeline between items.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "Run independent eligible items concurrently")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Worker count for parallel mode (default from config)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live progress view")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run summary as JSON")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Write a debug log to .conductor/logs")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Do not record the run in the history database")
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "Extra tool-server manifest (servers.yaml)")
}

// errRunIncomplete makes the process exit non-zero when a run is not fully completed.
var errRunIncomplete = errors.New("run did not complete")

func runRequest(cmd *cobra.Command, args []string) error {
	if runTUI && runJSON {
		return errors.New("--tui and --json cannot be combined")
	}
	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" {
		return errors.New("request is empty")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(sigCtx, stackOptions{
		debug:       runDebug,
		manifest:    runManifest,
		metricsAddr: runMetricsAddr,
		history:     !runNoHistory,
		withOracle:  true,
	})
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.watchSignals(); err != nil {
		return err
	}
	st.watcher.ClearSignals()
	ctx, cancel := st.watcher.Context(sigCtx)
	defer cancel()

	pol := st.cfg.PolicyConfig()
	if cmd.Flags().Changed("parallel") {
		pol.Parallel.Enabled = runParallel
	}
	if runWorkers > 0 {
		pol.Parallel.Workers = runWorkers
	}

	orch, err := st.orchestrator(pol)
	if err != nil {
		return err
	}

	var summary *models.RunSummary
	switch {
	case runTUI:
		summary, err = runWithTUI(ctx, cancel, orch, request)
	case runJSON:
		summary, err = runQuiet(ctx, orch, request)
	default:
		summary, err = runHeadless(ctx, orch, request)
	}
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
	} else {
		fmt.Println(tui.RenderSummary(summary))
		if st.db != nil {
			fmt.Printf("History: conductor history %s\n", summary.RunID)
		}
	}

	if summary.Status != models.RunCompleted {
		return fmt.Errorf("%w: %s", errRunIncomplete, summary.Status)
	}
	return nil
}

// runHeadless prints each pipeline event as it happens.
func runHeadless(ctx context.Context, orch *orchestrator.Orchestrator, request string) (*models.RunSummary, error) {
	printStatus("→", fmt.Sprintf("Request: %s", request), color.FgCyan)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range orch.Events() {
			printEvent(ev)
		}
	}()

	summary, err := orch.Run(ctx, request)
	orch.Close()
	wg.Wait()
	return summary, err
}

// runQuiet runs without any progress output.
func runQuiet(ctx context.Context, orch *orchestrator.Orchestrator, request string) (*models.RunSummary, error) {
	go func() {
		for range orch.Events() {
		}
	}()
	summary, err := orch.Run(ctx, request)
	orch.Close()
	return summary, err
}

// runWithTUI drives the live progress view while the run executes.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, request string) (*models.RunSummary, error) {
	// Warnings would draw over the alt screen; the debug log still has them.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	p, app := tui.NewRunProgram(request, cancel)
	go tui.Forward(ctx, orch.Events(), p)

	type result struct {
		summary *models.RunSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := orch.Run(ctx, request)
		p.Send(tui.RunDoneMsg{Summary: summary, Err: err})
		done <- result{summary, err}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("progress view: %w", err)
	}
	res := <-done
	orch.Close()
	if app.Quit() {
		printStatus("!", "Run cancelled", color.FgYellow)
	}
	return res.summary, res.err
}

// printEvent renders one pipeline event as a status line.
func printEvent(ev orchestrator.Event) {
	symbol, attr, msg, ok := eventLine(ev)
	if ok {
		printStatus(symbol, msg, attr)
	}
}

// eventLine formats an event; ok is false for events not worth a line.
func eventLine(ev orchestrator.Event) (symbol string, attr color.Attribute, msg string, ok bool) {
	label := ev.ItemID
	if ev.ItemLabel != "" {
		label = fmt.Sprintf("%s %s", ev.ItemID, ev.ItemLabel)
	}
	switch ev.Type {
	case orchestrator.EventStage:
		return "·", color.FgHiBlack, fmt.Sprintf("stage %s", ev.Stage), true
	case orchestrator.EventItemStarted:
		return "▸", color.FgCyan, label, true
	case orchestrator.EventItemCompleted:
		return "✓", color.FgGreen, fmt.Sprintf("%s (attempt %d)", label, ev.Attempt), true
	case orchestrator.EventItemFailed:
		return "✗", color.FgRed, fmt.Sprintf("%s: %s", label, ev.Message), true
	case orchestrator.EventValidationRejected:
		return "⊘", color.FgYellow, fmt.Sprintf("%s rejected: %s", ev.ItemID, ev.Message), true
	case orchestrator.EventItemReplanned:
		msg := fmt.Sprintf("%s replanned: %s", ev.ItemID, ev.Message)
		if len(ev.Children) > 0 {
			msg += fmt.Sprintf(" → %s", strings.Join(ev.Children, ", "))
		}
		return "↻", color.FgMagenta, msg, true
	}
	return "", 0, "", false
}
