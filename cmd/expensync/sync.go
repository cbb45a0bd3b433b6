package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/expensync/internal/models"
	"github.com/TheMichaelB/expensync/internal/services/sync"
	"github.com/TheMichaelB/expensync/internal/transport"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the ledger to the configured targets",
	Long: `Sync uploads expenses that changed since the last run and removes remote
copies of deleted ones. Receipts are compressed before upload. A remote copy
that was modified after the local one is left alone.

Use --full to rewrite every expense regardless of stored hashes.`,
	Example: `  expensync sync
  expensync sync --target sheets --dry-run
  expensync sync --progress-addr 127.0.0.1:8787`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what each target has stored",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset <target>",
	Short: "Forget the sync state of a target",
	Long: `Reset drops every stored hash for the target, so the next sync treats
each expense as new. Remote data is not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Sync.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "target": args[0]})
		} else {
			printSuccess("Sync state of %s reset", args[0])
		}
		return nil
	},
}

var (
	syncTarget       string
	syncDryRun       bool
	syncFull         bool
	syncProgressAddr string
	statusVerify     bool
)

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, resetCmd)

	syncCmd.Flags().StringVarP(&syncTarget, "target", "t", "all",
		"Target to sync: cloud, sheets or all")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false,
		"Show what would be synced without writing")
	syncCmd.Flags().BoolVarP(&syncFull, "full", "f", false,
		"Rewrite every expense")
	syncCmd.Flags().StringVar(&syncProgressAddr, "progress-addr", "",
		"Serve live progress over WebSocket at ws://<addr>/progress")

	statusCmd.Flags().BoolVar(&statusVerify, "verify", false,
		"Recompute every change log")
}

func targetsFor(name string) []string {
	if name == "" || name == "all" {
		return apiClient.Sync.Targets()
	}
	return []string{name}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts := sync.Options{Full: syncFull}

	if syncDryRun {
		return runDryRun(ctx, opts)
	}

	addr := syncProgressAddr
	if addr == "" {
		addr = cfg.Sync.ProgressAddr
	}
	var server *transport.ProgressServer
	if addr != "" {
		server = transport.NewProgressServer(logger)
		bound, err := server.Listen(ctx, addr)
		if err != nil {
			return err
		}
		defer server.Close()
		if !jsonOutput {
			printInfo("Progress feed at ws://%s/progress", bound)
		}
	}

	var display *ProgressDisplay
	if !jsonOutput {
		display = NewProgressDisplay()
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case event := <-apiClient.Sync.Events():
				handleEvent(event, display, server)
			case <-done:
				for {
					select {
					case event := <-apiClient.Sync.Events():
						handleEvent(event, display, server)
					default:
						return
					}
				}
			}
		}
	}()

	var summaries []*sync.Summary
	var err error
	if syncTarget == "" || syncTarget == "all" {
		res := apiClient.Sync.SyncAll(ctx, opts)
		summaries, err = res.Data, res.Err
	} else {
		res := apiClient.Sync.SyncTarget(ctx, syncTarget, opts)
		if res.Data != nil {
			summaries = append(summaries, res.Data)
		}
		err = res.Err
	}

	close(done)
	<-finished
	if display != nil {
		display.Close()
	}

	if jsonOutput {
		result := map[string]interface{}{
			"success":   err == nil,
			"summaries": summaries,
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	printSummaries(summaries)
	if err != nil {
		return err
	}
	printSuccess("Sync completed")
	return nil
}

func handleEvent(event sync.Event, display *ProgressDisplay, server *transport.ProgressServer) {
	if server != nil {
		if err := server.Broadcast(event); err != nil {
			logger.WithError(err).Debug("Broadcast failed")
		}
	}
	if display == nil {
		return
	}

	switch event.Type {
	case sync.EventStep, sync.EventCompleted, sync.EventFailed:
		if event.Progress != nil {
			display.Update(*event.Progress)
		}
	case sync.EventItemFailed:
		display.AddError(fmt.Sprintf("%s: %s", event.ExpenseID, event.Error))
	case sync.EventImageCleanup:
		logger.WithField("target", event.Target).Debug("Image cleanup failed: " + event.Error)
	}
}

func printSummaries(summaries []*sync.Summary) {
	if len(summaries) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tCREATED\tUPDATED\tUNCHANGED\tSTALE\tDELETED\tFAILED\tIMAGES\tTIME")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Target, s.Created, s.Updated, s.Unchanged, s.Stale, s.Deleted, s.Failed,
			s.ImagesUploaded, s.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func runDryRun(ctx context.Context, opts sync.Options) error {
	var plans []*sync.Plan
	for _, name := range targetsFor(syncTarget) {
		res := apiClient.Sync.PlanTarget(ctx, name, opts)
		if res.IsError() {
			return fmt.Errorf("%s: %w", name, res.Err)
		}
		plans = append(plans, res.Data)
	}

	if jsonOutput {
		printJSON(plans)
		return nil
	}

	if len(plans) == 0 {
		return models.ErrTargetDisabled
	}

	for _, plan := range plans {
		printInfo("%s", plan.Target)
		fmt.Printf("  create %d, update %d, delete %d, unchanged %d, stale %d\n",
			plan.Count(sync.ActionCreate), plan.Count(sync.ActionUpdate), plan.Count(sync.ActionDelete),
			plan.Count(sync.ActionUnchanged), plan.Count(sync.ActionStale))
		for _, it := range plan.Pending() {
			dimColor.Printf("  %-7s %s\n", it.Action, it.ExpenseID)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	session, authErr := apiClient.Auth.Current()
	res := apiClient.Sync.Status(ctx, statusVerify)

	if jsonOutput {
		out := map[string]interface{}{
			"authenticated": authErr == nil,
			"targets":       res.Data,
			"configured":    apiClient.Sync.Targets(),
		}
		if authErr == nil {
			out["email"] = session.Email
		}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		printJSON(out)
		return res.Err
	}

	if authErr != nil {
		printWarning("Not logged in")
	} else {
		fmt.Printf("Logged in as %s\n", session.Email)
	}
	fmt.Printf("Configured targets: %v\n\n", apiClient.Sync.Targets())

	if len(res.Data) == 0 {
		printInfo("Nothing synced yet")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tTRACKED\tLAST FULL SYNC\tCHAIN")
		for _, ts := range res.Data {
			last := "never"
			if !ts.LastFullSync.IsZero() {
				last = ts.LastFullSync.Local().Format("2006-01-02 15:04")
			}
			chain := "-"
			if statusVerify {
				chain = "ok"
				if len(ts.BrokenChains) > 0 {
					chain = errorColor.Sprintf("%d broken", len(ts.BrokenChains))
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts.Target, formatCount(ts.Tracked), last, chain)
		}
		_ = w.Flush()
	}

	return res.Err
}
