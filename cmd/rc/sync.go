package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/classdesk/rollcall/internal/engine"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the mutation queue and pull server changes",
	Long: `Run one sync pass: probe the server, submit every queued mutation,
then pull and merge server-side changes.

Offline is not an error; queued work simply stays queued. Run the
daemon instead for continuous syncing.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runSyncStatus,
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Reset a failed mutation for another attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRetry,
}

var syncReauthCmd = &cobra.Command{
	Use:   "reauth-done",
	Short: "Resume syncing after credentials were renewed",
	Args:  cobra.NoArgs,
	RunE:  runSyncReauth,
}

func init() {
	syncCmd.AddCommand(syncStatusCmd, syncRetryCmd, syncReauthCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if !app.Monitor.ProbeOnce(ctx) {
		depth, err := app.Queue.Depth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Server unreachable; %d mutation(s) remain queued\n",
			ui.RenderWarn("offline"), depth[queue.StatePending]+depth[queue.StateFailed])
		return nil
	}

	summary, err := app.Engine.Drain(ctx)
	if errors.Is(err, engine.ErrReauthRequired) {
		fmt.Printf("%s Sync is paused: credentials expired. Renew them, then run `rc sync reauth-done`.\n",
			ui.RenderErr("✗"))
		return nil
	}
	if err != nil {
		return err
	}

	applied, err := app.Engine.Reconcile(ctx)
	if errors.Is(err, engine.ErrReauthRequired) {
		fmt.Printf("%s Sync is paused: credentials expired. Renew them, then run `rc sync reauth-done`.\n",
			ui.RenderErr("✗"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}

	fmt.Printf("%s Sync complete: %d committed, %d retried, %d failed, %d pulled\n",
		ui.RenderPass("✓"), summary.Committed, summary.Retried, summary.Failed, applied)
	if summary.Failed > 0 {
		fmt.Printf("%s Inspect failures with `rc sync status`\n", ui.RenderWarn("!"))
	}
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Monitor.ProbeOnce(ctx)

	status, err := app.Engine.Status(ctx)
	if err != nil {
		return err
	}

	online := ui.RenderErr("offline")
	if status.Online {
		online = ui.RenderPass("online")
	}
	fmt.Printf("Server:      %s\n", online)
	if status.NeedsReauth {
		fmt.Printf("Auth:        %s\n", ui.RenderErr("re-authentication required"))
	}
	if status.LastSyncAt.IsZero() {
		fmt.Println("Last sync:   never")
	} else {
		fmt.Printf("Last sync:   %s\n", status.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Queue:       %d pending, %d in flight, %d failed\n",
		status.QueueDepth[queue.StatePending],
		status.QueueDepth[queue.StateInFlight],
		status.QueueDepth[queue.StateFailed])

	items, err := app.Queue.List(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tOP\tENTITY\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%d\t%s\n",
			item.ID, item.OpKind, item.EntityKind, item.EntityID,
			renderItemState(item.State), item.Attempts, item.LastError)
	}
	return w.Flush()
}

func runSyncRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Engine.RetryItem(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Mutation %s reset; the next sync will retry it\n", ui.RenderPass("✓"), args[0])
	return nil
}

func runSyncReauth(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := openApp(nil, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Engine.ClearReauth(ctx); err != nil {
		return err
	}
	fmt.Printf("%s Re-authentication cleared; syncing will resume\n", ui.RenderPass("✓"))
	return nil
}

func renderItemState(state queue.State) string {
	switch state {
	case queue.StateFailed:
		return ui.RenderErr(string(state))
	case queue.StateInFlight:
		return ui.RenderAccent(string(state))
	default:
		return string(state)
	}
}
