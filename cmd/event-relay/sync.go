package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/engine"
)

var (
	flagSyncEvent string
	flagSyncTx    string
)

func init() {
	syncCmd.Flags().StringVar(&flagSyncEvent, "event", "", "Sync only this event id")
	syncCmd.Flags().StringVar(&flagSyncTx, "tx", "", "Re-index one transaction (requires --event)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Backfill events up to the current head and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSyncTx != "" && flagSyncEvent == "" {
			return errors.New("sync: --tx requires --event")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch {
		case flagSyncTx != "":
			res, err := a.service.SyncTransaction(ctx, flagSyncEvent, flagSyncTx)
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		case flagSyncEvent != "":
			res, err := a.service.SyncEvent(ctx, flagSyncEvent)
			printResult(out, res)
			return err
		}

		results := a.service.SyncEvents(ctx)
		for _, res := range results {
			printResult(out, res)
		}
		if failed := countFailed(results); failed > 0 {
			return fmt.Errorf("sync: %d of %d events failed", failed, len(results))
		}
		return nil
	},
}

func printResult(out io.Writer, r engine.Result) {
	status := "ok"
	switch {
	case r.Err != nil:
		status = "ERROR " + r.Err.Error()
	case r.UpToDate:
		status = "up to date"
	}
	fmt.Fprintf(out, "- %s: cursor %d head %d chunks %d stored %d duplicates %d skipped %d (%s)\n",
		r.EventID, r.Cursor, r.Head, r.Chunks, r.Stored, r.Duplicates, r.Skipped, status)
}
