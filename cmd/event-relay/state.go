package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show event cursors and webhook delivery counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		cursors, err := store.Cursors(ctx)
		if err != nil {
			return err
		}
		byEvent := make(map[string]storage.Cursor, len(cursors))
		for _, c := range cursors {
			byEvent[c.EventID] = c
		}

		fmt.Fprintln(out, "cursors:")
		for _, def := range cfg.EventModels() {
			c, ok := byEvent[def.ID]
			if !ok {
				fmt.Fprintf(out, "- %s: not started (from block %d)\n", def.ID, def.FromBlock)
				continue
			}
			delete(byEvent, def.ID)
			fmt.Fprintf(out, "- %s: block %d updated %s\n", def.ID, c.Block, c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		orphans := make([]string, 0, len(byEvent))
		for id := range byEvent {
			orphans = append(orphans, id)
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			fmt.Fprintf(out, "- %s: block %d (not configured)\n", id, byEvent[id].Block)
		}

		stats, err := store.DeliveryStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "deliveries:")
		for _, s := range []storage.DeliveryStatus{storage.DeliveryDelivered, storage.DeliveryFailed, storage.DeliveryDead} {
			fmt.Fprintf(out, "- %s: %d\n", s, stats[s])
		}
		return nil
	},
}
