package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

var (
	flagRecordsProject  string
	flagRecordsContract string
	flagRecordsEvent    string
	flagRecordsFrom     uint64
	flagRecordsTo       uint64
	flagRecordsLimit    int
)

func init() {
	f := recordsCmd.Flags()
	f.StringVar(&flagRecordsProject, "project", "", "Project id (required)")
	f.StringVar(&flagRecordsContract, "contract", "", "Contract address (required)")
	f.StringVar(&flagRecordsEvent, "event", "", "Only records of this event id")
	f.Uint64Var(&flagRecordsFrom, "from", 0, "First block (inclusive)")
	f.Uint64Var(&flagRecordsTo, "to", 0, "Last block (inclusive, 0 means no bound)")
	f.IntVar(&flagRecordsLimit, "limit", 100, "Maximum records (0 means all)")
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print stored records of a contract as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRecordsProject == "" || flagRecordsContract == "" {
			return errors.New("records: --project and --contract are required")
		}
		store, _, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Records(cmd.Context(), model.NewNamespace(flagRecordsProject, flagRecordsContract), storage.RecordQuery{
			EventID:   flagRecordsEvent,
			FromBlock: flagRecordsFrom,
			ToBlock:   flagRecordsTo,
			Limit:     flagRecordsLimit,
		})
		if err != nil {
			return err
		}

		rows := make([]exportRow, 0, len(records))
		for _, r := range records {
			rows = append(rows, newExportRow(r))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}
