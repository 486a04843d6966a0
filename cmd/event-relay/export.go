package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

var (
	flagExportFormat  string
	flagExportOut     string
	flagExportProject string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Output file (default stdout)")
	exportCmd.Flags().StringVar(&flagExportProject, "project", "", "Only export this project")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every stored record as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(flagExportFormat)
		if format != "json" && format != "csv" {
			return fmt.Errorf("export: unsupported format %q", flagExportFormat)
		}

		store, _, err := openStoreOnly(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		namespaces, err := store.Namespaces(ctx)
		if err != nil {
			return err
		}
		var rows []exportRow
		for _, ns := range namespaces {
			if flagExportProject != "" && ns.Project != flagExportProject {
				continue
			}
			records, err := store.Records(ctx, ns, storage.RecordQuery{})
			if err != nil {
				return fmt.Errorf("export %s: %w", ns, err)
			}
			for _, r := range records {
				rows = append(rows, newExportRow(r))
			}
		}

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer f.Close()
			out = f
		}
		return writeRows(out, format, rows)
	},
}

type exportRow struct {
	Project     string         `json:"project"`
	Contract    string         `json:"contract"`
	Event       string         `json:"event"`
	Name        string         `json:"name"`
	TxHash      string         `json:"txnHash"`
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint           `json:"logIndex"`
	Fields      map[string]any `json:"fields"`
}

func newExportRow(r model.Record) exportRow {
	return exportRow{
		Project:     r.Namespace.Project,
		Contract:    r.Namespace.Contract,
		Event:       r.EventID,
		Name:        r.Name,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		LogIndex:    r.LogIndex,
		Fields:      r.Fields,
	}
}

var csvHeader = []string{"project", "contract", "event", "name", "txnHash", "blockNumber", "logIndex", "fields"}

// writeRows renders rows as one JSON array or as CSV with the fields column JSON-encoded.
func writeRows(w io.Writer, format string, rows []exportRow) error {
	if format == "json" {
		if rows == nil {
			rows = []exportRow{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode fields of %s: %w", r.TxHash, err)
		}
		if err := cw.Write([]string{
			r.Project,
			r.Contract,
			r.Event,
			r.Name,
			r.TxHash,
			strconv.FormatUint(r.BlockNumber, 10),
			strconv.FormatUint(uint64(r.LogIndex), 10),
			string(fields),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
