package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/storage"
)

var (
	flagExportFormat  string
	flagExportBinding string
	flagExportOut     string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format (json|csv)")
	exportCmd.Flags().StringVar(&flagExportBinding, "binding", "", "Only export results of this binding")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored job results as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		results, err := store.ListResults(cmd.Context(), flagExportBinding)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagExportOut, err)
			}
			defer f.Close()
			w = f
		}
		return writeResults(w, flagExportFormat, results)
	},
}

var resultColumns = []string{"binding_id", "job_id", "block_number", "tx_hash", "log_index", "status", "output", "error", "created_at"}

type resultRecord struct {
	BindingID   string          `json:"binding_id"`
	JobID       uint64          `json:"job_id"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func writeResults(w io.Writer, format string, results []storage.JobResult) error {
	switch strings.ToLower(format) {
	case "json":
		records := make([]resultRecord, 0, len(results))
		for _, r := range results {
			rec := resultRecord{
				BindingID:   r.BindingID,
				JobID:       r.JobID,
				BlockNumber: r.BlockNumber,
				TxHash:      r.TxHash,
				LogIndex:    r.LogIndex,
				Status:      r.Status,
				Error:       r.Error,
				CreatedAt:   r.CreatedAt.UTC(),
			}
			if r.OutputJSON != "" && json.Valid([]byte(r.OutputJSON)) {
				rec.Output = json.RawMessage(r.OutputJSON)
			}
			records = append(records, rec)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(resultColumns); err != nil {
			return err
		}
		for _, r := range results {
			row := []string{
				r.BindingID,
				strconv.FormatUint(r.JobID, 10),
				strconv.FormatUint(r.BlockNumber, 10),
				r.TxHash,
				strconv.FormatUint(uint64(r.LogIndex), 10),
				r.Status,
				r.OutputJSON,
				r.Error,
				r.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format %q (want json or csv)", format)
	}
}
