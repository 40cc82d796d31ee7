package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/source/evm"
	"github.com/devblac/event-operator/internal/storage"
)

var flagLag bool

func init() {
	stateCmd.Flags().BoolVar(&flagLag, "lag", false, "Query the chain head and show blocks behind per cursor")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show source cursors and processing lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}

		var head uint64
		if flagLag {
			head, err = chainHead(ctx, cfg.Chain.RPCURL)
			if err != nil {
				return err
			}
		}
		return printCursors(cmd.OutOrStdout(), cursors, head)
	},
}

func chainHead(ctx context.Context, url string) (uint64, error) {
	client, err := evm.NewRPCClient(ctx, url)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	h, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	return h.Number.Uint64(), nil
}

// printCursors writes one row per cursor. head=0 omits the lag column.
func printCursors(w io.Writer, cursors []storage.Cursor, head uint64) error {
	if len(cursors) == 0 {
		_, err := fmt.Fprintln(w, "no cursors recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if head > 0 {
		fmt.Fprintln(tw, "BINDING\tHEIGHT\tLAG\tUPDATED")
	} else {
		fmt.Fprintln(tw, "BINDING\tHEIGHT\tUPDATED")
	}
	for _, c := range cursors {
		updated := c.UpdatedAt.UTC().Format(time.RFC3339)
		if head > 0 {
			var lag uint64
			if head > c.Height {
				lag = head - c.Height
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", c.SourceID, c.Height, lag, updated)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.SourceID, c.Height, updated)
	}
	return tw.Flush()
}
