package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/logging"
	"github.com/devblac/event-operator/internal/source/evm"
	"github.com/devblac/event-operator/internal/strategy"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ABIs and bindings, and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()
		log := logging.NewWithLevel("error")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		rpcClient, err := evm.NewRPCClient(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer rpcClient.Close()
		chainID, err := rpcClient.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("rpc %s: %w", cfg.Chain.RPCURL, err)
		}
		fmt.Fprintf(out, "- rpc: chainId %s OK\n", chainID)

		deps := sourceDeps{poll: rpcClient, cursors: dryCursors{}, log: log}
		if cfg.Chain.WSURL != "" {
			wsClient, err := evm.NewRPCClient(ctx, cfg.Chain.WSURL)
			if err != nil {
				return err
			}
			defer wsClient.Close()
			if _, err := wsClient.HeaderByNumber(ctx, nil); err != nil {
				return fmt.Errorf("ws %s: %w", cfg.Chain.WSURL, err)
			}
			deps.stream = wsClient
			fmt.Fprintln(out, "- ws: OK")
		}

		contracts, err := loadContracts(cfg, rpcClient, log)
		if err != nil {
			return err
		}
		for _, ct := range cfg.Contracts {
			c := contracts[ct.ID]
			if c.Enabled() {
				fmt.Fprintf(out, "- contract %s: %s\n", ct.ID, c.Address.Hex())
			} else {
				fmt.Fprintf(out, "- contract %s: DISABLED (no address)\n", ct.ID)
			}
		}

		strat, err := strategy.FromConfig(cfg.Strategy)
		if err != nil {
			return err
		}
		ec := &job.ExecutionContext{ChainID: chainID, RPCURL: cfg.Chain.RPCURL, Client: rpcClient, Contracts: contracts}
		if err := strat.Prepare(ctx, ec); err != nil {
			return fmt.Errorf("strategy %s: %w", strat.Name(), err)
		}
		fmt.Fprintf(out, "- strategy %s: OK\n", strat.Name())

		sinks, err := buildSinks(cfg)
		if err != nil {
			return err
		}
		cat, err := newCatalog()
		if err != nil {
			return err
		}
		bindings, err := buildBindings(cfg, cat, contracts, sinks, deps)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			state := "OK"
			if !b.Enabled() {
				state = "DISABLED"
			}
			fmt.Fprintf(out, "- binding %s: job %d on %s %s\n", b.ID(), b.JobID(), b.Event(), state)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
