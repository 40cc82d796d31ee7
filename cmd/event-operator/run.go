package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/engine"
	"github.com/devblac/event-operator/internal/health"
	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/logging"
	"github.com/devblac/event-operator/internal/metrics"
	"github.com/devblac/event-operator/internal/source/evm"
	"github.com/devblac/event-operator/internal/storage"
	"github.com/devblac/event-operator/internal/strategy"
)

var (
	flagHealth   string
	flagMetrics  string
	flagLogLevel string
)

func init() {
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $LOG_LEVEL or info")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Listen for configured events and dispatch jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := flagLogLevel
		if logLevel == "" {
			logLevel = os.Getenv("LOG_LEVEL")
		}
		log := logging.NewWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		rpcClient, err := evm.NewRPCClient(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer rpcClient.Close()

		chainID, err := rpcClient.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("fetch chain id: %w", err)
		}
		log.Info("connected to chain", "chain_id", chainID.String())

		rpcClients := map[string]evm.BlockClient{"http": rpcClient}
		deps := sourceDeps{poll: rpcClient, cursors: store, log: log}
		if cfg.Chain.WSURL != "" {
			wsClient, err := evm.NewRPCClient(ctx, cfg.Chain.WSURL)
			if err != nil {
				return err
			}
			defer wsClient.Close()
			rpcClients["ws"] = wsClient
			deps.stream = wsClient
		}

		contracts, err := loadContracts(cfg, rpcClient, log)
		if err != nil {
			return err
		}
		ec := &job.ExecutionContext{
			ChainID:   chainID,
			RPCURL:    cfg.Chain.RPCURL,
			Client:    rpcClient,
			Contracts: contracts,
		}
		if cfg.Chain.Operator != "" {
			ec.Operator = common.HexToAddress(cfg.Chain.Operator)
		}

		strat, err := strategy.FromConfig(cfg.Strategy)
		if err != nil {
			return err
		}
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

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
		}

		runner := engine.NewRunner(ec, strat,
			engine.WithLogger(log),
			engine.WithMetrics(mtr),
			engine.WithLedger(store),
			engine.WithResults(store),
			engine.WithPolicy(engine.Policy(cfg.Global.FailurePolicy)),
			engine.WithGracePeriod(cfg.Global.GracePeriod.Std()),
			engine.WithHandlerTimeout(cfg.Global.HandlerTimeout.Std()),
			engine.WithMaxInFlight(cfg.Global.MaxInFlight),
		)
		for _, b := range bindings {
			if err := runner.Bind(b); err != nil {
				return err
			}
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(rpcClients)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:      store.Ping,
				RPCPing:     rpcChecker.Ping,
				RunnerState: func() string { return runner.State().String() },
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdownServer(healthSrv)
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			log.Info("metrics enabled", "addr", flagMetrics)
			defer shutdownServer(srv)
		}

		log.Info("starting runner", "bindings", len(bindings), "strategy", strat.Name(), "policy", cfg.Global.FailurePolicy)
		if err := runner.Run(ctx); err != nil {
			log.Error("runner stopped with error", "error", err)
			return err
		}
		log.Info("runner stopped")
		return nil
	},
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
