package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/engine"
	"github.com/devblac/event-operator/internal/hello"
	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/retry"
	"github.com/devblac/event-operator/internal/sink"
	"github.com/devblac/event-operator/internal/source/evm"
)

// catalog holds the jobs compiled into this binary and the pre-processor feeding each one.
type catalog struct {
	jobs *job.Registry
	pre  map[uint64]engine.PreProcessor
}

func newCatalog() (*catalog, error) {
	jobs, err := job.NewRegistry(hello.Job())
	if err != nil {
		return nil, err
	}
	return &catalog{
		jobs: jobs,
		pre: map[uint64]engine.PreProcessor{
			hello.JobID: hello.PreProcessor(),
		},
	}, nil
}

// loadContracts parses every contract ABI and resolves its address. Contracts whose address
// resolves to zero are kept, unbound, and their bindings start disabled.
func loadContracts(cfg *config.Config, caller bind.ContractCaller, log *slog.Logger) (map[string]job.Contract, error) {
	out := make(map[string]job.Contract, len(cfg.Contracts))
	for _, ct := range cfg.Contracts {
		a, err := evm.LoadABIFile(ct.ABI)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", ct.ID, err)
		}
		addr, enabled := config.ResolveAddress(ct.Address, ct.AddressEnv)
		if !enabled {
			log.Warn("contract address unresolved, bindings disabled", "contract", ct.ID, "address_env", ct.AddressEnv)
		}
		out[ct.ID] = job.NewContract(ct.ID, addr, a, caller)
	}
	return out, nil
}

func buildSinks(cfg *config.Config) (map[string]sink.Sender, error) {
	out := make(map[string]sink.Sender, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		sender, err := sink.FromConfig(s)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		out[s.ID] = sender
	}
	return out, nil
}

// sourceDeps are the shared dependencies of every event source.
type sourceDeps struct {
	poll    evm.BlockClient
	stream  evm.StreamClient
	cursors evm.Cursors
	log     *slog.Logger
}

func newSource(cfg *config.Config, b config.Binding, dec *evm.Decoder, ct job.Contract, deps sourceDeps) (evm.LogSource, error) {
	backoff := retry.Exponential(cfg.Chain.MaxRetries, cfg.Chain.RetryBackoff.Std())
	switch b.Mode {
	case config.ModeSubscribe:
		if deps.stream == nil {
			return nil, fmt.Errorf("mode subscribe requires a websocket client")
		}
		return evm.NewSubscriber(deps.stream, deps.cursors, evm.SubscriberConfig{
			ID:         b.ID,
			Address:    ct.Address,
			Topic:      dec.Topic(),
			StartBlock: b.StartBlock,
			BatchSize:  cfg.Chain.BatchSize,
			Backoff:    backoff,
			RPCRate:    cfg.Chain.RPCRate,
		}, deps.log)
	default:
		return evm.NewPoller(deps.poll, deps.cursors, evm.PollerConfig{
			ID:            b.ID,
			Address:       ct.Address,
			Topic:         dec.Topic(),
			StartBlock:    b.StartBlock,
			Interval:      cfg.Chain.PollInterval.Std(),
			BatchSize:     cfg.Chain.BatchSize,
			Confirmations: cfg.Chain.Confirmations,
			Backoff:       backoff,
			RPCRate:       cfg.Chain.RPCRate,
		}, deps.log)
	}
}

// buildBindings turns configured bindings into engine bindings. Bindings on disabled contracts
// get no source.
func buildBindings(cfg *config.Config, cat *catalog, contracts map[string]job.Contract, sinks map[string]sink.Sender, deps sourceDeps) ([]*engine.Binding, error) {
	out := make([]*engine.Binding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		ct, ok := contracts[b.Contract]
		if !ok {
			return nil, &engine.ConfigurationError{Binding: b.ID, Err: fmt.Errorf("unknown contract %s", b.Contract)}
		}
		desc, ok := cat.jobs.Lookup(b.Job)
		if !ok {
			return nil, &engine.ConfigurationError{Binding: b.ID, Err: fmt.Errorf("job %d is not registered", b.Job)}
		}
		pre, ok := cat.pre[b.Job]
		if !ok {
			return nil, &engine.ConfigurationError{Binding: b.ID, Err: fmt.Errorf("no pre-processor for job %d", b.Job)}
		}
		dec, err := evm.NewDecoderFromABI(ct.ABI, b.Event)
		if err != nil {
			return nil, &engine.ConfigurationError{Binding: b.ID, Err: err}
		}

		var src evm.LogSource
		if ct.Enabled() {
			src, err = newSource(cfg, b, dec, ct, deps)
			if err != nil {
				return nil, &engine.ConfigurationError{Binding: b.ID, Err: err}
			}
		}

		var senders []sink.Sender
		for _, id := range b.Sinks {
			senders = append(senders, sinks[id])
		}

		binding, err := engine.NewBinding(engine.BindingSpec{
			ID:       b.ID,
			Contract: ct.Address,
			Source:   src,
			Decoder:  dec,
			Pre:      pre,
			Job:      desc,
			Where:    b.Where,
			Sinks:    senders,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, binding)
	}
	return out, nil
}

// dryCursors lets validate build sources without touching the database.
type dryCursors struct{}

func (dryCursors) GetCursor(context.Context, string) (uint64, string, bool, error) {
	return 0, "", false, nil
}

func (dryCursors) UpsertCursor(context.Context, string, uint64, string) error { return nil }
