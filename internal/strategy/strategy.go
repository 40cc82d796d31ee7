// Package strategy holds deployment execution strategies. A strategy prepares the shared
// execution context before any binding starts; a failed Prepare keeps the runner from starting.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/event-operator/internal/config"
	"github.com/devblac/event-operator/internal/job"
)

// Strategy names.
const (
	TypeLocal           = "local"
	TypeEigenlayerECDSA = "eigenlayer_ecdsa"
)

// Strategy is an opaque deployment policy applied by the runner at startup.
type Strategy interface {
	Name() string
	Prepare(ctx context.Context, ec *job.ExecutionContext) error
}

// Local runs jobs on this operator alone.
type Local struct{}

func (Local) Name() string { return TypeLocal }

func (Local) Prepare(_ context.Context, ec *job.ExecutionContext) error {
	if ec != nil {
		ec.Strategy = TypeLocal
		ec.QuorumThreshold = 0
	}
	return nil
}

// EigenlayerECDSA runs jobs for an EigenLayer AVS whose results are aggregated from ECDSA operator
// signatures under a stake quorum.
type EigenlayerECDSA struct {
	RegistryCoordinator    common.Address
	OperatorStateRetriever common.Address
	// QuorumThreshold is the percentage of stake that must sign, 1..100.
	QuorumThreshold uint8
}

func (EigenlayerECDSA) Name() string { return TypeEigenlayerECDSA }

// Prepare checks the threshold and, when a chain client is available, that every configured
// contract address holds code. Zero addresses are left unchecked.
func (e EigenlayerECDSA) Prepare(ctx context.Context, ec *job.ExecutionContext) error {
	if e.QuorumThreshold == 0 || e.QuorumThreshold > 100 {
		return fmt.Errorf("quorum threshold must be between 1 and 100, got %d", e.QuorumThreshold)
	}
	if ec == nil {
		return fmt.Errorf("execution context is nil")
	}
	if ec.Client != nil {
		for name, addr := range map[string]common.Address{
			"registry coordinator":     e.RegistryCoordinator,
			"operator state retriever": e.OperatorStateRetriever,
		} {
			if addr == (common.Address{}) {
				continue
			}
			code, err := ec.Client.CodeAt(ctx, addr, nil)
			if err != nil {
				return fmt.Errorf("check %s %s: %w", name, addr.Hex(), err)
			}
			if len(code) == 0 {
				return fmt.Errorf("%s %s has no contract code", name, addr.Hex())
			}
		}
	}
	ec.Strategy = TypeEigenlayerECDSA
	ec.QuorumThreshold = e.QuorumThreshold
	return nil
}

// FromConfig builds the configured strategy.
func FromConfig(cfg config.StrategyConfig) (Strategy, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeLocal:
		return Local{}, nil
	case TypeEigenlayerECDSA:
		return EigenlayerECDSA{
			RegistryCoordinator:    common.HexToAddress(cfg.RegistryCoordinator),
			OperatorStateRetriever: common.HexToAddress(cfg.OperatorStateRetriever),
			QuorumThreshold:        cfg.QuorumThreshold,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported strategy type: %s", cfg.Type)
	}
}
