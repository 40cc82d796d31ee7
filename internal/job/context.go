package job

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Contract is a configured contract instance available to handlers.
type Contract struct {
	ID      string
	Address common.Address
	ABI     *abi.ABI
	// Bound is nil when no chain client is available or the address is disabled.
	Bound *bind.BoundContract
}

// Enabled reports whether the contract resolved to a non-zero address.
func (c Contract) Enabled() bool { return c.Address != (common.Address{}) }

// NewContract binds a contract instance. caller may also implement bind.ContractTransactor
// and bind.ContractFilterer (an ethclient does); those capabilities are wired when present.
func NewContract(id string, addr common.Address, a *abi.ABI, caller bind.ContractCaller) Contract {
	c := Contract{ID: id, Address: addr, ABI: a}
	if a == nil || caller == nil || !c.Enabled() {
		return c
	}
	transactor, _ := caller.(bind.ContractTransactor)
	filterer, _ := caller.(bind.ContractFilterer)
	c.Bound = bind.NewBoundContract(addr, *a, caller, transactor, filterer)
	return c
}

// ExecutionContext is shared read-only by every handler invocation. Handlers that need mutable
// cross-invocation state must synchronize it themselves.
type ExecutionContext struct {
	ChainID  *big.Int
	RPCURL   string
	Operator common.Address
	// Strategy names the deployment strategy that prepared this context.
	Strategy string
	// QuorumThreshold is the stake percentage that must sign, zero under strategies without a quorum.
	QuorumThreshold uint8
	// Client is the chain client, nil in offline tests.
	Client    bind.ContractCaller
	Contracts map[string]Contract
}

// Contract returns the contract configured under id.
func (ec *ExecutionContext) Contract(id string) (Contract, bool) {
	if ec == nil {
		return Contract{}, false
	}
	c, ok := ec.Contracts[id]
	return c, ok
}

// Call performs a read-only contract call and returns the unpacked outputs.
func (ec *ExecutionContext) Call(ctx context.Context, contractID, method string, params ...any) ([]any, error) {
	c, ok := ec.Contract(contractID)
	if !ok {
		return nil, fmt.Errorf("unknown contract %s", contractID)
	}
	if c.Bound == nil {
		return nil, fmt.Errorf("contract %s is not bound", contractID)
	}
	var out []any
	if err := c.Bound.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", contractID, method, err)
	}
	return out, nil
}
