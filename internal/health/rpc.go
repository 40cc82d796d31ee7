package health

import (
	"context"
	"fmt"
	"sort"

	"github.com/devblac/event-operator/internal/source/evm"
)

// RPCChecker pings every configured chain endpoint.
type RPCChecker struct {
	clients map[string]evm.BlockClient
}

// NewRPCChecker creates a checker keyed by endpoint name ("http", "ws").
func NewRPCChecker(clients map[string]evm.BlockClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping fetches the latest header from each endpoint and reports the first failure by name.
func (c *RPCChecker) Ping(ctx context.Context) error {
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := c.clients[name].HeaderByNumber(ctx, nil); err != nil {
			return fmt.Errorf("rpc %s: %w", name, err)
		}
	}
	return nil
}
