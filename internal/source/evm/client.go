package evm

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockClient captures the subset of ethclient used by the poller.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// StreamClient adds log subscriptions, available on websocket/IPC endpoints.
type StreamClient interface {
	BlockClient
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies StreamClient and the
// go-ethereum bind.ContractBackend used for contract instances.
type RPCClient struct {
	*ethclient.Client
	url string
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(ctx context.Context, rpcURL string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c, url: rpcURL}, nil
}

// URL returns the endpoint the client was dialed with.
func (c *RPCClient) URL() string { return c.url }
