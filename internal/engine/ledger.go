package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger records admitted dispatches so a log delivered more than once is dispatched once.
// storage.Store implements it.
type Ledger interface {
	// Admit returns true the first time key is seen.
	Admit(ctx context.Context, key string) (bool, error)
}

// DispatchKey identifies the dispatch of lg through a binding.
func DispatchKey(binding string, lg types.Log) string {
	return fmt.Sprintf("%s|%s|%d", binding, lg.TxHash.Hex(), lg.Index)
}

// MemoryLedger is an in-process Ledger that remembers admission order.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
	keys []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]struct{}{}}
}

func (m *MemoryLedger) Admit(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	m.keys = append(m.keys, key)
	return true, nil
}

// Keys returns admitted keys in admission order.
func (m *MemoryLedger) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}
