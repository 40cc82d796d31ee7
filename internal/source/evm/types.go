package evm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

var (
	// ErrReorgDetected signals that the chain rewound; the source restarts from the updated cursor.
	ErrReorgDetected = errors.New("reorg detected")

	// ErrSchemaMismatch is returned when a log does not carry the expected event signature.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrMalformed is returned when topic count or data length is inconsistent with the event ABI.
	ErrMalformed = errors.New("malformed log")
)

// TypedEvent is an ABI-decoded log.
type TypedEvent struct {
	Name      string
	Signature string
	// Args holds every decoded input keyed by name.
	Args map[string]any
	// Values holds the decoded inputs in declaration order.
	Values []any
	Raw    types.Log
}

// TransportError reports an RPC operation that failed permanently or exhausted its retry budget.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Deliver receives logs from a source in chain order. A non-nil error stops the source.
type Deliver func(ctx context.Context, lg types.Log) error

// LogSource is a lazy, unbounded feed of logs for one contract address and event topic.
type LogSource interface {
	// Listen delivers logs until ctx is done (returning nil) or a fatal error occurs.
	Listen(ctx context.Context, deliver Deliver) error
}

// Cursors persists per-source positions.
type Cursors interface {
	GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error)
	UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error
}

// Hooks observe source activity. Nil fields are ignored.
type Hooks struct {
	OnRetry func(op string, attempt int, err error)
	OnDrop  func(n int)
}

func (h Hooks) retry(op string, attempt int, err error) {
	if h.OnRetry != nil {
		h.OnRetry(op, attempt, err)
	}
}

func (h Hooks) drop(n int) {
	if h.OnDrop != nil && n > 0 {
		h.OnDrop(n)
	}
}

// SortLogs orders logs by block number, then log index.
func SortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
