package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/devblac/event-operator/internal/retry"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// ID keys the persisted cursor.
	ID            string
	Address       common.Address
	Topic         common.Hash
	StartBlock    string
	Interval      time.Duration
	BatchSize     uint64
	Confirmations uint64
	Backoff       retry.Backoff
	// RPCRate caps RPC requests per second; 0 means unlimited.
	RPCRate float64
}

// Poller fetches logs in block ranges with confirmation safety, persisting its cursor after
// every fully delivered range.
type Poller struct {
	client  BlockClient
	cursors Cursors
	cfg     PollerConfig
	limiter *rate.Limiter
	log     *slog.Logger
	hooks   Hooks
}

// NewPoller builds a poller for one address/topic pair.
func NewPoller(client BlockClient, cursors Cursors, cfg PollerConfig, log *slog.Logger) (*Poller, error) {
	if client == nil {
		return nil, errors.New("poller: client is nil")
	}
	if cursors == nil {
		return nil, errors.New("poller: cursor store is nil")
	}
	if cfg.ID == "" {
		return nil, errors.New("poller: id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		client:  client,
		cursors: cursors,
		cfg:     cfg,
		limiter: newLimiter(cfg.RPCRate),
		log:     log.With("source", cfg.ID),
	}, nil
}

// SetHooks installs observation hooks. Call before Listen.
func (p *Poller) SetHooks(h Hooks) { p.hooks = h }

// Listen polls until ctx is done or a fatal error occurs.
func (p *Poller) Listen(ctx context.Context, deliver Deliver) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		caughtUp, err := p.ProcessNext(ctx, deliver)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrReorgDetected):
			p.log.Warn("reorg detected, cursor rewound")
			continue
		case err != nil:
			return err
		}
		if !caughtUp {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessNext handles the next eligible block range (respecting confirmations) and delivers its
// logs. It advances the cursor only when every log of the range was delivered. caughtUp reports
// whether the range reached the safe head. On reorg, ErrReorgDetected is returned after rewinding.
func (p *Poller) ProcessNext(ctx context.Context, deliver Deliver) (caughtUp bool, err error) {
	var (
		curHeight uint64
		curHash   string
		hasCursor bool
	)
	err = p.persist(ctx, "get cursor", func(ctx context.Context) error {
		var err error
		curHeight, curHash, hasCursor, err = p.cursors.GetCursor(ctx, p.cfg.ID)
		return err
	})
	if err != nil {
		return false, err
	}

	latest, err := p.header(ctx, "latest header", nil)
	if err != nil {
		return false, err
	}
	safeHeight := latest.Number.Uint64()
	if p.cfg.Confirmations > 0 {
		if p.cfg.Confirmations > safeHeight {
			return true, nil
		}
		safeHeight -= p.cfg.Confirmations
	}

	target := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(p.cfg.StartBlock, safeHeight)
		if err != nil {
			return false, err
		}
		target = start
	}
	if target > safeHeight {
		return true, nil
	}

	end := target + p.cfg.BatchSize - 1
	if end > safeHeight || end < target {
		end = safeHeight
	}

	first, err := p.header(ctx, fmt.Sprintf("header %d", target), new(big.Int).SetUint64(target))
	if err != nil {
		return false, err
	}
	if hasCursor && curHash != "" && first.ParentHash.Hex() != curHash {
		rewindTo := uint64(0)
		if target > 1 {
			rewindTo = target - 2
		}
		if err := p.saveCursor(ctx, rewindTo, ""); err != nil {
			return false, err
		}
		return false, ErrReorgDetected
	}

	last := first
	if end != target {
		last, err = p.header(ctx, fmt.Sprintf("header %d", end), new(big.Int).SetUint64(end))
		if err != nil {
			return false, err
		}
	}

	var logs []types.Log
	err = p.call(ctx, "filter logs", func(ctx context.Context) error {
		var err error
		logs, err = p.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(target),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{p.cfg.Address},
			Topics:    [][]common.Hash{{p.cfg.Topic}},
		})
		return err
	})
	if err != nil {
		return false, err
	}

	if err := deliverAll(ctx, logs, deliver, p.log, p.hooks); err != nil {
		return false, err
	}

	if err := p.saveCursor(ctx, end, last.Hash().Hex()); err != nil {
		return false, err
	}
	return end >= safeHeight, nil
}

func (p *Poller) header(ctx context.Context, op string, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := p.call(ctx, op, func(ctx context.Context) error {
		var err error
		h, err = p.client.HeaderByNumber(ctx, number)
		if err == nil && h == nil {
			err = fmt.Errorf("nil header")
		}
		return err
	})
	return h, err
}

func (p *Poller) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return call(ctx, p.limiter, p.cfg.Backoff, op, p.hooks, fn)
}

func (p *Poller) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	return call(ctx, nil, p.cfg.Backoff, op, p.hooks, fn)
}

func (p *Poller) saveCursor(ctx context.Context, height uint64, hash string) error {
	return p.persist(ctx, "save cursor", func(ctx context.Context) error {
		return p.cursors.UpsertCursor(ctx, p.cfg.ID, height, hash)
	})
}

// call runs fn under the retry budget. A nil limiter skips rate limiting, which is how cursor
// store calls run. An exhausted budget comes back as a *TransportError.
func call(ctx context.Context, lim *rate.Limiter, b retry.Backoff, op string, hooks Hooks, fn func(context.Context) error) error {
	attempts, err := retry.Do(ctx, b, func(ctx context.Context) error {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	}, func(attempt int, err error) {
		hooks.retry(op, attempt, err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransportError{Op: op, Attempts: attempts, Err: err}
}

// deliverAll hands logs to deliver in chain order. Removed logs are skipped. When deliver fails,
// the remaining logs are dropped with a warning; they are not covered by the cursor and will be
// fetched again.
func deliverAll(ctx context.Context, logs []types.Log, deliver Deliver, log *slog.Logger, hooks Hooks) error {
	SortLogs(logs)
	for i, lg := range logs {
		if lg.Removed {
			log.Warn("skipping removed log", "tx", lg.TxHash.Hex(), "log_index", lg.Index)
			continue
		}
		if err := deliver(ctx, lg); err != nil {
			dropped := len(logs) - i
			log.Warn("dropping undelivered logs", "count", dropped, "block", lg.BlockNumber, "error", err)
			hooks.drop(dropped)
			return err
		}
	}
	return nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// resolveStartHeight interprets start_block: "" or "latest" (safe head), "latest-N" or a number.
func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	start = strings.TrimSpace(start)
	if start == "" || start == "latest" {
		return safeHeight, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
