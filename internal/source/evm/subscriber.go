package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/devblac/event-operator/internal/retry"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	ID         string
	Address    common.Address
	Topic      common.Hash
	StartBlock string
	// BatchSize bounds each backfill FilterLogs range.
	BatchSize uint64
	// Backoff governs both individual RPC calls and reconnects.
	Backoff retry.Backoff
	RPCRate float64
	// Buffer is the subscription channel capacity.
	Buffer int
}

// Subscriber streams logs over SubscribeFilterLogs. Every (re)connect backfills from the last
// delivered block with FilterLogs, so a dropped connection loses nothing; logs seen twice are
// skipped by position.
type Subscriber struct {
	client  StreamClient
	cursors Cursors
	cfg     SubscriberConfig
	limiter *rate.Limiter
	log     *slog.Logger
	hooks   Hooks
}

type position struct {
	block uint64
	index uint
	set   bool
}

func (p position) covers(lg types.Log) bool {
	if !p.set {
		return false
	}
	if lg.BlockNumber != p.block {
		return lg.BlockNumber < p.block
	}
	return lg.Index <= p.index
}

type deliverError struct{ err error }

func (e *deliverError) Error() string { return e.err.Error() }
func (e *deliverError) Unwrap() error { return e.err }

// NewSubscriber builds a subscriber for one address/topic pair.
func NewSubscriber(client StreamClient, cursors Cursors, cfg SubscriberConfig, log *slog.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("subscriber: client is nil")
	}
	if cursors == nil {
		return nil, errors.New("subscriber: cursor store is nil")
	}
	if cfg.ID == "" {
		return nil, errors.New("subscriber: id is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		client:  client,
		cursors: cursors,
		cfg:     cfg,
		limiter: newLimiter(cfg.RPCRate),
		log:     log.With("source", cfg.ID),
	}, nil
}

// SetHooks installs observation hooks. Call before Listen.
func (s *Subscriber) SetHooks(h Hooks) { s.hooks = h }

// Listen subscribes, reconnecting with backoff when the subscription fails. The reconnect budget
// resets whenever a log arrives; once spent, a TransportError is returned.
func (s *Subscriber) Listen(ctx context.Context, deliver Deliver) error {
	var last position
	failures := 0
	for {
		err := s.session(ctx, deliver, &last, &failures)
		if ctx.Err() != nil {
			return nil
		}
		var de *deliverError
		if errors.As(err, &de) {
			return de.err
		}
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}

		failures++
		delay, ok := s.cfg.Backoff.Delay(failures)
		if !ok {
			return &TransportError{Op: "subscribe", Attempts: failures, Err: err}
		}
		s.hooks.retry("subscribe", failures, err)
		s.log.Warn("subscription lost, reconnecting", "attempt", failures, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context, deliver Deliver, last *position, failures *int) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Address},
		Topics:    [][]common.Hash{{s.cfg.Topic}},
	}

	ch := make(chan types.Log, s.cfg.Buffer)
	var sub ethereum.Subscription
	err := s.call(ctx, "subscribe logs", func(ctx context.Context) error {
		var err error
		sub, err = s.client.SubscribeFilterLogs(ctx, query, ch)
		return err
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if err := s.backfill(ctx, query, deliver, last); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if n := len(ch); n > 0 {
				s.log.Warn("dropping undelivered logs on shutdown", "count", n)
				s.hooks.drop(n)
			}
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-ch:
			if lg.Removed {
				s.log.Warn("skipping removed log", "tx", lg.TxHash.Hex(), "log_index", lg.Index)
				continue
			}
			if last.covers(lg) {
				continue
			}
			*failures = 0
			if last.set && lg.BlockNumber > last.block {
				if err := s.saveCursor(ctx, lg.BlockNumber-1); err != nil {
					return err
				}
			}
			if err := deliver(ctx, lg); err != nil {
				dropped := 1 + len(ch)
				s.log.Warn("dropping undelivered logs", "count", dropped, "block", lg.BlockNumber, "error", err)
				s.hooks.drop(dropped)
				return &deliverError{err: err}
			}
			*last = position{block: lg.BlockNumber, index: lg.Index, set: true}
		}
	}
}

// backfill replays logs between the cursor and the current head before live logs are consumed.
func (s *Subscriber) backfill(ctx context.Context, query ethereum.FilterQuery, deliver Deliver, last *position) error {
	var head *types.Header
	err := s.call(ctx, "latest header", func(ctx context.Context) error {
		var err error
		head, err = s.client.HeaderByNumber(ctx, nil)
		if err == nil && head == nil {
			err = fmt.Errorf("nil header")
		}
		return err
	})
	if err != nil {
		return err
	}
	latest := head.Number.Uint64()

	var (
		height uint64
		ok     bool
	)
	err = call(ctx, nil, s.cfg.Backoff, "get cursor", s.hooks, func(ctx context.Context) error {
		var err error
		height, _, ok, err = s.cursors.GetCursor(ctx, s.cfg.ID)
		return err
	})
	if err != nil {
		return err
	}
	next := height + 1
	if !ok {
		if next, err = resolveStartHeight(s.cfg.StartBlock, latest); err != nil {
			return &deliverError{err: err}
		}
	}

	for from := next; from <= latest; {
		to := from + s.cfg.BatchSize - 1
		if to > latest || to < from {
			to = latest
		}
		q := query
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)

		var logs []types.Log
		err := s.call(ctx, "filter logs", func(ctx context.Context) error {
			var err error
			logs, err = s.client.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return err
		}

		fresh := logs[:0]
		for _, lg := range logs {
			if !last.covers(lg) {
				fresh = append(fresh, lg)
			}
		}
		if err := deliverAll(ctx, fresh, func(ctx context.Context, lg types.Log) error {
			if err := deliver(ctx, lg); err != nil {
				return err
			}
			if !lg.Removed {
				*last = position{block: lg.BlockNumber, index: lg.Index, set: true}
			}
			return nil
		}, s.log, s.hooks); err != nil {
			return &deliverError{err: err}
		}
		if err := s.saveCursor(ctx, to); err != nil {
			return err
		}
		if to == latest {
			break
		}
		from = to + 1
	}
	return nil
}

func (s *Subscriber) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return call(ctx, s.limiter, s.cfg.Backoff, op, s.hooks, fn)
}

func (s *Subscriber) saveCursor(ctx context.Context, height uint64) error {
	return call(ctx, nil, s.cfg.Backoff, "save cursor", s.hooks, func(ctx context.Context) error {
		return s.cursors.UpsertCursor(ctx, s.cfg.ID, height, "")
	})
}
