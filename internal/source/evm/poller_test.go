package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/devblac/event-operator/internal/retry"
	"github.com/devblac/event-operator/internal/storage"
)

type fakeClient struct {
	headers     map[uint64]*types.Header
	logs        []types.Log
	filterFails int
	filterCalls int
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		var max uint64
		for n := range f.headers {
			if n > max {
				max = n
			}
		}
		if h, ok := f.headers[max]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("no headers")
	}
	if h, ok := f.headers[number.Uint64()]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("header %d not found", number.Uint64())
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.filterCalls++
	if f.filterFails > 0 {
		f.filterFails--
		return nil, errors.New("connection reset")
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func newChain(height uint64) map[uint64]*types.Header {
	headers := map[uint64]*types.Header{}
	var parent common.Hash
	for n := uint64(0); n <= height; n++ {
		h := &types.Header{Number: new(big.Int).SetUint64(n), ParentHash: parent}
		headers[n] = h
		parent = h.Hash()
	}
	return headers
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fastBackoff(retries int) retry.Backoff {
	return retry.Backoff{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestPoller(t *testing.T, fc BlockClient, store Cursors, cfg PollerConfig) *Poller {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "say_hello"
	}
	cfg.Address = token
	cfg.Topic = transferLog(0, 0, 0).Topics[0]
	if cfg.Backoff == (retry.Backoff{}) {
		cfg.Backoff = fastBackoff(2)
	}
	p, err := NewPoller(fc, store, cfg, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p
}

type collector struct {
	logs []types.Log
}

func (c *collector) deliver(_ context.Context, lg types.Log) error {
	c.logs = append(c.logs, lg)
	return nil
}

func TestPollerDeliversInChainOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	headers := newChain(3)
	fc := &fakeClient{
		headers: headers,
		logs: []types.Log{
			transferLog(2, 4, 1),
			transferLog(1, 1, 2),
			transferLog(2, 0, 3),
			transferLog(1, 0, 4),
		},
	}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1", BatchSize: 10})

	var c collector
	caughtUp, err := p.ProcessNext(ctx, c.deliver)
	if err != nil {
		t.Fatalf("process next: %v", err)
	}
	if !caughtUp {
		t.Fatalf("expected poller to reach head")
	}
	want := [][2]uint64{{1, 0}, {1, 1}, {2, 0}, {2, 4}}
	if len(c.logs) != len(want) {
		t.Fatalf("expected %d logs, got %d", len(want), len(c.logs))
	}
	for i, w := range want {
		if c.logs[i].BlockNumber != w[0] || uint64(c.logs[i].Index) != w[1] {
			t.Fatalf("log %d out of order: block=%d index=%d", i, c.logs[i].BlockNumber, c.logs[i].Index)
		}
	}

	h, hash, ok, _ := store.GetCursor(ctx, "say_hello")
	if !ok || h != 3 || hash != headers[3].Hash().Hex() {
		t.Fatalf("cursor not advanced, h=%d hash=%s ok=%v", h, hash, ok)
	}
}

func TestPollerBatchesAndConfirmations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fc := &fakeClient{
		headers: newChain(6),
		logs:    []types.Log{transferLog(1, 0, 1), transferLog(3, 0, 1), transferLog(5, 0, 1)},
	}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1", BatchSize: 2, Confirmations: 2})

	var c collector
	caughtUp, err := p.ProcessNext(ctx, c.deliver)
	if err != nil || caughtUp {
		t.Fatalf("first range: caughtUp=%v err=%v", caughtUp, err)
	}
	caughtUp, err = p.ProcessNext(ctx, c.deliver)
	if err != nil || !caughtUp {
		t.Fatalf("second range: caughtUp=%v err=%v", caughtUp, err)
	}
	if len(c.logs) != 2 {
		t.Fatalf("expected logs of blocks 1 and 3 only, got %d", len(c.logs))
	}
	if h, _, _, _ := store.GetCursor(ctx, "say_hello"); h != 4 {
		t.Fatalf("expected cursor at safe head 4, got %d", h)
	}

	caughtUp, err = p.ProcessNext(ctx, c.deliver)
	if err != nil || !caughtUp || len(c.logs) != 2 {
		t.Fatalf("expected idle poll, caughtUp=%v err=%v logs=%d", caughtUp, err, len(c.logs))
	}
}

func TestPollerReorgRewindsCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertCursor(ctx, "say_hello", 1, "0xparent"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	fc := &fakeClient{
		headers: map[uint64]*types.Header{
			2: {Number: big.NewInt(2), ParentHash: common.HexToHash("0xother")},
		},
	}
	p := newTestPoller(t, fc, store, PollerConfig{})

	var c collector
	_, err := p.ProcessNext(ctx, c.deliver)
	if !errors.Is(err, ErrReorgDetected) {
		t.Fatalf("expected reorg error, got %v", err)
	}
	h, hash, ok, _ := store.GetCursor(ctx, "say_hello")
	if !ok || h != 0 || hash != "" {
		t.Fatalf("cursor not rewound: h=%d hash=%q", h, hash)
	}
	if len(c.logs) != 0 {
		t.Fatalf("no logs should be delivered on reorg")
	}
}

func TestPollerKeepsCursorWhenDeliveryFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fc := &fakeClient{
		headers: newChain(2),
		logs:    []types.Log{transferLog(1, 0, 1), transferLog(1, 1, 1), transferLog(2, 0, 1)},
	}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1"})
	dropped := 0
	p.SetHooks(Hooks{OnDrop: func(n int) { dropped += n }})

	stop := errors.New("shutting down")
	delivered := 0
	_, err := p.ProcessNext(ctx, func(context.Context, types.Log) error {
		if delivered == 1 {
			return stop
		}
		delivered++
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped logs, got %d", dropped)
	}
	if _, _, ok, _ := store.GetCursor(ctx, "say_hello"); ok {
		t.Fatalf("cursor must not advance past undelivered logs")
	}

	var c collector
	if _, err := p.ProcessNext(ctx, c.deliver); err != nil {
		t.Fatalf("retry range: %v", err)
	}
	if len(c.logs) != 3 {
		t.Fatalf("expected range to be re-delivered, got %d logs", len(c.logs))
	}
}

func TestPollerSkipsRemovedLogs(t *testing.T) {
	store := newTestStore(t)
	removed := transferLog(1, 1, 1)
	removed.Removed = true
	fc := &fakeClient{headers: newChain(1), logs: []types.Log{transferLog(1, 0, 1), removed}}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "0"})

	var c collector
	if _, err := p.ProcessNext(context.Background(), c.deliver); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(c.logs) != 1 || c.logs[0].Index != 0 {
		t.Fatalf("expected removed log to be skipped, got %+v", c.logs)
	}
}

func TestPollerRetriesTransientErrors(t *testing.T) {
	store := newTestStore(t)
	fc := &fakeClient{headers: newChain(1), logs: []types.Log{transferLog(1, 0, 1)}, filterFails: 1}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1"})
	var retries []string
	p.SetHooks(Hooks{OnRetry: func(op string, attempt int, err error) { retries = append(retries, op) }})

	var c collector
	if _, err := p.ProcessNext(context.Background(), c.deliver); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(c.logs) != 1 {
		t.Fatalf("expected 1 log after retry, got %d", len(c.logs))
	}
	if len(retries) != 1 || retries[0] != "filter logs" {
		t.Fatalf("unexpected retries: %v", retries)
	}
}

func TestPollerTransportErrorIsFatal(t *testing.T) {
	store := newTestStore(t)
	fc := &fakeClient{headers: newChain(1), filterFails: 100}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1", Interval: time.Millisecond, Backoff: fastBackoff(2)})

	var c collector
	err := p.Listen(context.Background(), c.deliver)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.Op != "filter logs" || te.Attempts != 3 || fc.filterCalls != 3 {
		t.Fatalf("unexpected transport error: %+v calls=%d", te, fc.filterCalls)
	}
}

func TestPollerListenStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	fc := &fakeClient{headers: newChain(2), logs: []types.Log{transferLog(1, 0, 1), transferLog(2, 0, 1)}}
	p := newTestPoller(t, fc, store, PollerConfig{StartBlock: "1", Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	done := make(chan error, 1)
	go func() {
		done <- p.Listen(ctx, func(ctx context.Context, lg types.Log) error {
			_ = c.deliver(ctx, lg)
			if len(c.logs) == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listen did not stop on cancel")
	}
	if len(c.logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(c.logs))
	}
}

func TestResolveStartHeight(t *testing.T) {
	cases := []struct {
		start string
		want  uint64
		err   bool
	}{
		{"", 100, false},
		{"latest", 100, false},
		{"latest-10", 90, false},
		{"latest-500", 0, false},
		{"42", 42, false},
		{"latest-x", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := resolveStartHeight(tc.start, 100)
		if (err != nil) != tc.err {
			t.Fatalf("%q: unexpected error %v", tc.start, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %d want %d", tc.start, got, tc.want)
		}
	}
}

// flakyCursors fails the first getFails reads and saveFails writes before reaching the store.
type flakyCursors struct {
	Cursors
	getFails, saveFails int
}

func (f *flakyCursors) GetCursor(ctx context.Context, id string) (uint64, string, bool, error) {
	if f.getFails > 0 {
		f.getFails--
		return 0, "", false, errors.New("database is locked")
	}
	return f.Cursors.GetCursor(ctx, id)
}

func (f *flakyCursors) UpsertCursor(ctx context.Context, id string, height uint64, hash string) error {
	if f.saveFails > 0 {
		f.saveFails--
		return errors.New("database is locked")
	}
	return f.Cursors.UpsertCursor(ctx, id, height, hash)
}

func TestPollerRetriesCursorStoreFailures(t *testing.T) {
	store := newTestStore(t)
	cursors := &flakyCursors{Cursors: store, getFails: 1, saveFails: 1}
	fc := &fakeClient{headers: newChain(2), logs: []types.Log{transferLog(2, 0, 1)}}
	p := newTestPoller(t, fc, cursors, PollerConfig{StartBlock: "1"})
	var retries []string
	p.SetHooks(Hooks{OnRetry: func(op string, attempt int, err error) { retries = append(retries, op) }})

	var c collector
	if _, err := p.ProcessNext(context.Background(), c.deliver); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(c.logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(c.logs))
	}
	h, _, ok, err := store.GetCursor(context.Background(), "say_hello")
	if err != nil || !ok || h != 2 {
		t.Fatalf("expected cursor at 2, got %d ok=%v err=%v", h, ok, err)
	}
	if len(retries) != 2 || retries[0] != "get cursor" || retries[1] != "save cursor" {
		t.Fatalf("unexpected retries: %v", retries)
	}
}

func TestPollerCursorStoreExhaustionIsFatal(t *testing.T) {
	store := newTestStore(t)
	cursors := &flakyCursors{Cursors: store, saveFails: 100}
	fc := &fakeClient{headers: newChain(1)}
	p := newTestPoller(t, fc, cursors, PollerConfig{StartBlock: "1", Interval: time.Millisecond, Backoff: fastBackoff(2)})

	var c collector
	err := p.Listen(context.Background(), c.deliver)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.Op != "save cursor" || te.Attempts != 3 || cursors.saveFails != 97 {
		t.Fatalf("unexpected transport error: %+v remaining=%d", te, cursors.saveFails)
	}
}
