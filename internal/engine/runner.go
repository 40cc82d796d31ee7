package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/metrics"
	"github.com/devblac/event-operator/internal/retry"
	"github.com/devblac/event-operator/internal/sink"
	"github.com/devblac/event-operator/internal/source/evm"
	"github.com/devblac/event-operator/internal/storage"
	"github.com/devblac/event-operator/internal/strategy"
)

// State is the runner lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy decides what a fatal binding error does to the other bindings.
type Policy string

const (
	// Isolate stops only the failing binding.
	Isolate Policy = "isolate"
	// FailFast drains every binding.
	FailFast Policy = "fail_fast"
)

// ResultStore persists job results. storage.Store implements it.
type ResultStore interface {
	InsertResult(ctx context.Context, r storage.JobResult) error
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(log *slog.Logger) Option { return func(r *Runner) { r.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func WithLedger(l Ledger) Option { return func(r *Runner) { r.ledger = l } }

func WithResults(s ResultStore) Option { return func(r *Runner) { r.results = s } }

func WithPolicy(p Policy) Option { return func(r *Runner) { r.policy = p } }

// WithGracePeriod bounds how long draining waits for in-flight handlers before cancelling them.
func WithGracePeriod(d time.Duration) Option { return func(r *Runner) { r.grace = d } }

func WithHandlerTimeout(d time.Duration) Option { return func(r *Runner) { r.handlerTimeout = d } }

// WithMaxInFlight caps concurrent handler pipelines per binding.
func WithMaxInFlight(n int) Option { return func(r *Runner) { r.maxInFlight = n } }

// Runner drives bindings concurrently and owns the process lifecycle.
type Runner struct {
	ec             *job.ExecutionContext
	strategy       strategy.Strategy
	log            *slog.Logger
	metrics        *metrics.Metrics
	ledger         Ledger
	results        ResultStore
	policy         Policy
	grace          time.Duration
	handlerTimeout time.Duration
	maxInFlight    int
	storeBackoff   retry.Backoff

	state    atomic.Int32
	mu       sync.Mutex
	started  bool
	bindings []*Binding
	inflight sync.WaitGroup
}

// NewRunner builds a runner in the Created state.
func NewRunner(ec *job.ExecutionContext, strat strategy.Strategy, opts ...Option) *Runner {
	r := &Runner{
		ec:             ec,
		strategy:       strat,
		policy:         Isolate,
		grace:          10 * time.Second,
		handlerTimeout: 30 * time.Second,
		maxInFlight:    16,
		storeBackoff:   retry.Exponential(3, 100*time.Millisecond),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ec == nil {
		r.ec = &job.ExecutionContext{}
	}
	if r.strategy == nil {
		r.strategy = strategy.Local{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.ledger == nil {
		r.ledger = NewMemoryLedger()
	}
	if r.maxInFlight <= 0 {
		r.maxInFlight = 1
	}
	r.metrics.RunnerState(int(StateCreated))
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.metrics.RunnerState(int(s))
	r.log.Info("runner state", "state", s.String())
}

type hookable interface {
	SetHooks(evm.Hooks)
}

// Bind registers a binding. Only allowed before Run.
func (r *Runner) Bind(b *Binding) error {
	if b == nil {
		return errors.New("binding is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("bind %s: runner already started", b.ID())
	}
	for _, existing := range r.bindings {
		if existing.ID() == b.ID() {
			return &ConfigurationError{Binding: b.ID(), Err: errors.New("duplicate binding id")}
		}
	}
	if h, ok := b.spec.Source.(hookable); ok {
		id := b.ID()
		h.SetHooks(evm.Hooks{
			OnRetry: func(op string, attempt int, err error) {
				r.metrics.TransportRetry(id)
				r.log.Warn("rpc call failed, retrying", "binding", id, "op", op, "attempt", attempt, "error", err)
			},
			OnDrop: func(n int) { r.metrics.LogsDropped(id, n) },
		})
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// Run prepares the strategy, starts every enabled binding and blocks until ctx is done or the
// failure policy stops all bindings. It drains in-flight handlers before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.started = true
	bindings := append([]*Binding(nil), r.bindings...)
	r.mu.Unlock()

	if err := r.strategy.Prepare(ctx, r.ec); err != nil {
		r.setState(StateStopped)
		return &ConfigurationError{Err: fmt.Errorf("strategy %s: %w", r.strategy.Name(), err)}
	}

	var enabled []*Binding
	for _, b := range bindings {
		if !b.Enabled() {
			r.log.Warn("listener disabled: contract address is zero", "binding", b.ID(), "job_id", b.JobID(), "event", b.Event())
			continue
		}
		enabled = append(enabled, b)
	}

	r.setState(StateRunning)
	if len(enabled) == 0 {
		r.log.Warn("no enabled bindings, waiting for shutdown")
		<-ctx.Done()
		r.setState(StateDraining)
		r.setState(StateStopped)
		return nil
	}

	// Handlers outlive the listen context so admitted work can finish during the grace period.
	handlerBase, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	var g *errgroup.Group
	listenCtx := ctx
	if r.policy == FailFast {
		g, listenCtx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}

	var errMu sync.Mutex
	var errs []error
	for _, b := range enabled {
		b := b
		g.Go(func() error {
			slots := make(chan struct{}, r.maxInFlight)
			err := b.spec.Source.Listen(listenCtx, func(lctx context.Context, lg types.Log) error {
				return r.admit(lctx, handlerBase, slots, b, lg)
			})
			if err == nil || listenCtx.Err() != nil {
				return nil
			}
			berr := &BindingError{Binding: b.ID(), JobID: b.JobID(), Contract: b.Contract(), Event: b.Event(), Err: err}
			r.metrics.BindingFailed(b.ID())
			r.log.Error("binding stopped", "binding", b.ID(), "job_id", b.JobID(), "contract", b.Contract().Hex(), "event", b.Event(), "error", err)
			errMu.Lock()
			errs = append(errs, berr)
			errMu.Unlock()
			return berr
		})
	}

	firstErr := g.Wait()
	r.setState(StateDraining)
	r.drain(cancelHandlers)
	r.setState(StateStopped)

	if r.policy == FailFast {
		return firstErr
	}
	return errors.Join(errs...)
}

func (r *Runner) drain(cancelHandlers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		r.log.Warn("grace period expired, cancelling in-flight handlers", "grace", r.grace)
		cancelHandlers()
	}
	<-done
}

// admit runs synchronously in source order: decode, acquire a slot, record the dispatch, then
// hand the event to a processing goroutine.
func (r *Runner) admit(ctx, base context.Context, slots chan struct{}, b *Binding, lg types.Log) error {
	id := b.ID()
	r.metrics.LogReceived(id)

	ev, err := b.spec.Decoder.Decode(lg)
	if err != nil {
		r.metrics.DecodeError(id)
		r.log.Warn("decode failed, skipping log", logAttrs(b, lg, "error", err)...)
		return nil
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-slots
		return err
	}

	fresh, err := r.record(ctx, DispatchKey(id, lg))
	if err != nil {
		<-slots
		return err
	}
	if !fresh {
		<-slots
		r.log.Debug("log already dispatched, skipping", logAttrs(b, lg)...)
		return nil
	}

	r.inflight.Add(1)
	r.metrics.InFlight(1)
	go func() {
		defer func() {
			<-slots
			r.metrics.InFlight(-1)
			r.inflight.Done()
		}()
		r.process(base, b, ev)
	}()
	return nil
}

// record admits key in the ledger, retrying storage failures. An exhausted budget is a
// TransportError and stops the binding.
func (r *Runner) record(ctx context.Context, key string) (bool, error) {
	var fresh bool
	attempts, err := retry.Do(ctx, r.storeBackoff, func(ctx context.Context) error {
		var err error
		fresh, err = r.ledger.Admit(ctx, key)
		return err
	}, func(attempt int, err error) {
		r.log.Warn("record dispatch failed, retrying", "key", key, "attempt", attempt, "error", err)
	})
	if err == nil {
		return fresh, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, &evm.TransportError{Op: "record dispatch", Attempts: attempts, Err: err}
}

func (r *Runner) process(base context.Context, b *Binding, ev *evm.TypedEvent) {
	id := b.ID()
	lg := ev.Raw

	if !b.matches(ev.Args) {
		r.metrics.EventFiltered(id)
		r.log.Debug("event filtered by where", logAttrs(b, lg)...)
		return
	}

	ctx, cancel := context.WithTimeout(base, r.handlerTimeout)
	defer cancel()

	args, ok, err := b.preprocess(ctx, ev)
	if err != nil {
		r.metrics.ProcessorError(id)
		r.log.Warn("pre-processor failed, skipping event", logAttrs(b, lg, "error", err)...)
		return
	}
	if !ok {
		r.metrics.EventFiltered(id)
		r.log.Debug("event not actionable", logAttrs(b, lg)...)
		return
	}

	r.metrics.JobDispatched(id)
	out, err := b.spec.Job.Invoke(ctx, r.ec, args)
	if err != nil {
		r.metrics.JobError(id)
		r.log.Warn("job failed", logAttrs(b, lg, "error", err)...)
	} else {
		r.log.Info("job completed", logAttrs(b, lg, "output", out)...)
	}
	r.report(base, b, ev, out, err)
}

func (r *Runner) report(base context.Context, b *Binding, ev *evm.TypedEvent, out any, jobErr error) {
	ctx, cancel := context.WithTimeout(base, 10*time.Second)
	defer cancel()

	lg := ev.Raw
	payload := sink.ResultPayload{
		BindingID:   b.ID(),
		JobID:       b.JobID(),
		Job:         b.spec.Job.Label(),
		Contract:    lg.Address.Hex(),
		Event:       ev.Signature,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		Status:      sink.StatusOK,
		Output:      out,
		Args:        ev.Args,
	}
	if jobErr != nil {
		payload.Status = sink.StatusError
		payload.Error = jobErr.Error()
	}

	if r.results != nil {
		res := storage.JobResult{
			BindingID:   payload.BindingID,
			JobID:       payload.JobID,
			TxHash:      payload.TxHash,
			LogIndex:    payload.LogIndex,
			BlockNumber: payload.BlockNumber,
			Status:      payload.Status,
			Error:       payload.Error,
			CreatedAt:   time.Now(),
		}
		if jobErr == nil {
			raw, err := json.Marshal(out)
			if err != nil {
				raw, _ = json.Marshal(fmt.Sprint(out))
			}
			res.OutputJSON = string(raw)
		}
		if err := r.results.InsertResult(ctx, res); err != nil {
			r.log.Warn("store job result failed", logAttrs(b, lg, "error", err)...)
		}
	}

	for _, s := range b.spec.Sinks {
		if err := s.Send(ctx, payload); err != nil {
			r.log.Warn("report job result failed", logAttrs(b, lg, "error", err)...)
		}
	}
}

func logAttrs(b *Binding, lg types.Log, extra ...any) []any {
	attrs := []any{
		"binding", b.ID(),
		"job_id", b.JobID(),
		"contract", lg.Address.Hex(),
		"event", b.Event(),
		"tx", lg.TxHash.Hex(),
		"log_index", lg.Index,
	}
	return append(attrs, extra...)
}
