package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/sink"
	"github.com/devblac/event-operator/internal/source/evm"
)

// PreProcessFunc maps a decoded event to job arguments. ok=false means the event was observed
// but is not actionable.
type PreProcessFunc func(ctx context.Context, ev *evm.TypedEvent) (args job.Arguments, ok bool, err error)

// PreProcessor is a named PreProcessFunc with the parameter list it emits.
type PreProcessor struct {
	Name    string
	Outputs []job.Param
	Fn      PreProcessFunc
}

// BindingSpec describes a binding. A zero Contract disables it.
type BindingSpec struct {
	ID       string
	Contract common.Address
	// Source may be nil for a disabled binding.
	Source  evm.LogSource
	Decoder *evm.Decoder
	Pre     PreProcessor
	Job     job.Descriptor
	// Where holds optional predicates on decoded args, applied before the pre-processor.
	Where []string
	Sinks []sink.Sender
}

// Binding couples a log source, decoder, pre-processor and job into one runnable unit.
type Binding struct {
	spec  BindingSpec
	preds []Predicate
}

// NewBinding validates spec. Every failure is a *ConfigurationError.
func NewBinding(spec BindingSpec) (*Binding, error) {
	fail := func(format string, args ...any) (*Binding, error) {
		return nil, &ConfigurationError{Binding: spec.ID, Err: fmt.Errorf(format, args...)}
	}
	if spec.ID == "" {
		return fail("id is required")
	}
	if spec.Decoder == nil {
		return fail("decoder is required")
	}
	if spec.Pre.Fn == nil {
		return fail("pre-processor is required")
	}
	if err := spec.Job.Validate(); err != nil {
		return fail("%w", err)
	}
	if err := checkSignature(spec.Pre, spec.Job); err != nil {
		return fail("%w", err)
	}
	preds, err := CompilePredicates(spec.Where)
	if err != nil {
		return fail("where: %w", err)
	}
	b := &Binding{spec: spec, preds: preds}
	if b.Enabled() && spec.Source == nil {
		return fail("source is required for contract %s", spec.Contract.Hex())
	}
	return b, nil
}

// checkSignature requires the pre-processor outputs to match the job parameters by position,
// name and type.
func checkSignature(pre PreProcessor, d job.Descriptor) error {
	if len(pre.Outputs) != len(d.Params) {
		return fmt.Errorf("pre-processor %s emits %d value(s), job %s takes %d", pre.Name, len(pre.Outputs), d.Label(), len(d.Params))
	}
	for i, out := range pre.Outputs {
		p := d.Params[i]
		if out.Name != p.Name || out.Type != p.Type {
			return fmt.Errorf("pre-processor %s output %d is %q, job %s parameter %d is %q", pre.Name, i, out.String(), d.Label(), i, p.String())
		}
	}
	return nil
}

// ID returns the binding id.
func (b *Binding) ID() string { return b.spec.ID }

// JobID returns the id of the bound job.
func (b *Binding) JobID() uint64 { return b.spec.Job.ID }

// Contract returns the watched contract address.
func (b *Binding) Contract() common.Address { return b.spec.Contract }

// Event returns the watched event signature.
func (b *Binding) Event() string { return b.spec.Decoder.Event().Sig }

// Enabled reports whether the binding has a non-zero contract address.
func (b *Binding) Enabled() bool { return b.spec.Contract != (common.Address{}) }

func (b *Binding) preprocess(ctx context.Context, ev *evm.TypedEvent) (args job.Arguments, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			args, ok = nil, false
			err = &ProcessorError{Binding: b.spec.ID, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	args, ok, err = b.spec.Pre.Fn(ctx, ev)
	if err != nil {
		var pe *ProcessorError
		if !errors.As(err, &pe) {
			err = &ProcessorError{Binding: b.spec.ID, Err: err}
		}
		return nil, false, err
	}
	return args, ok, nil
}

func (b *Binding) matches(args map[string]any) bool {
	for _, p := range b.preds {
		ok, err := p(args)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
