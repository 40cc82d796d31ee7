package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ProcessorError is a failed pre-processor run. The event is skipped.
type ProcessorError struct {
	Binding string
	Err     error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("binding %s: pre-processor: %v", e.Binding, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// ConfigurationError is detected at startup and keeps the runner from entering Running.
type ConfigurationError struct {
	Binding string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Binding == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("binding %s: configuration: %v", e.Binding, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BindingError is a fatal binding failure, annotated for diagnosis.
type BindingError struct {
	Binding  string
	JobID    uint64
	Contract common.Address
	Event    string
	Err      error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding %s (job %d, contract %s, event %s): %v", e.Binding, e.JobID, e.Contract.Hex(), e.Event, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }
