package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns raw logs of one event signature into TypedEvents. Logs are untrusted chain data:
// Decode reports bad input as ErrSchemaMismatch or ErrMalformed and never panics.
type Decoder struct {
	event      abi.Event
	indexed    abi.Arguments
	nonIndexed abi.Arguments
}

// NewDecoder builds a decoder for a single ABI event.
func NewDecoder(ev abi.Event) *Decoder {
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	return &Decoder{
		event:      ev,
		indexed:    indexed,
		nonIndexed: nonIndexed,
	}
}

// NewDecoderFromABI builds a decoder for the event named (or signed) nameOrSig in a.
func NewDecoderFromABI(a *abi.ABI, nameOrSig string) (*Decoder, error) {
	ev, ok := FindEvent(a, nameOrSig)
	if !ok {
		return nil, fmt.Errorf("event %s not found in abi", nameOrSig)
	}
	return NewDecoder(*ev), nil
}

// Event returns the ABI event this decoder expects.
func (d *Decoder) Event() abi.Event { return d.event }

// Topic returns topic0 of the event.
func (d *Decoder) Topic() common.Hash { return d.event.ID }

// Decode decodes lg into a TypedEvent.
func (d *Decoder) Decode(lg types.Log) (ev *TypedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = fmt.Errorf("%w: %s: %v", ErrMalformed, d.event.Name, r)
		}
	}()

	topics := lg.Topics
	if !d.event.Anonymous {
		if len(topics) == 0 {
			return nil, fmt.Errorf("%w: %s: log has no topics", ErrSchemaMismatch, d.event.Name)
		}
		if topics[0] != d.event.ID {
			return nil, fmt.Errorf("%w: %s: topic0 %s, want %s", ErrSchemaMismatch, d.event.Name, topics[0].Hex(), d.event.ID.Hex())
		}
		topics = topics[1:]
	}
	if len(topics) != len(d.indexed) {
		return nil, fmt.Errorf("%w: %s: %d indexed topics, want %d", ErrMalformed, d.event.Name, len(topics), len(d.indexed))
	}
	if len(lg.Data)%32 != 0 {
		return nil, fmt.Errorf("%w: %s: data length %d is not a multiple of 32", ErrMalformed, d.event.Name, len(lg.Data))
	}

	args := map[string]any{}
	if len(d.indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, d.indexed, topics); err != nil {
			return nil, fmt.Errorf("%w: %s: parse topics: %v", ErrMalformed, d.event.Name, err)
		}
	}
	if len(d.nonIndexed) > 0 {
		if err := d.nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
			return nil, fmt.Errorf("%w: %s: unpack data: %v", ErrMalformed, d.event.Name, err)
		}
	} else if len(lg.Data) > 0 {
		return nil, fmt.Errorf("%w: %s: unexpected %d data bytes", ErrMalformed, d.event.Name, len(lg.Data))
	}

	values := make([]any, 0, len(d.event.Inputs))
	for _, in := range d.event.Inputs {
		values = append(values, args[in.Name])
	}

	return &TypedEvent{
		Name:      d.event.Name,
		Signature: d.event.Sig,
		Args:      args,
		Values:    values,
		Raw:       lg,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
