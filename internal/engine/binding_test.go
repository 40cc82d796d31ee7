package engine

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/devblac/event-operator/internal/job"
)

func echoSpec(t *testing.T, outputs []job.Param) BindingSpec {
	t.Helper()
	return BindingSpec{
		ID:       "echo",
		Contract: pingContract,
		Source:   &sliceSource{},
		Decoder:  pingDecoder(t),
		Pre:      PreProcessor{Name: "value", Outputs: outputs, Fn: passValue},
		Job: job.Descriptor{
			ID:     0,
			Name:   "echo",
			Params: valueParams,
			Handler: job.Handle1(func(_ context.Context, _ *job.ExecutionContext, v *big.Int) (string, error) {
				return v.String(), nil
			}),
		},
	}
}

func TestNewBindingRejectsSignatureMismatch(t *testing.T) {
	cases := []struct {
		name    string
		outputs []job.Param
		want    string
	}{
		{"output count", []job.Param{{Name: "value", Type: "uint256"}, {Name: "who", Type: "address"}}, "emits 2 value(s)"},
		{"name at position", []job.Param{{Name: "amount", Type: "uint256"}}, "output 0"},
		{"type at position", []job.Param{{Name: "value", Type: "int256"}}, "output 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := NewBinding(echoSpec(t, tc.outputs))
			if b != nil {
				t.Fatalf("expected no binding on mismatch")
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigurationError, got %T %v", err, err)
			}
			if ce.Binding != "echo" || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewBindingAcceptsMatchingSignature(t *testing.T) {
	if _, err := NewBinding(echoSpec(t, valueParams)); err != nil {
		t.Fatalf("matching signature rejected: %v", err)
	}
}
