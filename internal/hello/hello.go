// Package hello is the example job: every OperatorRegisteredToAVS event emitted by the service
// manager is greeted by address.
package hello

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/devblac/event-operator/internal/engine"
	"github.com/devblac/event-operator/internal/job"
	"github.com/devblac/event-operator/internal/source/evm"
)

const (
	// JobID is the id of say_hello.
	JobID uint64 = 0
	// Event is the event the job listens for.
	Event = "OperatorRegisteredToAVS"
	// AddressEnv names the variable holding the service manager address.
	AddressEnv = "SERVICE_MANAGER_ADDRESS"
)

//go:embed abi/TangleServiceManager.json
var serviceManagerArtifact []byte

// ArtifactJSON returns the service manager compiler artifact.
func ArtifactJSON() []byte { return serviceManagerArtifact }

// ABI parses the embedded service manager ABI.
func ABI() (*abi.ABI, error) {
	return evm.ParseABI(serviceManagerArtifact)
}

var whoParams = []job.Param{{Name: "who", Type: "string"}}

// SayHello returns "Hello, {who}!".
func SayHello(_ context.Context, _ *job.ExecutionContext, who string) (string, error) {
	return fmt.Sprintf("Hello, %s!", who), nil
}

// Job describes say_hello.
func Job() job.Descriptor {
	return job.Descriptor{
		ID:      JobID,
		Name:    "say_hello",
		Params:  whoParams,
		Handler: job.Handle1(SayHello),
	}
}

// PreProcessor greets the contract that emitted the event.
func PreProcessor() engine.PreProcessor {
	return engine.PreProcessor{
		Name:    "emitter_address",
		Outputs: whoParams,
		Fn: func(_ context.Context, ev *evm.TypedEvent) (job.Arguments, bool, error) {
			return job.Arguments{ev.Raw.Address.Hex()}, true, nil
		},
	}
}
