package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devblac/event-operator/internal/hello"
)

var (
	flagInitDir   string
	flagInitForce bool
)

func init() {
	initCmd.Flags().StringVar(&flagInitDir, "dir", ".", "Directory to scaffold into")
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a sample config, .env and the example ABI",
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := scaffold(flagInitDir, flagInitForce)
		if err != nil {
			return err
		}
		for _, p := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
		}
		return nil
	},
}

const sampleConfig = `version: 1

global:
  db_path: operator.db
  failure_policy: isolate
  grace_period: 10s
  handler_timeout: 30s
  max_in_flight: 16

chain:
  rpc_url: ${RPC_URL}
  operator: ""
  poll_interval: 2s
  batch_size: 1000
  confirmations: 0
  max_retries: 5
  retry_backoff: 500ms

strategy:
  type: local

contracts:
  - id: service_manager
    address_env: ` + hello.AddressEnv + `
    abi: abis/TangleServiceManager.json

bindings:
  - id: say_hello
    contract: service_manager
    event: ` + hello.Event + `
    job: 0
    mode: poll
    start_block: latest
`

const sampleEnv = `RPC_URL=http://127.0.0.1:8545
# Leave empty to start with the listener disabled.
` + hello.AddressEnv + `=
`

// scaffold writes the sample files under dir and returns their paths. Existing files are kept
// unless force is set.
func scaffold(dir string, force bool) ([]string, error) {
	files := []struct {
		name string
		data []byte
	}{
		{"config.yaml", []byte(sampleConfig)},
		{".env", []byte(sampleEnv)},
		{filepath.Join("abis", "TangleServiceManager.json"), hello.ArtifactJSON()},
	}

	if !force {
		for _, f := range files {
			p := filepath.Join(dir, f.name)
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%s already exists (use --force to overwrite)", p)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
		written = append(written, p)
	}
	return written, nil
}
