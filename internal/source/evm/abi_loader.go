package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI parses a JSON ABI array or a compiler artifact carrying an "abi" field.
func ParseABI(data []byte) (*abi.ABI, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return nil, fmt.Errorf("parse artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact has no abi field")
		}
		trimmed = artifact.ABI
	}
	a, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadABIFile reads and parses a single ABI or artifact file.
func LoadABIFile(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	a, err := ParseABI(data)
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return a, nil
}

// LoadABIs loads ABI JSON files from the provided directories.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			a, err := LoadABIFile(path)
			if err != nil {
				return err
			}
			abis[path] = a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// FindEvent looks up an event by name ("Transfer") or canonical signature
// ("Transfer(address,address,uint256)").
func FindEvent(a *abi.ABI, nameOrSig string) (*abi.Event, bool) {
	if a == nil {
		return nil, false
	}
	nameOrSig = strings.ReplaceAll(strings.TrimSpace(nameOrSig), " ", "")
	if !strings.Contains(nameOrSig, "(") {
		if ev, ok := a.Events[nameOrSig]; ok {
			return &ev, true
		}
		return nil, false
	}
	for _, ev := range a.Events {
		if ev.Sig == nameOrSig {
			ev := ev
			return &ev, true
		}
	}
	return nil, false
}
