package evm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseABIArtifact(t *testing.T) {
	artifact := `{"abi":` + erc20ABIJSON + `,"bytecode":{"object":"0x"}}`
	a, err := ParseABI([]byte(artifact))
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	if _, ok := FindEvent(a, "Transfer"); !ok {
		t.Fatalf("Transfer not found in artifact abi")
	}

	if _, err := ParseABI([]byte(`{"bytecode":"0x"}`)); err == nil {
		t.Fatalf("expected artifact without abi to fail")
	}
}

func TestLoadABIs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "erc20.json"), []byte(erc20ABIJSON), 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an abi"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	abis, err := LoadABIs([]string{dir, ""})
	if err != nil {
		t.Fatalf("load abis: %v", err)
	}
	if len(abis) != 1 {
		t.Fatalf("expected 1 abi, got %d", len(abis))
	}
	a, ok := abis[filepath.Join(dir, "erc20.json")]
	if !ok {
		t.Fatalf("abi not keyed by path: %v", abis)
	}
	if _, ok := FindEvent(a, "Transfer(address,address,uint256)"); !ok {
		t.Fatalf("lookup by signature failed")
	}
	if _, ok := FindEvent(nil, "Transfer"); ok {
		t.Fatalf("nil abi should not match")
	}
}

func TestLoadABIFileMissing(t *testing.T) {
	if _, err := LoadABIFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
