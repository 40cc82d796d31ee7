package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCompilePredicates_NumericComparisons(t *testing.T) {
	preds, err := CompilePredicates([]string{"value > 10", "value < 20", "value >= 15", "value <= 0xF"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"value": 15}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("expected predicate to pass")
		}
	}
}

func TestCompilePredicates_BigIntUnits(t *testing.T) {
	preds, err := CompilePredicates([]string{"amount >= ether(1)", "amount < 2 * 1e18"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	oneAndHalf, _ := new(big.Int).SetString("1500000000000000000", 10)
	half, _ := new(big.Int).SetString("500000000000000000", 10)

	for _, p := range preds {
		if ok, _ := p(map[string]any{"amount": oneAndHalf}); !ok {
			t.Fatalf("expected 1.5 ether to pass")
		}
	}
	if ok, _ := preds[0](map[string]any{"amount": half}); ok {
		t.Fatalf("expected 0.5 ether to fail")
	}
}

func TestCompilePredicates_InAndContains(t *testing.T) {
	preds, err := CompilePredicates([]string{"sender in a,b,c", "memo contains alert"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"sender": "b", "memo": "critical alert raised"}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if !ok {
			t.Fatalf("expected predicate to pass")
		}
	}
}

func TestCompilePredicates_AddressesIgnoreCase(t *testing.T) {
	operator := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	preds, err := CompilePredicates([]string{
		"operator == 0xabcdef0000000000000000000000000000000001",
		"operator in 0x01,0xABCDEF0000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i, p := range preds {
		if ok, _ := p(map[string]any{"operator": operator}); !ok {
			t.Fatalf("predicate %d should match address", i)
		}
	}
}

func TestCompilePredicates_StringEquality(t *testing.T) {
	preds, err := CompilePredicates([]string{"status == ok", "status != failed"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	args := map[string]any{"status": "ok"}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil || !ok {
			t.Fatalf("expected true, got %v err=%v", ok, err)
		}
	}
	if ok, _ := preds[0](map[string]any{}); ok {
		t.Fatalf("missing field must not match")
	}
}

func TestCompilePredicates_Invalid(t *testing.T) {
	for _, expr := range []string{"value ~ 3", "> 3", "value > abc", "in a,b", "x in ,"} {
		if _, err := CompilePredicates([]string{expr}); err == nil {
			t.Fatalf("expected %q to fail", expr)
		}
	}
}
