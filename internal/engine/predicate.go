package engine

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Predicate evaluates whether decoded event args satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"value > 10"
//	"value >= ether(1)"
//	"operator in 0xabc...,0xdef..."
//	"memo contains alert"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[normalizeLiteral(v)] = struct{}{}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			_, hit := values[stringify(arg)]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		if field == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(fmt.Sprint(val), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a numeric operand: %s", op, expr)
	}
	strRHS := normalizeLiteral(rhsRaw)

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			if lhs, ok := toNumber(val); ok {
				c := lhs.Cmp(numRHS)
				switch op {
				case "==":
					return c == 0, nil
				case "!=":
					return c != 0, nil
				case ">":
					return c > 0, nil
				case "<":
					return c < 0, nil
				case ">=":
					return c >= 0, nil
				case "<=":
					return c <= 0, nil
				}
			}
			if op != "==" && op != "!=" {
				return false, nil
			}
		}

		lhs := stringify(val)
		if op == "==" {
			return lhs == strRHS, nil
		}
		return lhs != strRHS, nil
	}, nil
}

// evaluateNumber evaluates a numeric literal, supporting:
// - Simple numbers: "100", "1e6", "1_000_000", "0x10"
// - Unit helpers: "wei(5)", "gwei(1.5)", "ether(1)"
// - Multiplication: "1_000_000 * 1e6"
func evaluateNumber(s string) (*big.Float, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return nil, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Float).Mul(a, b), true
	}

	for _, unit := range []struct {
		name string
		exp  int64
	}{{"wei", 0}, {"gwei", 9}, {"ether", 18}} {
		prefix := unit.name + "("
		if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, ")") {
			v, ok := evaluateNumber(s[len(prefix) : len(s)-1])
			if !ok {
				return nil, false
			}
			scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(unit.exp), nil))
			return new(big.Float).Mul(v, scale), true
		}
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		// Addresses and hashes compare as strings.
		if len(s) > 2+16 {
			return nil, false
		}
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, false
		}
		return new(big.Float).SetInt(n), true
	}

	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, false
	}
	return f, true
}

func toNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Float).SetInt(n), true
	case int:
		return new(big.Float).SetInt64(int64(n)), true
	case int8:
		return new(big.Float).SetInt64(int64(n)), true
	case int16:
		return new(big.Float).SetInt64(int64(n)), true
	case int32:
		return new(big.Float).SetInt64(int64(n)), true
	case int64:
		return new(big.Float).SetInt64(n), true
	case uint8:
		return new(big.Float).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Float).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Float).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Float).SetUint64(n), true
	case float64:
		return big.NewFloat(n), true
	case string:
		return evaluateNumber(n)
	default:
		return nil, false
	}
}

// stringify renders a decoded value for string comparison. Addresses and hashes are compared
// case-insensitively.
func stringify(v any) string {
	switch x := v.(type) {
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return strings.ToLower(x.Hex())
	case [32]byte:
		return strings.ToLower(common.Hash(x).Hex())
	case string:
		return normalizeLiteral(x)
	default:
		return fmt.Sprint(v)
	}
}

func normalizeLiteral(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strings.ToLower(s)
	}
	return s
}
