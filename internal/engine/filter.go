package engine

import (
	"fmt"
	"math/big"
	"strings"
)

// Filter decides whether a decoded record is relayed to the webhook.
type Filter func(fields map[string]any) bool

// CompileFilters parses simple expressions into executable filters.
// Supported operators: ==, !=, >, >=, <, <=, in, contains.
// Examples:
//
//	"price >= 1e18"
//	"seller in 0xabc...,0xdef..."
//	"uri contains ipfs"
func CompileFilters(exprs []string) ([]Filter, error) {
	var filters []Filter
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		f, err := compile(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func matchAll(filters []Filter, fields map[string]any) bool {
	for _, f := range filters {
		if !f(fields) {
			return false
		}
	}
	return true
}

func compile(expr string) (Filter, error) {
	if field, list, ok := strings.Cut(expr, " in "); ok {
		field = strings.TrimSpace(field)
		values := map[string]struct{}{}
		for _, v := range strings.Split(list, ",") {
			v = strings.ToLower(strings.TrimSpace(v))
			if v != "" {
				values[v] = struct{}{}
			}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(fields map[string]any) bool {
			v, ok := lookup(fields, field)
			if !ok {
				return false
			}
			_, hit := values[strings.ToLower(v)]
			return hit
		}, nil
	}

	if field, needle, ok := strings.Cut(expr, " contains "); ok {
		field = strings.TrimSpace(field)
		needle = strings.TrimSpace(needle)
		return func(fields map[string]any) bool {
			v, ok := lookup(fields, field)
			return ok && strings.Contains(v, needle)
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	field, rhs, _ := strings.Cut(expr, op)
	field = strings.TrimSpace(field)
	rhs = strings.TrimSpace(rhs)
	if field == "" || rhs == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	num, isNum := evaluateNumber(rhs)
	if !isNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a numeric operand: %s", op, expr)
	}

	return func(fields map[string]any) bool {
		v, ok := lookup(fields, field)
		if !ok {
			return false
		}
		if isNum {
			lhs, ok := parseNumber(v)
			if !ok {
				return false
			}
			c := lhs.Cmp(num)
			switch op {
			case "==":
				return c == 0
			case "!=":
				return c != 0
			case ">":
				return c > 0
			case "<":
				return c < 0
			case ">=":
				return c >= 0
			case "<=":
				return c <= 0
			}
			return false
		}
		eq := strings.EqualFold(v, rhs)
		if op == "==" {
			return eq
		}
		return !eq
	}, nil
}

func lookup(fields map[string]any, field string) (string, bool) {
	v, ok := fields[field]
	if !ok {
		return "", false
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), true
	}
	return fmt.Sprint(v), true
}

// evaluateNumber evaluates a numeric operand, supporting:
// - plain numbers: "100", "1e18", "1_000_000"
// - wei(value), which is already the base unit
// - one multiplication: "1_000 * 1e18"
func evaluateNumber(s string) (*big.Float, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")

	if a, b, ok := strings.Cut(s, "*"); ok {
		x, ok1 := evaluateNumber(a)
		y, ok2 := evaluateNumber(b)
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Float).SetPrec(256).Mul(x, y), true
	}
	if strings.HasPrefix(s, "wei(") && strings.HasSuffix(s, ")") {
		return evaluateNumber(s[4 : len(s)-1])
	}
	return parseNumber(s)
}

func parseNumber(s string) (*big.Float, bool) {
	f, _, err := big.ParseFloat(strings.TrimSpace(s), 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, false
	}
	return f, true
}
