package dispatch

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Predicate evaluates whether a notification's args satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// Operators in match order; two-character comparisons must precede their
// one-character prefixes.
var operators = []string{" in ", " contains ", "==", "!=", ">=", "<=", ">", "<"}

// CompilePredicates parses "field op operand" expressions, e.g.
//
//	"value > 10"
//	"value >= 1_000_000"
//	"sender in 0xabc...,0xdef..."
//	"kind == event"
//	"error contains timeout"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := parseCondition(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, c.eval)
	}
	return preds, nil
}

type condition struct {
	field   string
	op      string
	operand string
	number  *big.Float
	set     map[string]struct{}
}

func parseCondition(expr string) (*condition, error) {
	for _, op := range operators {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		c := &condition{
			field:   strings.TrimSpace(expr[:i]),
			op:      strings.TrimSpace(op),
			operand: strings.TrimSpace(expr[i+len(op):]),
		}
		if c.field == "" || c.operand == "" {
			return nil, fmt.Errorf("invalid expression: %s", expr)
		}
		switch c.op {
		case "in":
			c.set = map[string]struct{}{}
			for _, v := range strings.Split(c.operand, ",") {
				if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
					c.set[v] = struct{}{}
				}
			}
		case "contains":
		default:
			c.number, _ = parseNumber(c.operand)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported expression: %s", expr)
}

func (c *condition) eval(args map[string]any) (bool, error) {
	val, ok := args[c.field]
	if !ok {
		return false, nil
	}
	switch c.op {
	case "in":
		_, hit := c.set[strings.ToLower(fmt.Sprint(val))]
		return hit, nil
	case "contains":
		return strings.Contains(fmt.Sprint(val), c.operand), nil
	}

	if c.number != nil {
		lhs, ok := toNumber(val)
		if !ok {
			return false, nil
		}
		cmp := lhs.Cmp(c.number)
		switch c.op {
		case "==":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		case ">":
			return cmp > 0, nil
		case "<":
			return cmp < 0, nil
		case ">=":
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	}

	// Addresses and hashes compare case-insensitively.
	switch c.op {
	case "==":
		return strings.EqualFold(fmt.Sprint(val), c.operand), nil
	case "!=":
		return !strings.EqualFold(fmt.Sprint(val), c.operand), nil
	default:
		return false, nil
	}
}

// parseNumber accepts decimal and scientific notation with "_" separators.
// Hex strings are not numbers here: they are addresses or hashes.
func parseNumber(s string) (*big.Float, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if strings.HasPrefix(s, "0x") {
		return nil, false
	}
	f, ok := new(big.Float).SetPrec(256).SetString(s)
	return f, ok
}

func toNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Float).SetPrec(256).SetInt(n), true
	case uint64:
		return new(big.Float).SetPrec(256).SetUint64(n), true
	case uint:
		return new(big.Float).SetPrec(256).SetUint64(uint64(n)), true
	case int:
		return new(big.Float).SetPrec(256).SetInt64(int64(n)), true
	case string:
		return parseNumber(n)
	default:
		return nil, false
	}
}

// TokenBucket is a simple per-route rate limiter.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a token bucket with capacity and refill rate.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow consumes one token if available, refilling based on elapsed time.
func (b *TokenBucket) Allow(now time.Time) bool {
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
