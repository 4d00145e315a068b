package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Context is the flat-or-nested field bag a rule evaluates against. Values
// reachable by dot path may be strings, numbers, bools, nested maps or
// string slices.
type Context map[string]any

// Evaluator evaluates rule sets. Compiled regexes are cached per pattern.
type Evaluator struct {
	regexCache map[string]*regexp.Regexp
}

// NewEvaluator returns a ready evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{regexCache: make(map[string]*regexp.Regexp)}
}

// Matching returns the enabled rules of the given type whose conditions
// hold for ctx, ordered by ascending priority.
func (e *Evaluator) Matching(rules []Rule, ruleType string, ctx Context) []Rule {
	var matched []Rule
	for _, r := range rules {
		if !r.Enabled || r.Type != ruleType {
			continue
		}
		ok, err := e.Eval(&r.Condition, ctx)
		if err != nil || !ok {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// Eval evaluates a condition node against the context.
func (e *Evaluator) Eval(c *Condition, ctx Context) (bool, error) {
	switch {
	case len(c.And) > 0:
		for i := range c.And {
			ok, err := e.Eval(&c.And[i], ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Or) > 0:
		for i := range c.Or {
			ok, err := e.Eval(&c.Or[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := e.Eval(c.Not, ctx)
		return !ok, err
	case c.Cmp != nil:
		return e.evalCmp(c.Cmp, ctx)
	default:
		return false, errEmptyCondition
	}
}

func (e *Evaluator) evalCmp(cmp *Cmp, ctx Context) (bool, error) {
	actual, found := lookup(ctx, cmp.Path)
	if !found {
		return false, nil
	}

	switch cmp.Op {
	case OpEq:
		return equal(actual, cmp.Value), nil
	case OpNe:
		return !equal(actual, cmp.Value), nil
	case OpLt, OpLe, OpGt, OpGe:
		a, aok := toFloat(actual)
		b, bok := toFloat(cmp.Value)
		if !aok || !bok {
			return false, fmt.Errorf("operator %s requires numeric operands", cmp.Op)
		}
		switch cmp.Op {
		case OpLt:
			return a < b, nil
		case OpLe:
			return a <= b, nil
		case OpGt:
			return a > b, nil
		default:
			return a >= b, nil
		}
	case OpIn:
		list, ok := toSlice(cmp.Value)
		if !ok {
			return false, fmt.Errorf("operator in requires a list value")
		}
		for _, item := range list {
			if equal(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		switch v := actual.(type) {
		case string:
			return strings.Contains(v, fmt.Sprint(cmp.Value)), nil
		case []string:
			for _, item := range v {
				if item == fmt.Sprint(cmp.Value) {
					return true, nil
				}
			}
			return false, nil
		case []any:
			for _, item := range v {
				if equal(item, cmp.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("operator contains requires a string or list field")
		}
	case OpRegex:
		pattern := fmt.Sprint(cmp.Value)
		re, err := e.compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", cmp.Op)
	}
}

func (e *Evaluator) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	e.regexCache[pattern] = re
	return re, nil
}

// lookup resolves a dot path ("transaction.amount") through nested maps.
func lookup(ctx Context, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(ctx)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equal compares two values, treating any numeric pair numerically so that
// int64(5) equals float64(5) from decoded config.
func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}
