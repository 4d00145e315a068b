package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalCmpOperators(t *testing.T) {
	ctx := Context{
		"exception": map[string]any{
			"type":   "UNMATCHED",
			"amount": int64(500),
		},
		"connection": map[string]any{
			"id":   "stripe_main",
			"tags": []string{"low_volume", "eur"},
		},
	}

	testcases := []struct {
		name     string
		cmp      Cmp
		expected bool
	}{
		{name: "eq string", cmp: Cmp{Path: "exception.type", Op: OpEq, Value: "UNMATCHED"}, expected: true},
		{name: "eq mismatch", cmp: Cmp{Path: "exception.type", Op: OpEq, Value: "DUPLICATE"}, expected: false},
		{name: "ne", cmp: Cmp{Path: "exception.type", Op: OpNe, Value: "DUPLICATE"}, expected: true},
		{name: "lt", cmp: Cmp{Path: "exception.amount", Op: OpLt, Value: 1000}, expected: true},
		{name: "le boundary", cmp: Cmp{Path: "exception.amount", Op: OpLe, Value: 500}, expected: true},
		{name: "gt false", cmp: Cmp{Path: "exception.amount", Op: OpGt, Value: 500}, expected: false},
		{name: "ge boundary", cmp: Cmp{Path: "exception.amount", Op: OpGe, Value: 500}, expected: true},
		{name: "numeric eq across types", cmp: Cmp{Path: "exception.amount", Op: OpEq, Value: 500.0}, expected: true},
		{name: "in list", cmp: Cmp{Path: "connection.id", Op: OpIn, Value: []any{"stripe_main", "adyen_eu"}}, expected: true},
		{name: "in list miss", cmp: Cmp{Path: "connection.id", Op: OpIn, Value: []any{"adyen_eu"}}, expected: false},
		{name: "contains substring", cmp: Cmp{Path: "connection.id", Op: OpContains, Value: "stripe"}, expected: true},
		{name: "contains in string slice", cmp: Cmp{Path: "connection.tags", Op: OpContains, Value: "eur"}, expected: true},
		{name: "regex", cmp: Cmp{Path: "connection.id", Op: OpRegex, Value: "^stripe_"}, expected: true},
		{name: "unknown path is false", cmp: Cmp{Path: "nope.nope", Op: OpEq, Value: 1}, expected: false},
	}

	e := NewEvaluator()
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Eval(&Condition{Cmp: &tc.cmp}, ctx)
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestEvalLogicalNodes(t *testing.T) {
	ctx := Context{"a": int64(1), "b": "x"}
	e := NewEvaluator()

	cond := Condition{And: []Condition{
		{Cmp: &Cmp{Path: "a", Op: OpEq, Value: 1}},
		{Or: []Condition{
			{Cmp: &Cmp{Path: "b", Op: OpEq, Value: "y"}},
			{Not: &Condition{Cmp: &Cmp{Path: "b", Op: OpEq, Value: "z"}}},
		}},
	}}
	require.NoError(t, cond.Validate())

	got, err := e.Eval(&cond, ctx)
	require.NoError(t, err)
	require.True(t, got)
}

func TestConditionValidate(t *testing.T) {
	require.Error(t, (&Condition{}).Validate())
	require.Error(t, (&Condition{Cmp: &Cmp{Op: OpEq}}).Validate())
	require.Error(t, (&Condition{Cmp: &Cmp{Path: "a", Op: "like"}}).Validate())
	require.Error(t, (&Condition{
		Not: &Condition{Cmp: &Cmp{Path: "a", Op: OpEq}},
		Cmp: &Cmp{Path: "a", Op: OpEq},
	}).Validate())
}

func TestMatchingOrdersByPriority(t *testing.T) {
	rules := []Rule{
		{Name: "second", Type: "EXCEPTION", Priority: 20, Enabled: true,
			Condition: Condition{Cmp: &Cmp{Path: "amount", Op: OpLt, Value: 1000}}},
		{Name: "first", Type: "EXCEPTION", Priority: 10, Enabled: true,
			Condition: Condition{Cmp: &Cmp{Path: "amount", Op: OpGe, Value: 0}}},
		{Name: "disabled", Type: "EXCEPTION", Priority: 1, Enabled: false,
			Condition: Condition{Cmp: &Cmp{Path: "amount", Op: OpGe, Value: 0}}},
		{Name: "other type", Type: "ALERT", Priority: 1, Enabled: true,
			Condition: Condition{Cmp: &Cmp{Path: "amount", Op: OpGe, Value: 0}}},
	}

	e := NewEvaluator()
	matched := e.Matching(rules, "EXCEPTION", Context{"amount": int64(500)})
	require.Len(t, matched, 2)
	require.Equal(t, "first", matched[0].Name)
	require.Equal(t, "second", matched[1].Name)
}
