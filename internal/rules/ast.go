// Package rules evaluates tenant-configurable reconciliation rules over a
// typed condition AST. Conditions are combinations of And/Or/Not nodes and
// leaf comparisons addressing context fields by dot path.
package rules

import (
	"errors"
	"fmt"
)

// Op is a comparison operator usable in a Cmp leaf.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLe       Op = "le"
	OpGt       Op = "gt"
	OpGe       Op = "ge"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
)

// Condition is a node of the rule AST. Exactly one of the fields is set.
type Condition struct {
	And []Condition `mapstructure:"and" json:"and,omitempty"`
	Or  []Condition `mapstructure:"or" json:"or,omitempty"`
	Not *Condition  `mapstructure:"not" json:"not,omitempty"`
	Cmp *Cmp        `mapstructure:"cmp" json:"cmp,omitempty"`
}

// Cmp is a leaf comparison: context[Path] Op Value.
type Cmp struct {
	Path  string `mapstructure:"path" json:"path"`
	Op    Op     `mapstructure:"op" json:"op"`
	Value any    `mapstructure:"value" json:"value"`
}

// Action is what a matched rule does to an exception.
type Action struct {
	// SetStatus overrides the exception status (e.g. EXPECTED for known
	// timing differences).
	SetStatus string `mapstructure:"set_status" json:"set_status,omitempty"`
	// SetPriority overrides the derived priority.
	SetPriority string `mapstructure:"set_priority" json:"set_priority,omitempty"`
}

// Rule is one tenant-scoped rule: when the condition holds for an exception
// context, the actions apply. Rules run in ascending priority order.
type Rule struct {
	Name      string    `mapstructure:"name" json:"name"`
	Type      string    `mapstructure:"type" json:"type"`
	Priority  int       `mapstructure:"priority" json:"priority"`
	Enabled   bool      `mapstructure:"enabled" json:"enabled"`
	Condition Condition `mapstructure:"condition" json:"condition"`
	Action    Action    `mapstructure:"action" json:"action"`
}

var errEmptyCondition = errors.New("condition node has no operator")

// Validate checks the AST is well formed: every node has exactly one
// operator, every Cmp has a path and a known op.
func (c *Condition) Validate() error {
	set := 0
	if len(c.And) > 0 {
		set++
	}
	if len(c.Or) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Cmp != nil {
		set++
	}
	if set == 0 {
		return errEmptyCondition
	}
	if set > 1 {
		return errors.New("condition node has multiple operators")
	}
	for i := range c.And {
		if err := c.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.Or {
		if err := c.Or[i].Validate(); err != nil {
			return err
		}
	}
	if c.Not != nil {
		if err := c.Not.Validate(); err != nil {
			return err
		}
	}
	if c.Cmp != nil {
		if c.Cmp.Path == "" {
			return errors.New("cmp condition requires a path")
		}
		switch c.Cmp.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpContains, OpRegex:
		default:
			return fmt.Errorf("unknown comparison operator %q", c.Cmp.Op)
		}
	}
	return nil
}
