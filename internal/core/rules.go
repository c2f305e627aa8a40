package core

import (
	"context"
	"fmt"

	"txgraph/pkg/domain"
)

// Rule defines a check executed against the pending changes of a flushing
// session, after before-constraints listeners ran and before anything is
// written.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, s *Session, changes []EntityChange) (domain.Result, error)
}

type ruleFunc struct {
	name string
	fn   func(ctx context.Context, s *Session, changes []EntityChange) (domain.Result, error)
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Evaluate(ctx context.Context, s *Session, changes []EntityChange) (domain.Result, error) {
	return r.fn(ctx, s, changes)
}

// NewRule adapts a function to Rule.
func NewRule(name string, fn func(ctx context.Context, s *Session, changes []EntityChange) (domain.Result, error)) Rule {
	return ruleFunc{name: name, fn: fn}
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// NewDefaultRulesEngine builds a rules engine with the built-in constraint
// checks: association cardinality, required properties, property
// constraints, index fields and incoming links.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	for _, rule := range builtinRules() {
		engine.Register(rule)
	}
	return engine
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	if rule == nil {
		return
	}
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, s *Session, changes []EntityChange) (domain.Result, error) {
	var combined domain.Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, s, changes)
		if err != nil {
			return domain.Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for i := range res.Violations {
			if res.Violations[i].Rule == "" {
				res.Violations[i].Rule = rule.Name()
			}
		}
		combined.Merge(res)
	}
	return combined, nil
}
