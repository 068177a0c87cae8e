// Package compliance evaluates host-supplied rule sets against JSON
// documents, backing the boundary's compliance-verification hook. Rules
// address document fields with JSONPath.
package compliance

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/types"
)

// Op is a rule comparison operator.
type Op string

const (
	OpEquals    Op = "eq"
	OpNotEquals Op = "ne"
	OpGreater   Op = "gt"
	OpLess      Op = "lt"
	OpExists    Op = "exists"
)

// Rule is one check against a document field.
type Rule struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// RuleResult is the outcome of one rule.
type RuleResult struct {
	Path   string `json:"path"`
	Passed bool   `json:"passed"`
}

// Result is the outcome of a full rule-set evaluation.
type Result struct {
	Compliant bool         `json:"compliant"`
	Rules     []RuleResult `json:"rules"`
}

// Checker evaluates rule sets.
type Checker struct {
	log *logger.Logger
}

// New creates a compliance checker.
func New(log *logger.Logger) *Checker {
	if log == nil {
		log = logger.NewDefault("compliance")
	}
	return &Checker{log: log}
}

// Check evaluates rules against the JSON document. A malformed document or
// empty rule set is an argument error; an unmatched path simply fails the
// rule.
func (c *Checker) Check(document []byte, rules []Rule) (*Result, error) {
	if len(rules) == 0 {
		return nil, types.ErrInvalidArgument
	}

	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("%w: document is not valid JSON", types.ErrInvalidArgument)
	}

	result := &Result{Compliant: true, Rules: make([]RuleResult, 0, len(rules))}
	for _, rule := range rules {
		passed := c.evaluate(doc, rule)
		if !passed {
			result.Compliant = false
		}
		result.Rules = append(result.Rules, RuleResult{Path: rule.Path, Passed: passed})
	}
	return result, nil
}

func (c *Checker) evaluate(doc any, rule Rule) bool {
	value, err := jsonpath.Get(rule.Path, doc)
	if err != nil {
		// Path not present in the document.
		return rule.Op == OpNotEquals
	}

	switch rule.Op {
	case OpExists:
		return true
	case OpEquals:
		return looseEqual(value, rule.Value)
	case OpNotEquals:
		return !looseEqual(value, rule.Value)
	case OpGreater:
		a, aok := toFloat(value)
		b, bok := toFloat(rule.Value)
		return aok && bok && a > b
	case OpLess:
		a, aok := toFloat(value)
		b, bok := toFloat(rule.Value)
		return aok && bok && a < b
	default:
		c.log.WithField("op", string(rule.Op)).Warn("unknown compliance operator")
		return false
	}
}

// looseEqual compares values after JSON normalization, so 2 and 2.0 match.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
