package process

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Classifier decides whether a non-zero exit is permanent, using an expression
// over exitCode and stderr, e.g. `exitCode in [2, 126, 127] || stderr contains "usage:"`.
// A nil Classifier treats every exit as transient.
type Classifier struct {
	rule    string
	program *vm.Program
}

// NewClassifier compiles rule. An empty rule returns a nil classifier.
func NewClassifier(rule string) (*Classifier, error) {
	if rule == "" {
		return nil, nil
	}
	program, err := expr.Compile(rule,
		expr.Env(exitEnv(0, "")),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid exit classification rule: %w", err)
	}
	return &Classifier{rule: rule, program: program}, nil
}

// Permanent evaluates the rule. Evaluation errors count as transient.
func (c *Classifier) Permanent(exitCode int, stderr string) bool {
	if c == nil {
		return false
	}
	out, err := expr.Run(c.program, exitEnv(exitCode, stderr))
	if err != nil {
		return false
	}
	permanent, _ := out.(bool)
	return permanent
}

// String returns the rule source.
func (c *Classifier) String() string {
	if c == nil {
		return ""
	}
	return c.rule
}

func exitEnv(exitCode int, stderr string) map[string]any {
	return map[string]any{
		"exitCode": exitCode,
		"stderr":   stderr,
	}
}
