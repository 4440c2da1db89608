// Package condition evaluates condition trees against event data.
package condition

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/payload"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrMalformedNode   = errors.New("malformed condition node")
)

// Input is what an operator sees for one leaf.
type Input struct {
	Field    string
	Actual   any
	Found    bool
	Expected any
	Data     map[string]any
}

// OperatorFunc decides a leaf. A returned error marks the leaf malformed; it
// then evaluates to false.
type OperatorFunc func(in Input) (bool, error)

// Diagnostic describes a leaf or group that could not be evaluated.
type Diagnostic struct {
	Location string
	Field    string
	Operator models.ConditionOperator
	Err      error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s (%s %s): %v", d.Location, d.Field, d.Operator, d.Err)
}

type DiagnosticFunc func(Diagnostic)

type Option func(*Evaluator)

// WithOperator registers or replaces the handler for a leaf operator.
func WithOperator(operator models.ConditionOperator, fn OperatorFunc) Option {
	return func(e *Evaluator) {
		e.operators[operator] = fn
	}
}

// WithDiagnostics receives every malformed-node report.
func WithDiagnostics(fn DiagnosticFunc) Option {
	return func(e *Evaluator) {
		e.diagnostics = fn
	}
}

// Evaluator is safe for concurrent use once constructed.
type Evaluator struct {
	logger      *slog.Logger
	operators   map[models.ConditionOperator]OperatorFunc
	diagnostics DiagnosticFunc
}

func New(logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Evaluator{
		logger:    logger.With("module", "condition"),
		operators: DefaultOperators(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate returns true for a nil tree. It never panics: malformed nodes
// evaluate to false and are reported through diagnostics.
func (e *Evaluator) Evaluate(node *models.ConditionNode, data map[string]any) bool {
	if node == nil {
		return true
	}

	return e.evaluate(node, data, "root")
}

func (e *Evaluator) evaluate(node *models.ConditionNode, data map[string]any, location string) bool {
	if node == nil {
		e.report(Diagnostic{Location: location, Err: fmt.Errorf("%w: nil child", ErrMalformedNode)})

		return false
	}

	if !node.IsGroup() {
		return e.evaluateLeaf(node, data, location)
	}

	if len(node.Conditions) == 0 {
		e.report(Diagnostic{
			Location: location,
			Operator: node.Operator,
			Err:      fmt.Errorf("%w: empty %s group", ErrMalformedNode, node.Operator),
		})

		return false
	}

	switch node.Operator {
	case models.GroupOr:
		for i, child := range node.Conditions {
			if e.evaluate(child, data, childLocation(location, node.Operator, i)) {
				return true
			}
		}

		return false
	case models.GroupNot:
		return !e.all(node, data, location)
	default:
		return e.all(node, data, location)
	}
}

func (e *Evaluator) all(node *models.ConditionNode, data map[string]any, location string) bool {
	for i, child := range node.Conditions {
		if !e.evaluate(child, data, childLocation(location, node.Operator, i)) {
			return false
		}
	}

	return true
}

func (e *Evaluator) evaluateLeaf(node *models.ConditionNode, data map[string]any, location string) (result bool) {
	diagnostic := Diagnostic{Location: location, Field: node.Field, Operator: node.Operator}

	if node.Field == "" {
		diagnostic.Err = fmt.Errorf("%w: leaf without field", ErrMalformedNode)
		e.report(diagnostic)

		return false
	}

	operator, ok := e.operators[node.Operator]
	if !ok {
		diagnostic.Err = fmt.Errorf("%w: %q", ErrUnknownOperator, node.Operator)
		e.report(diagnostic)

		return false
	}

	defer func() {
		if r := recover(); r != nil {
			diagnostic.Err = fmt.Errorf("%w: operator panicked: %v", ErrMalformedNode, r)
			e.report(diagnostic)

			result = false
		}
	}()

	actual, found := payload.Lookup(data, node.Field)

	matched, err := operator(Input{
		Field:    node.Field,
		Actual:   actual,
		Found:    found,
		Expected: node.Value,
		Data:     data,
	})
	if err != nil {
		diagnostic.Err = err
		e.report(diagnostic)

		return false
	}

	return matched
}

func (e *Evaluator) report(d Diagnostic) {
	e.logger.Warn("condition could not be evaluated",
		"location", d.Location,
		"field", d.Field,
		"operator", string(d.Operator),
		"error", d.Err,
	)

	if e.diagnostics != nil {
		e.diagnostics(d)
	}
}

func childLocation(parent string, operator models.ConditionOperator, index int) string {
	return parent + "." + string(operator) + "[" + strconv.Itoa(index) + "]"
}
