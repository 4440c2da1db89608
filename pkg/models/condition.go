package models

import "fmt"

// ConditionOperator is either a leaf comparison or a group combinator.
type ConditionOperator string

const (
	OperatorEquals             ConditionOperator = "EQUALS"
	OperatorNotEquals          ConditionOperator = "NOT_EQUALS"
	OperatorGreaterThan        ConditionOperator = "GREATER_THAN"
	OperatorGreaterThanOrEqual ConditionOperator = "GREATER_THAN_OR_EQUAL"
	OperatorLessThan           ConditionOperator = "LESS_THAN"
	OperatorLessThanOrEqual    ConditionOperator = "LESS_THAN_OR_EQUAL"
	OperatorContains           ConditionOperator = "CONTAINS"
	OperatorNotContains        ConditionOperator = "NOT_CONTAINS"
	OperatorStartsWith         ConditionOperator = "STARTS_WITH"
	OperatorEndsWith           ConditionOperator = "ENDS_WITH"
	OperatorIn                 ConditionOperator = "IN"
	OperatorNotIn              ConditionOperator = "NOT_IN"
	OperatorExists             ConditionOperator = "EXISTS"
	OperatorNotExists          ConditionOperator = "NOT_EXISTS"
	OperatorIsEmpty            ConditionOperator = "IS_EMPTY"
	OperatorIsNotEmpty         ConditionOperator = "IS_NOT_EMPTY"
	OperatorChanged            ConditionOperator = "CHANGED"

	GroupAnd ConditionOperator = "AND"
	GroupOr  ConditionOperator = "OR"
	GroupNot ConditionOperator = "NOT"
)

// ConditionNode is a leaf comparison {Field, Operator, Value} or a group
// {Operator: AND|OR|NOT, Conditions}. NOT negates the conjunction of its children.
type ConditionNode struct {
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator"`
	Value      any               `json:"value,omitempty"`
	Conditions []*ConditionNode  `json:"conditions,omitempty"`
}

// IsGroup reports whether the node combines child conditions.
func (n *ConditionNode) IsGroup() bool {
	return n.Operator == GroupAnd || n.Operator == GroupOr || n.Operator == GroupNot
}

func Leaf(field string, operator ConditionOperator, value any) *ConditionNode {
	return &ConditionNode{Field: field, Operator: operator, Value: value}
}

func And(conditions ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Operator: GroupAnd, Conditions: conditions}
}

func Or(conditions ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Operator: GroupOr, Conditions: conditions}
}

func Not(conditions ...*ConditionNode) *ConditionNode {
	return &ConditionNode{Operator: GroupNot, Conditions: conditions}
}

// Validate checks the whole tree: groups need children, leaves need a field and known operator.
func (n *ConditionNode) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidCondition)
	}

	if n.IsGroup() {
		if len(n.Conditions) == 0 {
			return fmt.Errorf("%w: %s group without conditions", ErrInvalidCondition, n.Operator)
		}

		for i, child := range n.Conditions {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", n.Operator, i, err)
			}
		}

		return nil
	}

	if n.Field == "" {
		return fmt.Errorf("%w: leaf without field", ErrInvalidCondition)
	}

	if !n.Operator.IsLeaf() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, n.Operator)
	}

	return nil
}

// IsLeaf reports whether the operator is a known leaf comparison.
func (o ConditionOperator) IsLeaf() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals,
		OperatorGreaterThan, OperatorGreaterThanOrEqual,
		OperatorLessThan, OperatorLessThanOrEqual,
		OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith,
		OperatorIn, OperatorNotIn,
		OperatorExists, OperatorNotExists,
		OperatorIsEmpty, OperatorIsNotEmpty,
		OperatorChanged:
		return true
	default:
		return false
	}
}
