package domain

// ConditionOp names a leaf predicate or a combinator of a condition tree.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not-equals"
	OpGreaterThan ConditionOp = "greater-than"
	OpLessThan    ConditionOp = "less-than"
	OpContains    ConditionOp = "contains"
	OpIsEmpty     ConditionOp = "is-empty"
	OpAnd         ConditionOp = "and"
	OpOr          ConditionOp = "or"
	OpNot         ConditionOp = "not"
)

// Condition is a node of a condition tree. Leaves compare Field (a dotted
// path into the evaluation context) with Value; and/or/not combine
// Conditions. For is-empty, Value optionally holds the expected boolean
// outcome so "entreprise is-empty == false" is expressible as a leaf.
type Condition struct {
	Op         ConditionOp `json:"op" yaml:"op"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any         `json:"value" yaml:"value"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}
