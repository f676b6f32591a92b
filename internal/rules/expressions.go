// Package rules recomputes derived tags. The Evaluator listens for tag
// changes and re-evaluates every dependent rule; results pass through the
// Coalescer, which clusters rapid successive evaluations of the same rule
// into a single committed update.
package rules

import (
	"fmt"
	"math"
	"sort"

	"plantmon-server/internal/model"
)

// Operator compares a rule input against a threshold.
type Operator string

const (
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// Valid reports whether the operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

// Comparison is an expression comparing one input tag against a fixed
// threshold, yielding a boolean.
type Comparison struct {
	InputID   int64
	Op        Operator
	Threshold float64
}

// NewComparison validates and builds a comparison expression.
func NewComparison(inputID int64, op Operator, threshold float64) (Comparison, error) {
	if inputID <= 0 {
		return Comparison{}, &model.ConfigurationError{Field: "input", Reason: "must reference a tag"}
	}
	if !op.Valid() {
		return Comparison{}, &model.ConfigurationError{Field: "op", Reason: fmt.Sprintf("unsupported operator %q", op)}
	}
	return Comparison{InputID: inputID, Op: op, Threshold: threshold}, nil
}

// InputTagIDs implements model.Expression.
func (c Comparison) InputTagIDs() []int64 { return []int64{c.InputID} }

// Evaluate implements model.Expression.
func (c Comparison) Evaluate(inputs map[int64]*model.Tag, dataType string) (any, error) {
	value, err := numericInput(inputs, c.InputID)
	if err != nil {
		return nil, err
	}
	var result bool
	switch c.Op {
	case OpGreater:
		result = value > c.Threshold
	case OpGreaterOrEqual:
		result = value >= c.Threshold
	case OpLess:
		result = value < c.Threshold
	case OpLessOrEqual:
		result = value <= c.Threshold
	case OpEqual:
		result = value == c.Threshold
	case OpNotEqual:
		result = value != c.Threshold
	default:
		return nil, model.Evaluationf("unsupported operator %q", c.Op)
	}
	return coerce(result, dataType)
}

// AggregateFn folds several inputs into one number.
type AggregateFn string

const (
	AggregateSum AggregateFn = "SUM"
	AggregateAvg AggregateFn = "AVG"
	AggregateMin AggregateFn = "MIN"
	AggregateMax AggregateFn = "MAX"
)

// Valid reports whether the aggregate function is supported.
func (f AggregateFn) Valid() bool {
	switch f {
	case AggregateSum, AggregateAvg, AggregateMin, AggregateMax:
		return true
	default:
		return false
	}
}

// Aggregate is an expression folding the values of several input tags into a
// single number.
type Aggregate struct {
	Fn     AggregateFn
	Inputs []int64
}

// NewAggregate validates and builds an aggregate expression.
func NewAggregate(fn AggregateFn, inputs []int64) (Aggregate, error) {
	if !fn.Valid() {
		return Aggregate{}, &model.ConfigurationError{Field: "fn", Reason: fmt.Sprintf("unsupported aggregate %q", fn)}
	}
	if len(inputs) == 0 {
		return Aggregate{}, &model.ConfigurationError{Field: "inputs", Reason: "must not be empty"}
	}
	seen := make(map[int64]struct{}, len(inputs))
	ids := make([]int64, 0, len(inputs))
	for _, id := range inputs {
		if id <= 0 {
			return Aggregate{}, &model.ConfigurationError{Field: "inputs", Reason: "must reference tags"}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return Aggregate{Fn: fn, Inputs: ids}, nil
}

// InputTagIDs implements model.Expression.
func (a Aggregate) InputTagIDs() []int64 { return append([]int64(nil), a.Inputs...) }

// Evaluate implements model.Expression.
func (a Aggregate) Evaluate(inputs map[int64]*model.Tag, dataType string) (any, error) {
	if len(a.Inputs) == 0 {
		return nil, model.Evaluationf("aggregate has no inputs")
	}
	var sum, min, max float64
	for i, id := range a.Inputs {
		value, err := numericInput(inputs, id)
		if err != nil {
			return nil, err
		}
		sum += value
		if i == 0 || value < min {
			min = value
		}
		if i == 0 || value > max {
			max = value
		}
	}
	var result float64
	switch a.Fn {
	case AggregateSum:
		result = sum
	case AggregateAvg:
		result = sum / float64(len(a.Inputs))
	case AggregateMin:
		result = min
	case AggregateMax:
		result = max
	default:
		return nil, model.Evaluationf("unsupported aggregate %q", a.Fn)
	}
	return coerce(result, dataType)
}

// numericInput resolves one rule input to a number. An unresolved or invalid
// input aborts the evaluation; the evaluator turns that into an
// UNKNOWN_REASON invalidation on the rule.
func numericInput(inputs map[int64]*model.Tag, id int64) (float64, error) {
	tag, ok := inputs[id]
	if ok && tag == nil {
		ok = false
	}
	if !ok {
		return 0, model.Evaluationf("input tag %d not resolved", id)
	}
	if !tag.Quality.Valid() {
		return 0, model.Evaluationf("input tag %d is invalid (%s)", id, tag.Quality)
	}
	value, ok := model.ToFloat64(tag.Value)
	if !ok {
		return 0, model.Evaluationf("input tag %d value %v (%T) is not numeric", id, tag.Value, tag.Value)
	}
	return value, nil
}

// coerce converts an evaluation result to the rule's declared data type.
// An empty data type keeps the natural result type.
func coerce(value any, dataType string) (any, error) {
	switch dataType {
	case "":
		return value, nil
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		}
	case "float64":
		switch v := value.(type) {
		case float64:
			return v, nil
		case bool:
			if v {
				return 1.0, nil
			}
			return 0.0, nil
		}
	case "int64":
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, model.Evaluationf("result %v is not an integer", v)
			}
			return int64(v), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case "string":
		return fmt.Sprintf("%v", value), nil
	default:
		return nil, model.Evaluationf("unsupported rule data type %q", dataType)
	}
	return nil, model.Evaluationf("cannot represent %T result as %s", value, dataType)
}
