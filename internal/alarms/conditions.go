// Package alarms re-evaluates the fault states attached to a tag whenever
// that tag changes. The Aggregator listens for tag updates, drives the
// per-alarm Evaluator under each alarm's write lock and notifies its
// listeners once per tag change with a consistent (tag, alarms) pair.
package alarms

import (
	"fmt"

	"plantmon-server/internal/model"
)

// Operator compares a tag value against an alarm threshold.
type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
)

// Valid reports whether the operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual:
		return true
	default:
		return false
	}
}

// ThresholdCondition activates when the tag value passes a level.
type ThresholdCondition struct {
	Op    Operator
	Level float64
}

// NewThresholdCondition validates and builds a threshold condition.
func NewThresholdCondition(op Operator, level float64) (ThresholdCondition, error) {
	if !op.Valid() {
		return ThresholdCondition{}, &model.ConfigurationError{Field: "op", Reason: fmt.Sprintf("unsupported operator %q", op)}
	}
	return ThresholdCondition{Op: op, Level: level}, nil
}

// Evaluate implements model.Condition. An invalid tag deactivates the alarm
// (fail-safe) with an explanatory info string.
func (c ThresholdCondition) Evaluate(tag *model.Tag) (bool, string, error) {
	value, info, ok, err := numericValue(tag)
	if !ok {
		return false, info, err
	}
	var active bool
	switch c.Op {
	case OperatorGreater:
		active = value > c.Level
	case OperatorGreaterOrEqual:
		active = value >= c.Level
	case OperatorLess:
		active = value < c.Level
	case OperatorLessOrEqual:
		active = value <= c.Level
	default:
		return false, "", model.Evaluationf("unsupported operator %q", c.Op)
	}
	return active, fmt.Sprintf("value %v %s %v", value, c.Op, c.Level), nil
}

// RangeCondition activates inside or outside [Min, Max], depending on
// ActiveInRange.
type RangeCondition struct {
	Min, Max      float64
	ActiveInRange bool
}

// NewRangeCondition validates and builds a range condition.
func NewRangeCondition(min, max float64, activeInRange bool) (RangeCondition, error) {
	if min > max {
		return RangeCondition{}, &model.ConfigurationError{Field: "range", Reason: fmt.Sprintf("min %v exceeds max %v", min, max)}
	}
	return RangeCondition{Min: min, Max: max, ActiveInRange: activeInRange}, nil
}

// Evaluate implements model.Condition.
func (c RangeCondition) Evaluate(tag *model.Tag) (bool, string, error) {
	value, info, ok, err := numericValue(tag)
	if !ok {
		return false, info, err
	}
	inRange := value >= c.Min && value <= c.Max
	active := inRange == c.ActiveInRange
	if inRange {
		return active, fmt.Sprintf("value %v in range [%v, %v]", value, c.Min, c.Max), nil
	}
	return active, fmt.Sprintf("value %v outside range [%v, %v]", value, c.Min, c.Max), nil
}

// ValueCondition activates when the tag value equals a configured match.
type ValueCondition struct {
	Match any
}

// NewValueCondition validates and builds an exact-match condition.
func NewValueCondition(match any) (ValueCondition, error) {
	if match == nil {
		return ValueCondition{}, &model.ConfigurationError{Field: "match", Reason: "must be set"}
	}
	return ValueCondition{Match: match}, nil
}

// Evaluate implements model.Condition.
func (c ValueCondition) Evaluate(tag *model.Tag) (bool, string, error) {
	if !tag.Quality.Valid() {
		return false, invalidTagInfo(tag), nil
	}
	if model.ValuesEqual(tag.Value, c.Match) {
		return true, fmt.Sprintf("value matches %v", c.Match), nil
	}
	return false, fmt.Sprintf("value %v does not match %v", tag.Value, c.Match), nil
}

// numericValue extracts a numeric tag value for the threshold and range
// conditions. Invalid tags and non-numeric values report ok=false; only the
// latter is an error.
func numericValue(tag *model.Tag) (value float64, info string, ok bool, err error) {
	if !tag.Quality.Valid() {
		return 0, invalidTagInfo(tag), false, nil
	}
	value, numeric := model.ToFloat64(tag.Value)
	if !numeric {
		return 0, "", false, model.Evaluationf("tag %d value %v (%T) is not numeric", tag.ID, tag.Value, tag.Value)
	}
	return value, "", true, nil
}

func invalidTagInfo(tag *model.Tag) string {
	return fmt.Sprintf("tag invalid (%s), alarm deactivated", tag.Quality)
}
