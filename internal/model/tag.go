package model

import (
	"fmt"
	"time"
)

// Expression computes a rule tag's value from snapshots of its input tags.
// Implementations must be immutable; they are shared across tag copies.
type Expression interface {
	// InputTagIDs is the dependency set of the rule.
	InputTagIDs() []int64
	// Evaluate derives the rule value from the given input snapshots. The
	// map holds one entry per input tag id.
	Evaluate(inputs map[int64]*Tag, dataType string) (any, error)
}

// Tag is a monitored value: acquired (DATA), derived (RULE) or mirroring
// supervision liveness (CONTROL).
type Tag struct {
	ID          int64
	Name        string
	Description string
	DataType    string
	Kind        Kind
	Mode        Mode
	// Logged marks the tag for history persistence.
	Logged bool

	Value            any
	ValueDescription string
	Quality          Quality

	// SourceTimestamp is set by the field device, DAQTimestamp by the
	// acquisition layer, ServerTimestamp by the server on arrival. Zero
	// means absent. CacheTimestamp is refreshed on every accepted mutation.
	SourceTimestamp time.Time
	DAQTimestamp    time.Time
	ServerTimestamp time.Time
	CacheTimestamp  time.Time

	// RuleIDs lists the rules depending on this tag, AlarmIDs the alarms
	// attached to it. Both are maintained by the configuration surface.
	RuleIDs  []int64
	AlarmIDs []int64

	// Supervision ancestry: the processes and (sub)equipments whose
	// lifecycle affects this tag's quality. For rules this is derived from
	// the input tags at startup.
	ProcessIDs      []int64
	EquipmentIDs    []int64
	SubEquipmentIDs []int64

	// Expression is set only for KindRule.
	Expression Expression
}

// NewUnconfiguredTag builds the placeholder created when an update or a rule
// references an id the server does not know yet.
func NewUnconfiguredTag(id int64) *Tag {
	t := &Tag{
		ID:   id,
		Name: fmt.Sprintf("unconfigured-%d", id),
		Kind: KindData,
		Mode: ModeUnconfigured,
	}
	t.Quality.Set(StatusUninitialised, "tag created on first reference, no value received yet")
	return t
}

// Key implements Entity.
func (t *Tag) Key() int64 { return t.ID }

// IsRule reports whether the tag carries an expression to evaluate.
func (t *Tag) IsRule() bool { return t.Kind == KindRule }

// InputTagIDs returns the rule dependency set, nil for non-rule tags.
func (t *Tag) InputTagIDs() []int64 {
	if t.Expression == nil {
		return nil
	}
	return t.Expression.InputTagIDs()
}

// Timestamps groups the three arbitration timestamps. Zero means absent.
func (t *Tag) Timestamps() Timestamps {
	return Timestamps{Source: t.SourceTimestamp, DAQ: t.DAQTimestamp, Server: t.ServerTimestamp}
}

// Clone returns a deep copy. The value itself is treated as an immutable
// scalar and shared; slices and the quality set are copied.
func (t *Tag) Clone() *Tag {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Quality = t.Quality.Clone()
	cp.RuleIDs = append([]int64(nil), t.RuleIDs...)
	cp.AlarmIDs = append([]int64(nil), t.AlarmIDs...)
	cp.ProcessIDs = append([]int64(nil), t.ProcessIDs...)
	cp.EquipmentIDs = append([]int64(nil), t.EquipmentIDs...)
	cp.SubEquipmentIDs = append([]int64(nil), t.SubEquipmentIDs...)
	return &cp
}

// CloneEntity implements Entity.
func (t *Tag) CloneEntity() Entity { return t.Clone() }

// ApplyUpdate overwrites the value state from an accepted update. Statuses
// owned by the supervision overlay survive; source-reported flags replace
// everything else, so an update without flags revalidates the tag.
func (t *Tag) ApplyUpdate(u TagUpdate, now time.Time) {
	t.Value = u.Value
	t.ValueDescription = u.ValueDescription
	t.SourceTimestamp = u.SourceTimestamp
	t.DAQTimestamp = u.DAQTimestamp
	t.ServerTimestamp = u.ServerTimestamp
	t.CacheTimestamp = now

	next := t.Quality.SupervisionOnly()
	for _, f := range u.QualityFlags {
		next.Set(f.Status, f.Description)
	}
	t.Quality = next
}

// ApplyRuleResult overwrites the derived value state from a committed rule
// evaluation. A successful evaluation revalidates the rule; only
// supervision-owned statuses survive. Rule tags carry no source or DAQ
// timestamps, the evaluation time becomes the server timestamp.
func (t *Tag) ApplyRuleResult(value any, at, now time.Time) {
	t.Value = value
	t.ValueDescription = "rule result"
	t.SourceTimestamp = time.Time{}
	t.DAQTimestamp = time.Time{}
	t.ServerTimestamp = at
	t.CacheTimestamp = now
	t.Quality = t.Quality.SupervisionOnly()
}

// InvalidateRuleResult marks a failed rule evaluation. The previous value is
// kept; the rule carries UNKNOWN_REASON until an evaluation succeeds again.
func (t *Tag) InvalidateRuleResult(message string, at, now time.Time) {
	t.ServerTimestamp = at
	t.CacheTimestamp = now
	t.Quality.Set(StatusUnknownReason, message)
}
