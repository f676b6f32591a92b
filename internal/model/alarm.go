package model

import (
	"fmt"
	"time"
)

// maxFaultFieldLen bounds fault family and member identifiers.
const maxFaultFieldLen = 64

// Condition decides an alarm's state from the owning tag's value and
// quality. Implementations must be pure.
type Condition interface {
	Evaluate(tag *Tag) (active bool, info string, err error)
}

// Alarm is a boolean fault state attached to a tag, identified towards
// operators by the (faultFamily, faultMember, faultCode) triple.
type Alarm struct {
	ID          int64
	TagID       int64
	FaultFamily string
	FaultMember string
	FaultCode   int

	Active bool
	Info   string
	// Timestamp is the time of the last state change, SourceTimestamp the
	// source time of the tag value that drove it.
	Timestamp       time.Time
	SourceTimestamp time.Time

	Condition Condition

	// LastPublication and Published track what was pushed downstream, so an
	// unchanged state is never re-published.
	LastPublication *Publication
	Published       bool
}

// Publication records the last externally published alarm state.
type Publication struct {
	Active bool
	Info   string
	Time   time.Time
}

// Key implements Entity.
func (a *Alarm) Key() int64 { return a.ID }

// FaultID renders the operator-facing alarm identity.
func (a *Alarm) FaultID() string {
	return fmt.Sprintf("%s:%s:%d", a.FaultFamily, a.FaultMember, a.FaultCode)
}

// Clone returns a deep copy of the alarm.
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LastPublication != nil {
		pub := *a.LastPublication
		cp.LastPublication = &pub
	}
	return &cp
}

// CloneEntity implements Entity.
func (a *Alarm) CloneEntity() Entity { return a.Clone() }

// NeedsPublication reports whether the current state still has to be pushed
// downstream.
func (a *Alarm) NeedsPublication() bool {
	if a.Published {
		return false
	}
	if a.LastPublication == nil {
		return true
	}
	return a.LastPublication.Active != a.Active || a.LastPublication.Info != a.Info
}

// MarkPublished records the state that was pushed downstream.
func (a *Alarm) MarkPublished(at time.Time) {
	a.LastPublication = &Publication{Active: a.Active, Info: a.Info, Time: at}
	a.Published = true
}

// RecordPublication notes a fault state that reached the broker. Published
// only turns true when that state still matches the current one, so a
// transition racing the publish is pushed again.
func (a *Alarm) RecordPublication(active bool, info string, at time.Time) {
	a.LastPublication = &Publication{Active: active, Info: info, Time: at}
	a.Published = a.Active == active && a.Info == info
}

// Validate checks the configuration-controlled fields.
func (a *Alarm) Validate() error {
	if a.TagID <= 0 {
		return &ConfigurationError{Field: "tagId", Reason: "must reference a tag"}
	}
	if a.FaultFamily == "" {
		return &ConfigurationError{Field: "faultFamily", Reason: "must not be empty"}
	}
	if len(a.FaultFamily) > maxFaultFieldLen {
		return &ConfigurationError{Field: "faultFamily", Reason: fmt.Sprintf("exceeds %d characters", maxFaultFieldLen)}
	}
	if a.FaultMember == "" {
		return &ConfigurationError{Field: "faultMember", Reason: "must not be empty"}
	}
	if len(a.FaultMember) > maxFaultFieldLen {
		return &ConfigurationError{Field: "faultMember", Reason: fmt.Sprintf("exceeds %d characters", maxFaultFieldLen)}
	}
	if a.Condition == nil {
		return &ConfigurationError{Field: "condition", Reason: "must be set"}
	}
	return nil
}
