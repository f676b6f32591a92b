package model

import (
	"sort"
	"strings"
)

// Status is a single invalidity reason on a tag's quality.
type Status string

const (
	StatusUninitialised    Status = "UNINITIALISED"
	StatusUnknownReason    Status = "UNKNOWN_REASON"
	StatusProcessDown      Status = "PROCESS_DOWN"
	StatusEquipmentDown    Status = "EQUIPMENT_DOWN"
	StatusSubEquipmentDown Status = "SUBEQUIPMENT_DOWN"
	StatusOutOfRange       Status = "OUT_OF_RANGE"
	StatusInaccessible     Status = "INACCESSIBLE"
)

// supervisionStatuses are owned by the supervision overlay and survive value
// updates; everything else is replaced by the flags an update carries.
var supervisionStatuses = []Status{StatusProcessDown, StatusEquipmentDown, StatusSubEquipmentDown}

// IsSupervision reports whether the status is managed by the supervision
// overlay rather than by value updates.
func (s Status) IsSupervision() bool {
	for _, sup := range supervisionStatuses {
		if s == sup {
			return true
		}
	}
	return false
}

// Quality is a set of invalidity statuses with per-status descriptions.
// The zero value means the tag is valid.
type Quality struct {
	statuses map[Status]string
}

// Valid reports whether no invalidity status is set.
func (q Quality) Valid() bool { return len(q.statuses) == 0 }

// Has reports whether the given status is set.
func (q Quality) Has(s Status) bool {
	_, ok := q.statuses[s]
	return ok
}

// Description returns the description recorded for a status.
func (q Quality) Description(s Status) (string, bool) {
	desc, ok := q.statuses[s]
	return desc, ok
}

// Set records a status with its description, replacing a previous description.
func (q *Quality) Set(s Status, description string) {
	if q.statuses == nil {
		q.statuses = make(map[Status]string, 2)
	}
	q.statuses[s] = description
}

// Clear removes a status if present.
func (q *Quality) Clear(s Status) {
	delete(q.statuses, s)
}

// Statuses returns the set statuses in stable order.
func (q Quality) Statuses() []Status {
	if len(q.statuses) == 0 {
		return nil
	}
	out := make([]Status, 0, len(q.statuses))
	for s := range q.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SupervisionOnly returns a copy holding only the supervision-owned statuses.
// Value updates and rule commits rebuild quality on top of it.
func (q Quality) SupervisionOnly() Quality {
	var out Quality
	for _, s := range supervisionStatuses {
		if desc, ok := q.statuses[s]; ok {
			out.Set(s, desc)
		}
	}
	return out
}

// Clone returns an independent copy of the quality set.
func (q Quality) Clone() Quality {
	if len(q.statuses) == 0 {
		return Quality{}
	}
	statuses := make(map[Status]string, len(q.statuses))
	for s, desc := range q.statuses {
		statuses[s] = desc
	}
	return Quality{statuses: statuses}
}

// String renders "valid" or the joined status list for logs and history rows.
func (q Quality) String() string {
	if q.Valid() {
		return "valid"
	}
	parts := make([]string, 0, len(q.statuses))
	for _, s := range q.Statuses() {
		if desc := q.statuses[s]; desc != "" {
			parts = append(parts, string(s)+": "+desc)
		} else {
			parts = append(parts, string(s))
		}
	}
	return strings.Join(parts, "; ")
}
