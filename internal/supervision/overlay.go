// Package supervision maps process and equipment lifecycle onto tag quality:
// a DOWN or STOPPED entity invalidates every tag underneath it, a RUNNING
// entity lifts that invalidity again. It also owns the reverse index from
// supervised entities to tags and the startup ancestry backfill.
package supervision

import (
	"fmt"

	"plantmon-server/internal/model"
)

// Action tells the engine how to mutate a tag's quality.
type Action uint8

const (
	// ActionInvalidate adds the decision's status to the quality set.
	ActionInvalidate Action = iota
	// ActionRevalidate clears the decision's status.
	ActionRevalidate
)

// Decision is the quality mutation derived from a supervision event.
type Decision struct {
	Action  Action
	Status  model.Status
	Message string
}

// statusFor keys the overlay by supervised entity level.
var statusFor = map[model.SupervisedEntity]model.Status{
	model.EntityProcess:      model.StatusProcessDown,
	model.EntityEquipment:    model.StatusEquipmentDown,
	model.EntitySubEquipment: model.StatusSubEquipmentDown,
}

// Decide maps a supervision event onto the quality mutation to apply to each
// affected tag. ok is false for unrecognized entity kinds or statuses; such
// events are logged and dropped by the engine, never failing the chain.
func Decide(ev model.SupervisionEvent) (Decision, bool) {
	status, known := statusFor[ev.Entity]
	if !known {
		return Decision{}, false
	}
	switch ev.Status {
	case model.SupervisionDown, model.SupervisionStopped:
		return Decision{Action: ActionInvalidate, Status: status, Message: downMessage(ev)}, true
	case model.SupervisionRunning, model.SupervisionRunningLocal:
		return Decision{Action: ActionRevalidate, Status: status, Message: recoveryMessage(ev)}, true
	default:
		return Decision{}, false
	}
}

// Apply mutates the tag copy per the decision and reports whether anything
// changed. Re-delivery of an identical invalidity (same status and message)
// is skipped so repeated DOWN heartbeats do not re-fire the chain.
func Apply(tag *model.Tag, d Decision) bool {
	switch d.Action {
	case ActionInvalidate:
		if desc, ok := tag.Quality.Description(d.Status); ok && desc == d.Message {
			return false
		}
		tag.Quality.Set(d.Status, d.Message)
		return true
	case ActionRevalidate:
		if !tag.Quality.Has(d.Status) {
			return false
		}
		tag.Quality.Clear(d.Status)
		return true
	default:
		return false
	}
}

func downMessage(ev model.SupervisionEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	switch ev.Entity {
	case model.EntityProcess:
		return fmt.Sprintf("DAQ process %d is down", ev.EntityID)
	case model.EntityEquipment:
		return fmt.Sprintf("Equipment %d is down", ev.EntityID)
	default:
		return fmt.Sprintf("Sub-equipment %d is down", ev.EntityID)
	}
}

func recoveryMessage(ev model.SupervisionEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	switch ev.Entity {
	case model.EntityProcess:
		return fmt.Sprintf("DAQ process %d has recovered.", ev.EntityID)
	case model.EntityEquipment:
		return fmt.Sprintf("Equipment %d has recovered.", ev.EntityID)
	default:
		return fmt.Sprintf("Sub-equipment %d has recovered.", ev.EntityID)
	}
}
