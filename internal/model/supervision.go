package model

import "time"

// SupervisedEntity identifies the level a supervision event refers to.
type SupervisedEntity string

const (
	EntityProcess      SupervisedEntity = "PROCESS"
	EntityEquipment    SupervisedEntity = "EQUIPMENT"
	EntitySubEquipment SupervisedEntity = "SUBEQUIPMENT"
)

// Valid reports whether the entity kind is one of the known levels.
func (e SupervisedEntity) Valid() bool {
	switch e {
	case EntityProcess, EntityEquipment, EntitySubEquipment:
		return true
	default:
		return false
	}
}

// SupervisionStatus is the lifecycle state reported for a supervised entity.
type SupervisionStatus string

const (
	SupervisionRunning      SupervisionStatus = "RUNNING"
	SupervisionRunningLocal SupervisionStatus = "RUNNING_LOCAL"
	SupervisionDown         SupervisionStatus = "DOWN"
	SupervisionStopped      SupervisionStatus = "STOPPED"
)

// Valid reports whether the status is one of the known states.
func (s SupervisionStatus) Valid() bool {
	switch s {
	case SupervisionRunning, SupervisionRunningLocal, SupervisionDown, SupervisionStopped:
		return true
	default:
		return false
	}
}

// SupervisionEvent reports a lifecycle transition of a process or
// (sub)equipment, to be overlaid onto the quality of the tags underneath it.
type SupervisionEvent struct {
	Entity    SupervisedEntity  `json:"entity"`
	EntityID  int64             `json:"entityId"`
	Status    SupervisionStatus `json:"status"`
	EventTime time.Time         `json:"eventTime"`
	Message   string            `json:"message,omitempty"`
}
