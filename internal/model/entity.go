package model

// Entity is a store-managed element addressed by a numeric key.
type Entity interface {
	Key() int64
	CloneEntity() Entity
}

// Kind discriminates the tag variants held by the store.
type Kind uint8

const (
	// KindData is a plain acquired value.
	KindData Kind = iota
	// KindRule is a tag whose value is derived from other tags.
	KindRule
	// KindControl mirrors process or equipment liveness.
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindRule:
		return "RULE"
	case KindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Mode reflects the operational state a tag is configured in.
type Mode uint8

const (
	ModeOperational Mode = iota
	ModeTest
	ModeMaintenance
	// ModeUnconfigured marks tags auto-created on first reference.
	ModeUnconfigured
)

func (m Mode) String() string {
	switch m {
	case ModeOperational:
		return "OPERATIONAL"
	case ModeTest:
		return "TEST"
	case ModeMaintenance:
		return "MAINTENANCE"
	case ModeUnconfigured:
		return "UNCONFIGURED"
	default:
		return "UNKNOWN"
	}
}
