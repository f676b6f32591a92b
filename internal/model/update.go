package model

import "time"

// Timestamps groups the three arbitration timestamps of a tag or an update.
// A zero time means the timestamp is absent.
type Timestamps struct {
	Source time.Time
	DAQ    time.Time
	Server time.Time
}

// QualityFlag is a source-reported invalidity carried by an update.
type QualityFlag struct {
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
}

// TagUpdate is an inbound value report for a tag.
type TagUpdate struct {
	ID               int64         `json:"id"`
	Value            any           `json:"value"`
	ValueDescription string        `json:"valueDescription,omitempty"`
	QualityFlags     []QualityFlag `json:"qualityFlags,omitempty"`
	SourceTimestamp  time.Time     `json:"sourceTimestamp"`
	DAQTimestamp     time.Time     `json:"daqTimestamp"`
	ServerTimestamp  time.Time     `json:"serverTimestamp"`
}

// Timestamps groups the update's arbitration timestamps.
func (u TagUpdate) Timestamps() Timestamps {
	return Timestamps{Source: u.SourceTimestamp, DAQ: u.DAQTimestamp, Server: u.ServerTimestamp}
}
