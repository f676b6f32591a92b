// Package history persists the stream of committed tag values and alarm
// state changes to Postgres. Rows are batched by size and interval; batches
// that cannot reach the database are parked in a msgpack fallback file and
// replayed on the next startup.
package history

import (
	"fmt"
	"time"

	"plantmon-server/internal/model"
)

// TagRow is one persisted tag value. Numeric values land in Numeric,
// everything else is rendered into Text.
type TagRow struct {
	TagID           int64     `msgpack:"tagId"`
	Name            string    `msgpack:"name"`
	Numeric         *float64  `msgpack:"numeric,omitempty"`
	Text            *string   `msgpack:"text,omitempty"`
	Quality         string    `msgpack:"quality"`
	Valid           bool      `msgpack:"valid"`
	SourceTimestamp time.Time `msgpack:"sourceTs"`
	DAQTimestamp    time.Time `msgpack:"daqTs"`
	ServerTimestamp time.Time `msgpack:"serverTs"`
}

// AlarmRow is one journalled alarm state change.
type AlarmRow struct {
	AlarmID         int64     `msgpack:"alarmId"`
	TagID           int64     `msgpack:"tagId"`
	FaultFamily     string    `msgpack:"faultFamily"`
	FaultMember     string    `msgpack:"faultMember"`
	FaultCode       int       `msgpack:"faultCode"`
	Active          bool      `msgpack:"active"`
	Info            string    `msgpack:"info"`
	Timestamp       time.Time `msgpack:"ts"`
	SourceTimestamp time.Time `msgpack:"sourceTs"`
}

// NewTagRow flattens a tag snapshot into its history row.
func NewTagRow(tag *model.Tag) TagRow {
	row := TagRow{
		TagID:           tag.ID,
		Name:            tag.Name,
		Quality:         tag.Quality.String(),
		Valid:           tag.Quality.Valid(),
		SourceTimestamp: tag.SourceTimestamp,
		DAQTimestamp:    tag.DAQTimestamp,
		ServerTimestamp: tag.ServerTimestamp,
	}
	switch v := tag.Value.(type) {
	case nil:
	case string:
		// Numeric-looking strings stay text; the column split follows the
		// declared value, not its parseability.
		row.Text = &v
	default:
		if f, ok := model.ToFloat64(v); ok {
			row.Numeric = &f
		} else {
			text := fmt.Sprintf("%v", v)
			row.Text = &text
		}
	}
	return row
}

// NewAlarmRow flattens an alarm state into its journal row.
func NewAlarmRow(alarm *model.Alarm) AlarmRow {
	return AlarmRow{
		AlarmID:         alarm.ID,
		TagID:           alarm.TagID,
		FaultFamily:     alarm.FaultFamily,
		FaultMember:     alarm.FaultMember,
		FaultCode:       alarm.FaultCode,
		Active:          alarm.Active,
		Info:            alarm.Info,
		Timestamp:       alarm.Timestamp,
		SourceTimestamp: alarm.SourceTimestamp,
	}
}
