package history

import (
	"testing"
	"time"

	"plantmon-server/internal/model"
)

func TestNewTagRowNumericValue(t *testing.T) {
	src := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	tag := &model.Tag{
		ID:              4,
		Name:            "boiler.pressure",
		Value:           21.5,
		SourceTimestamp: src,
		DAQTimestamp:    src.Add(time.Second),
		ServerTimestamp: src.Add(2 * time.Second),
	}

	row := NewTagRow(tag)
	if row.TagID != 4 || row.Name != "boiler.pressure" {
		t.Fatalf("identity not carried: %+v", row)
	}
	if row.Numeric == nil || *row.Numeric != 21.5 {
		t.Fatalf("expected numeric 21.5, got %+v", row.Numeric)
	}
	if row.Text != nil {
		t.Fatalf("numeric value must not land in text: %q", *row.Text)
	}
	if !row.Valid || row.Quality != "valid" {
		t.Fatalf("expected valid quality, got valid=%v quality=%q", row.Valid, row.Quality)
	}
	if !row.SourceTimestamp.Equal(src) || !row.ServerTimestamp.Equal(src.Add(2*time.Second)) {
		t.Fatalf("timestamps not carried: %+v", row)
	}
}

func TestNewTagRowCoercesIntegersAndBooleans(t *testing.T) {
	row := NewTagRow(&model.Tag{ID: 1, Value: int64(7)})
	if row.Numeric == nil || *row.Numeric != 7 {
		t.Fatalf("int64 value: got %+v", row.Numeric)
	}

	row = NewTagRow(&model.Tag{ID: 1, Value: true})
	if row.Numeric == nil || *row.Numeric != 1 {
		t.Fatalf("bool value: got %+v", row.Numeric)
	}
}

func TestNewTagRowKeepsStringsAsText(t *testing.T) {
	// Even a numeric-looking string stays in the text column.
	for _, value := range []string{"OPEN", "10"} {
		row := NewTagRow(&model.Tag{ID: 1, Value: value})
		if row.Numeric != nil {
			t.Fatalf("string %q leaked into numeric column: %v", value, *row.Numeric)
		}
		if row.Text == nil || *row.Text != value {
			t.Fatalf("string %q not carried as text: %+v", value, row.Text)
		}
	}
}

func TestNewTagRowNilValue(t *testing.T) {
	row := NewTagRow(&model.Tag{ID: 1})
	if row.Numeric != nil || row.Text != nil {
		t.Fatalf("nil value must leave both columns empty: %+v", row)
	}
}

func TestNewTagRowRendersInvalidQuality(t *testing.T) {
	tag := &model.Tag{ID: 1, Value: 99.0}
	tag.Quality.Set(model.StatusOutOfRange, "above physical limit")

	row := NewTagRow(tag)
	if row.Valid {
		t.Fatal("invalid quality reported as valid")
	}
	if row.Quality != "OUT_OF_RANGE: above physical limit" {
		t.Fatalf("unexpected quality rendering: %q", row.Quality)
	}
}

func TestNewAlarmRow(t *testing.T) {
	at := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	alarm := &model.Alarm{
		ID:              200,
		TagID:           4,
		FaultFamily:     "COOLING",
		FaultMember:     "PUMP_1",
		FaultCode:       3,
		Active:          true,
		Info:            "pressure 21.5 above 20",
		Timestamp:       at,
		SourceTimestamp: at.Add(-time.Second),
	}

	row := NewAlarmRow(alarm)
	if row.AlarmID != 200 || row.TagID != 4 {
		t.Fatalf("identity not carried: %+v", row)
	}
	if row.FaultFamily != "COOLING" || row.FaultMember != "PUMP_1" || row.FaultCode != 3 {
		t.Fatalf("fault identity not carried: %+v", row)
	}
	if !row.Active || row.Info != "pressure 21.5 above 20" {
		t.Fatalf("state not carried: %+v", row)
	}
	if !row.Timestamp.Equal(at) || !row.SourceTimestamp.Equal(at.Add(-time.Second)) {
		t.Fatalf("timestamps not carried: %+v", row)
	}
}
