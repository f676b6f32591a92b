package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"plantmon-server/internal/history"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestHistoryRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "tag_history") || !tableExists(db, "alarm_journal") {
		t.Skip("history tables missing; run migrations")
	}

	ctx := context.Background()
	tagID := int64(990001)
	alarmID := int64(990002)
	serverTS := time.Date(2026, time.January, 21, 9, 0, 0, 0, time.UTC)

	_, _ = db.ExecContext(ctx, "DELETE FROM tag_history WHERE tag_id = $1", tagID)
	_, _ = db.ExecContext(ctx, "DELETE FROM alarm_journal WHERE alarm_id = $1", alarmID)

	repo := history.NewRepository(db)

	pressure := 21.5
	state := "OPEN"
	tagRows := []history.TagRow{
		{
			TagID:           tagID,
			Name:            "boiler.pressure",
			Numeric:         &pressure,
			Quality:         "valid",
			Valid:           true,
			SourceTimestamp: serverTS.Add(-2 * time.Second),
			DAQTimestamp:    serverTS.Add(-time.Second),
			ServerTimestamp: serverTS,
		},
		{
			TagID:           tagID,
			Name:            "boiler.pressure",
			Text:            &state,
			Quality:         "UNKNOWN_REASON: unable to evaluate",
			Valid:           false,
			ServerTimestamp: serverTS.Add(time.Second),
		},
	}
	if err := repo.InsertTagRows(ctx, tagRows); err != nil {
		t.Fatalf("insert tag rows: %v", err)
	}

	alarmRows := []history.AlarmRow{
		{
			AlarmID:         alarmID,
			TagID:           tagID,
			FaultFamily:     "COOLING",
			FaultMember:     "PUMP_1",
			FaultCode:       3,
			Active:          true,
			Info:            "pressure 21.5 above 20",
			Timestamp:       serverTS,
			SourceTimestamp: serverTS.Add(-2 * time.Second),
		},
	}
	if err := repo.InsertAlarmRows(ctx, alarmRows); err != nil {
		t.Fatalf("insert alarm rows: %v", err)
	}

	var count int
	var numeric sql.NullFloat64
	err = db.QueryRowContext(ctx, `
SELECT count(*), max(value_numeric)
FROM tag_history
WHERE tag_id = $1`, tagID).Scan(&count, &numeric)
	if err != nil {
		t.Fatalf("query tag history: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 tag rows, got %d", count)
	}
	if !numeric.Valid || numeric.Float64 != pressure {
		t.Fatalf("numeric value mismatch: got=%+v want=%v", numeric, pressure)
	}

	var active bool
	var info string
	err = db.QueryRowContext(ctx, `
SELECT active, info
FROM alarm_journal
WHERE alarm_id = $1`, alarmID).Scan(&active, &info)
	if err != nil {
		t.Fatalf("query alarm journal: %v", err)
	}
	if !active || info != "pressure 21.5 above 20" {
		t.Fatalf("alarm row mismatch: active=%v info=%q", active, info)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
