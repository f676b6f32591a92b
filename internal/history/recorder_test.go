package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/eventing"
	"plantmon-server/internal/model"
)

// newTestRecorder wires a recorder to a repository without a database, so
// every flush fails and lands in the fallback file, where tests can observe
// it.
func newTestRecorder(t *testing.T, opts ...RecorderOption) (*Recorder, *Fallback) {
	t.Helper()
	fb, err := NewFallback(filepath.Join(t.TempDir(), "history.fallback"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}
	rec, err := NewRecorder(NewRepository(nil), fb, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return rec, fb
}

func drainRows(t *testing.T, fb *Fallback) ([]TagRow, []AlarmRow) {
	t.Helper()
	tagRows, alarmRows, err := fb.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return tagRows, alarmRows
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecorderBuffersLoggedTagsOnly(t *testing.T) {
	rec, fb := newTestRecorder(t)
	ctx := context.Background()

	logged := &model.Tag{ID: 1, Name: "a", Logged: true, Value: 1.0}
	silent := &model.Tag{ID: 2, Name: "b", Logged: false, Value: 2.0}

	rec.OnTagCommitted(ctx, eventing.TagCommitted{Tag: logged})
	rec.OnTagCommitted(ctx, eventing.TagCommitted{Tag: silent})
	rec.Flush(ctx)

	tagRows, _ := drainRows(t, fb)
	if len(tagRows) != 1 || tagRows[0].TagID != 1 {
		t.Fatalf("expected only the logged tag, got %+v", tagRows)
	}
}

func TestRecorderJournalsAlarmStateChangesOnly(t *testing.T) {
	rec, fb := newTestRecorder(t)
	ctx := context.Background()

	active := &model.Alarm{ID: 200, TagID: 1, Active: true, Info: "above limit"}
	idle := &model.Alarm{ID: 201, TagID: 1, Active: false, Info: ""}
	batch := eventing.AlarmBatch{Alarms: []*model.Alarm{active, idle}}

	rec.OnAlarmBatch(ctx, batch)
	// Re-evaluation with unchanged state produces no new journal entries.
	rec.OnAlarmBatch(ctx, batch)
	// An info refresh on the active alarm is a journalled change.
	active.Info = "further above limit"
	rec.OnAlarmBatch(ctx, batch)
	rec.Flush(ctx)

	_, alarmRows := drainRows(t, fb)
	if len(alarmRows) != 3 {
		t.Fatalf("expected 3 journal rows, got %d: %+v", len(alarmRows), alarmRows)
	}
	if alarmRows[2].AlarmID != 200 || alarmRows[2].Info != "further above limit" {
		t.Fatalf("unexpected third row: %+v", alarmRows[2])
	}
}

func TestRecorderFlushWithEmptyBufferIsNoop(t *testing.T) {
	rec, fb := newTestRecorder(t)
	rec.Flush(context.Background())

	tagRows, alarmRows := drainRows(t, fb)
	if len(tagRows) != 0 || len(alarmRows) != 0 {
		t.Fatalf("empty flush produced rows: %d/%d", len(tagRows), len(alarmRows))
	}
}

func TestRecorderReplayReparksOnFailure(t *testing.T) {
	rec, fb := newTestRecorder(t)
	if err := fb.Append([]TagRow{{TagID: 1, Name: "a"}}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := rec.Replay(context.Background()); err == nil {
		t.Fatal("expected replay to fail without a database")
	}
	tagRows, _ := drainRows(t, fb)
	if len(tagRows) != 1 || tagRows[0].TagID != 1 {
		t.Fatalf("failed replay must repark the rows, got %+v", tagRows)
	}
}

func TestRecorderReplayWithEmptyFallback(t *testing.T) {
	rec, _ := newTestRecorder(t)
	if err := rec.Replay(context.Background()); err != nil {
		t.Fatalf("replay of empty fallback: %v", err)
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	rec, fb := newTestRecorder(t, WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	rec.Start(ctx, &wg)

	rec.OnTagCommitted(ctx, eventing.TagCommitted{Tag: &model.Tag{ID: 1, Name: "a", Logged: true, Value: 1.0}})
	cancel()
	wg.Wait()

	tagRows, _ := drainRows(t, fb)
	if len(tagRows) != 1 {
		t.Fatalf("shutdown did not flush the buffer, got %d rows", len(tagRows))
	}
}

func TestRecorderBatchSizeTriggersEarlyFlush(t *testing.T) {
	rec, fb := newTestRecorder(t, WithBatchSize(2), WithFlushInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	rec.Start(ctx, &wg)

	rec.OnTagCommitted(ctx, eventing.TagCommitted{Tag: &model.Tag{ID: 1, Name: "a", Logged: true, Value: 1.0}})
	rec.OnTagCommitted(ctx, eventing.TagCommitted{Tag: &model.Tag{ID: 2, Name: "b", Logged: true, Value: 2.0}})

	waitFor(t, 2*time.Second, func() bool {
		info, err := os.Stat(fb.path)
		return err == nil && info.Size() > 0
	})
	cancel()
	wg.Wait()

	tagRows, _ := drainRows(t, fb)
	if len(tagRows) != 2 {
		t.Fatalf("expected both rows flushed, got %d", len(tagRows))
	}
}
