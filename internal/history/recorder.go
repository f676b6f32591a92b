package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/eventing"
	"plantmon-server/internal/observability/metrics"
)

const (
	defaultBatchSize     = 200
	defaultFlushInterval = 5 * time.Second
)

// alarmState is the last journalled (active, info) pair per alarm, so the
// journal records state changes rather than every re-evaluation.
type alarmState struct {
	active bool
	info   string
}

// Recorder buffers committed tag values and alarm state changes and flushes
// them to the repository in batches, bounded by size and interval. The event
// handlers run on the propagation goroutine and only append to the buffer;
// all I/O happens on the flush goroutine. Failed batches are parked in the
// fallback file.
type Recorder struct {
	repo     *Repository
	fallback *Fallback
	log      zerolog.Logger

	batchSize int
	interval  time.Duration

	mu        sync.Mutex
	tagRows   []TagRow
	alarmRows []AlarmRow
	lastAlarm map[int64]alarmState

	kick chan struct{}
}

// RecorderOption configures the recorder.
type RecorderOption func(*Recorder)

// WithBatchSize sets how many buffered rows trigger an early flush.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRecorder constructs a recorder writing through repo, parking failed
// batches in fallback.
func NewRecorder(repo *Repository, fallback *Fallback, log zerolog.Logger, opts ...RecorderOption) (*Recorder, error) {
	if repo == nil {
		return nil, errors.New("history: nil repository")
	}
	if fallback == nil {
		return nil, errors.New("history: nil fallback")
	}
	r := &Recorder{
		repo:      repo,
		fallback:  fallback,
		log:       log.With().Str("component", "history").Logger(),
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
		lastAlarm: make(map[int64]alarmState),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OnTagCommitted buffers a row for every committed mutation of a logged tag.
func (r *Recorder) OnTagCommitted(_ context.Context, ev eventing.TagCommitted) {
	if ev.Tag == nil || !ev.Tag.Logged {
		return
	}
	r.mu.Lock()
	r.tagRows = append(r.tagRows, NewTagRow(ev.Tag))
	full := len(r.tagRows)+len(r.alarmRows) >= r.batchSize
	r.mu.Unlock()
	if full {
		r.requestFlush()
	}
}

// OnAlarmBatch journals the alarms whose (active, info) state changed since
// the last journalled entry.
func (r *Recorder) OnAlarmBatch(_ context.Context, ev eventing.AlarmBatch) {
	r.mu.Lock()
	for _, alarm := range ev.Alarms {
		state := alarmState{active: alarm.Active, info: alarm.Info}
		if last, seen := r.lastAlarm[alarm.ID]; seen && last == state {
			continue
		}
		r.lastAlarm[alarm.ID] = state
		r.alarmRows = append(r.alarmRows, NewAlarmRow(alarm))
	}
	full := len(r.tagRows)+len(r.alarmRows) >= r.batchSize
	r.mu.Unlock()
	if full {
		r.requestFlush()
	}
}

func (r *Recorder) requestFlush() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start launches the flush loop. When ctx is canceled the loop drains the
// buffer one final time before the WaitGroup is released.
func (r *Recorder) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.run(ctx)
	}()
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The propagation side is already stopped; flush must not be
			// bound to the canceled context.
			r.Flush(context.Background())
			r.log.Info().Msg("flush loop stopped")
			return
		case <-ticker.C:
			r.Flush(ctx)
		case <-r.kick:
			r.Flush(ctx)
		}
	}
}

// Replay drains the fallback file into the repository. Called at startup,
// before the flush loop starts; rows that still cannot be written are parked
// again.
func (r *Recorder) Replay(ctx context.Context) error {
	tagRows, alarmRows, err := r.fallback.Drain()
	if err != nil {
		return err
	}
	if len(tagRows) == 0 && len(alarmRows) == 0 {
		return nil
	}
	if err := r.write(ctx, tagRows, alarmRows); err != nil {
		return err
	}
	metrics.IncHistoryFallback(metrics.FallbackOpReplayed)
	r.log.Info().Int("tagRows", len(tagRows)).Int("alarmRows", len(alarmRows)).Msg("fallback rows replayed")
	return nil
}

// Flush synchronously writes everything buffered.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	tagRows, alarmRows := r.tagRows, r.alarmRows
	r.tagRows, r.alarmRows = nil, nil
	r.mu.Unlock()

	if len(tagRows) == 0 && len(alarmRows) == 0 {
		return
	}
	if err := r.write(ctx, tagRows, alarmRows); err != nil {
		r.log.Error().Err(err).
			Int("tagRows", len(tagRows)).
			Int("alarmRows", len(alarmRows)).
			Msg("batch insert failed, parking in fallback")
	}
}

// write inserts both row kinds; whatever cannot be inserted is parked in the
// fallback file. The returned error reports the insert failure even when
// parking succeeded.
func (r *Recorder) write(ctx context.Context, tagRows []TagRow, alarmRows []AlarmRow) error {
	var failedTags []TagRow
	var failedAlarms []AlarmRow
	var firstErr error

	if err := r.repo.InsertTagRows(ctx, tagRows); err != nil {
		failedTags = tagRows
		firstErr = err
	} else if len(tagRows) > 0 {
		metrics.AddHistoryRows(r.repo.tagTable, len(tagRows))
	}
	if err := r.repo.InsertAlarmRows(ctx, alarmRows); err != nil {
		failedAlarms = alarmRows
		if firstErr == nil {
			firstErr = err
		}
	} else if len(alarmRows) > 0 {
		metrics.AddHistoryRows(r.repo.alarmTable, len(alarmRows))
	}

	if len(failedTags) > 0 || len(failedAlarms) > 0 {
		if err := r.fallback.Append(failedTags, failedAlarms); err != nil {
			r.log.Error().Err(err).
				Int("tagRows", len(failedTags)).
				Int("alarmRows", len(failedAlarms)).
				Msg("fallback write failed, rows lost")
		} else {
			metrics.IncHistoryFallback(metrics.FallbackOpWritten)
		}
	}
	return firstErr
}
