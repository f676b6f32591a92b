package alarms

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
	"plantmon-server/internal/observability/metrics"
	"plantmon-server/internal/store"
)

// BatchListener receives the consistent (tag, alarms) pair produced for one
// tag mutation. Called synchronously on the propagation goroutine while the
// tag's write lock is held; implementations must not block for long.
type BatchListener interface {
	OnAlarmBatch(ctx context.Context, tag *model.Tag, alarms []*model.Alarm)
}

// Aggregator registers as a store update listener and re-evaluates every
// alarm attached to a mutated tag. Because the store notifies synchronously
// under the tag's write lock, listeners can never observe a tag/alarm
// pairing that is stale relative to each other.
type Aggregator struct {
	store     *store.Store
	evaluator *Evaluator

	mu        sync.RWMutex
	listeners []BatchListener

	log zerolog.Logger
}

// NewAggregator constructs an aggregator.
func NewAggregator(st *store.Store, evaluator *Evaluator, log zerolog.Logger) (*Aggregator, error) {
	if st == nil {
		return nil, errors.New("alarms: nil store")
	}
	if evaluator == nil {
		return nil, errors.New("alarms: nil evaluator")
	}
	return &Aggregator{store: st, evaluator: evaluator, log: log}, nil
}

// Register appends a batch listener. Meant to be called during wiring.
func (a *Aggregator) Register(l BatchListener) {
	if l == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// EntityUpdated implements store.UpdateListener.
func (a *Aggregator) EntityUpdated(ctx context.Context, ent model.Entity) {
	tag, ok := ent.(*model.Tag)
	if !ok {
		return
	}
	if len(tag.AlarmIDs) == 0 {
		return
	}

	evaluated := make([]*model.Alarm, 0, len(tag.AlarmIDs))
	for _, alarmID := range tag.AlarmIDs {
		alarm, transitioned, err := a.evaluator.Evaluate(ctx, alarmID, tag)
		if err != nil {
			// One broken alarm never stops its siblings or the batch.
			a.log.Error().Err(err).Int64("alarm", alarmID).Int64("tag", tag.ID).
				Msg("alarms: evaluation failed, skipping alarm")
			continue
		}
		if transitioned {
			metrics.IncAlarmTransition(alarm.Active)
		}
		evaluated = append(evaluated, alarm)
	}
	if len(evaluated) == 0 {
		a.log.Warn().Int64("tag", tag.ID).Msg("alarms: no alarms could be evaluated for tag")
	}

	metrics.IncAlarmBatch()
	a.notify(ctx, tag, evaluated)
}

func (a *Aggregator) notify(ctx context.Context, tag *model.Tag, evaluated []*model.Alarm) {
	a.mu.RLock()
	listeners := append([]BatchListener(nil), a.listeners...)
	a.mu.RUnlock()
	for _, l := range listeners {
		a.dispatch(ctx, l, tag, evaluated)
	}
}

// dispatch hands each listener its own tag clone and contains panics so one
// consumer cannot starve the others or unwind into the locking logic.
func (a *Aggregator) dispatch(ctx context.Context, l BatchListener, tag *model.Tag, evaluated []*model.Alarm) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Int64("tag", tag.ID).Interface("panic", r).Msg("alarms: batch listener panicked")
		}
	}()
	l.OnAlarmBatch(ctx, tag.Clone(), evaluated)
}
