package alarms

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
	"plantmon-server/internal/store"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Evaluator applies a tag snapshot to a single alarm under that alarm's
// write lock. Evaluation never mutates the tag; an unchanged (active, info)
// pair leaves the alarm untouched, so re-evaluating against the same
// snapshot is idempotent.
type Evaluator struct {
	store *store.Store
	clock Clock
	log   zerolog.Logger
}

// EvaluatorOption configures the evaluator.
type EvaluatorOption func(*Evaluator)

// WithClock assigns a clock.
func WithClock(clock Clock) EvaluatorOption {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEvaluator constructs an alarm evaluator.
func NewEvaluator(st *store.Store, log zerolog.Logger, opts ...EvaluatorOption) (*Evaluator, error) {
	if st == nil {
		return nil, errors.New("alarms: nil store")
	}
	e := &Evaluator{
		store: st,
		clock: systemClock{},
		log:   log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate re-evaluates one alarm against the tag snapshot and returns the
// alarm's resulting state plus whether it transitioned. A transition stamps
// the change time, clears the published flag and is written back quietly:
// alarm bookkeeping never re-fires the tag propagation chain.
func (e *Evaluator) Evaluate(ctx context.Context, alarmID int64, tag *model.Tag) (*model.Alarm, bool, error) {
	ctx, unlock, err := e.store.AcquireWriteLock(ctx, alarmID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	alarm, err := e.store.AlarmCopy(alarmID)
	if err != nil {
		return nil, false, err
	}
	if alarm.Condition == nil {
		return nil, false, model.Evaluationf("alarm %d has no condition", alarmID)
	}

	active, info, err := evaluateCondition(alarm.Condition, tag)
	if err != nil {
		return nil, false, err
	}
	if alarm.Active == active && alarm.Info == info {
		return alarm, false, nil
	}

	transitioned := alarm.Active != active
	alarm.Active = active
	alarm.Info = info
	if transitioned {
		alarm.Timestamp = e.clock.Now()
	}
	alarm.SourceTimestamp = tagSourceTime(tag)
	alarm.Published = false
	if err := e.store.PutQuiet(ctx, alarm); err != nil {
		return nil, false, err
	}
	e.log.Debug().Int64("alarm", alarmID).Int64("tag", tag.ID).Bool("active", active).
		Str("info", info).Msg("alarms: state updated")
	return alarm, transitioned, nil
}

// evaluateCondition shields the chain from misbehaving condition
// implementations; a panic surfaces as an evaluation error on this alarm
// only.
func evaluateCondition(cond model.Condition, tag *model.Tag) (active bool, info string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.Evaluationf("condition panicked: %v", r)
		}
	}()
	return cond.Evaluate(tag)
}

// tagSourceTime picks the most source-sided timestamp the tag carries, which
// becomes the alarm's source timestamp.
func tagSourceTime(tag *model.Tag) time.Time {
	if !tag.SourceTimestamp.IsZero() {
		return tag.SourceTimestamp
	}
	if !tag.DAQTimestamp.IsZero() {
		return tag.DAQTimestamp
	}
	return tag.ServerTimestamp
}
