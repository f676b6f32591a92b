// Package propagation drives tag mutations through the server core: inbound
// updates and supervision events are arbitrated, applied under the tag's
// write lock and fanned out to rule and alarm evaluation on the same
// goroutine. Committed rule results re-enter through the same engine so the
// downstream chain sees every mutation exactly once.
package propagation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/eventing"
	"plantmon-server/internal/freshness"
	"plantmon-server/internal/model"
	"plantmon-server/internal/observability/metrics"
	"plantmon-server/internal/rules"
	"plantmon-server/internal/store"
	"plantmon-server/internal/supervision"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine applies updates, supervision events and rule results to the store.
type Engine struct {
	store *store.Store
	index *supervision.Index
	bus   *eventing.Bus
	clock Clock
	log   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, used by tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine wires the engine to the store, the supervision index and the
// event bus.
func NewEngine(st *store.Store, ix *supervision.Index, bus *eventing.Bus, log zerolog.Logger, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("propagation: nil store")
	}
	if ix == nil {
		return nil, errors.New("propagation: nil supervision index")
	}
	if bus == nil {
		return nil, errors.New("propagation: nil event bus")
	}
	e := &Engine{
		store: st,
		index: ix,
		bus:   bus,
		clock: systemClock{},
		log:   log.With().Str("component", "propagation").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ApplyUpdate arbitrates an inbound update against the current tag state and,
// if accepted, applies it and fans out to rules and alarms before returning.
// The returned bool reports acceptance; a rejection is not an error.
//
// An update for an unknown tag auto-creates an unconfigured data tag so that
// early reports survive until configuration catches up.
func (e *Engine) ApplyUpdate(ctx context.Context, u model.TagUpdate) (bool, error) {
	if u.ID <= 0 {
		return false, errors.New("propagation: update without tag id")
	}
	began := e.clock.Now()

	if !e.store.Has(u.ID) {
		if err := e.store.Insert(model.NewUnconfiguredTag(u.ID)); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return false, err
		}
		e.log.Info().Int64("tag", u.ID).Msg("auto-created unconfigured tag for early update")
	}

	ctx, unlock, err := e.store.AcquireWriteLock(ctx, u.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	tag, err := e.store.TagCopy(u.ID)
	if err != nil {
		return false, err
	}

	ok, reason := freshness.Accept(tag.Timestamps(), u.Timestamps())
	if !ok {
		e.log.Debug().
			Int64("tag", u.ID).
			Str("reason", string(reason)).
			Time("sourceTimestamp", u.SourceTimestamp).
			Msg("update rejected by freshness arbitration")
		metrics.IncUpdateRejected(string(reason))
		metrics.ObserveUpdateApply(metrics.ResultRejected, e.clock.Now().Sub(began))
		return false, nil
	}

	tag.ApplyUpdate(u, e.clock.Now())
	if err := e.store.Put(ctx, tag); err != nil {
		return false, err
	}
	e.bus.PublishTagCommitted(ctx, eventing.TagCommitted{Tag: tag})
	metrics.ObserveUpdateApply(metrics.ResultAccepted, e.clock.Now().Sub(began))
	return true, nil
}

// ApplySupervisionEvent overlays a process or equipment status change onto
// every tag attached to the affected entity. Unknown combinations are logged
// and dropped; tags that already carry the status are skipped so repeated
// DOWN heartbeats stay cheap.
func (e *Engine) ApplySupervisionEvent(ctx context.Context, ev model.SupervisionEvent) error {
	metrics.IncSupervisionEvent(string(ev.Entity), string(ev.Status))

	decision, ok := supervision.Decide(ev)
	if !ok {
		e.log.Warn().
			Str("entity", string(ev.Entity)).
			Int64("entityId", ev.EntityID).
			Str("status", string(ev.Status)).
			Msg("unrecognized supervision event ignored")
		return nil
	}

	tagIDs := e.index.TagsFor(ev.Entity, ev.EntityID)
	affected := 0
	for _, tagID := range tagIDs {
		changed, err := e.overlaySupervision(ctx, tagID, decision)
		if err != nil {
			e.log.Warn().Err(err).Int64("tag", tagID).Msg("supervision overlay skipped tag")
			continue
		}
		if changed {
			affected++
		}
	}

	metrics.AddSupervisionAffected(affected)
	e.bus.PublishSupervisionApplied(ctx, eventing.SupervisionApplied{Event: ev, AffectedTags: affected})
	e.log.Info().
		Str("entity", string(ev.Entity)).
		Int64("entityId", ev.EntityID).
		Str("status", string(ev.Status)).
		Int("tags", len(tagIDs)).
		Int("changed", affected).
		Msg("supervision event applied")
	return nil
}

func (e *Engine) overlaySupervision(ctx context.Context, tagID int64, d supervision.Decision) (bool, error) {
	ctx, unlock, err := e.store.AcquireWriteLock(ctx, tagID)
	if err != nil {
		return false, err
	}
	defer unlock()

	tag, err := e.store.TagCopy(tagID)
	if err != nil {
		return false, err
	}
	if !supervision.Apply(tag, d) {
		return false, nil
	}
	tag.CacheTimestamp = e.clock.Now()
	if err := e.store.Put(ctx, tag); err != nil {
		return false, err
	}
	e.bus.PublishTagCommitted(ctx, eventing.TagCommitted{Tag: tag})
	return true, nil
}

// CommitRuleResult writes a coalesced rule result back to the rule tag. It
// runs on the coalescer's flush goroutine with a fresh lock scope, so a rule
// feeding another rule re-enters the engine without inheriting locks.
func (e *Engine) CommitRuleResult(res rules.Result) {
	ctx, unlock, err := e.store.AcquireWriteLock(context.Background(), res.RuleID)
	if err != nil {
		e.log.Error().Err(err).Int64("rule", res.RuleID).Msg("rule result dropped, lock unavailable")
		return
	}
	defer unlock()

	rule, err := e.store.TagCopy(res.RuleID)
	if err != nil {
		e.log.Error().Err(err).Int64("rule", res.RuleID).Msg("rule result dropped")
		return
	}

	now := e.clock.Now()
	if res.Invalid {
		rule.InvalidateRuleResult(res.Message, res.Timestamp, now)
	} else {
		rule.ApplyRuleResult(res.Value, res.Timestamp, now)
	}
	if err := e.store.Put(ctx, rule); err != nil {
		e.log.Error().Err(err).Int64("rule", res.RuleID).Msg("rule result not committed")
		return
	}

	metrics.IncRuleCommit()
	e.bus.PublishRuleResult(ctx, eventing.RuleResult{
		RuleID:    res.RuleID,
		Value:     rule.Value,
		Quality:   rule.Quality.Clone(),
		Timestamp: res.Timestamp,
	})
	e.bus.PublishTagCommitted(ctx, eventing.TagCommitted{Tag: rule})
}

// OnAlarmBatch bridges evaluated alarm batches onto the event bus. The engine
// registers itself on the alarm aggregator during wiring.
func (e *Engine) OnAlarmBatch(ctx context.Context, tag *model.Tag, batch []*model.Alarm) {
	e.bus.PublishAlarmBatch(ctx, eventing.AlarmBatch{Tag: tag, Alarms: batch})
}
