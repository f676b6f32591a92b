// Package eventing carries the engine's outbound notifications to in-process
// subscribers: history persistence, alarm publication and anything else
// wired at startup. Dispatch is synchronous on the propagation goroutine, in
// subscription order; handlers must be fast and must not block the chain.
package eventing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
)

// TagCommitted is published for every accepted tag mutation, carrying the
// committed snapshot. Subscribers must treat the tag as read-only.
type TagCommitted struct {
	Tag *model.Tag
}

// RuleResult is published when a coalesced rule result is committed.
type RuleResult struct {
	RuleID    int64
	Value     any
	Quality   model.Quality
	Timestamp time.Time
}

// AlarmBatch pairs a tag snapshot with all its alarms, evaluated against
// exactly that snapshot.
type AlarmBatch struct {
	Tag    *model.Tag
	Alarms []*model.Alarm
}

// SupervisionApplied reports a processed supervision event and how many tags
// it touched.
type SupervisionApplied struct {
	Event        model.SupervisionEvent
	AffectedTags int
}

// Bus is the in-process typed event bus.
type Bus struct {
	mu          sync.RWMutex
	tag         []func(context.Context, TagCommitted)
	rule        []func(context.Context, RuleResult)
	alarm       []func(context.Context, AlarmBatch)
	supervision []func(context.Context, SupervisionApplied)

	log zerolog.Logger
}

// NewBus constructs an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// SubscribeTagCommitted registers a handler for committed tag snapshots.
func (b *Bus) SubscribeTagCommitted(h func(context.Context, TagCommitted)) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.tag = append(b.tag, h)
	b.mu.Unlock()
}

// PublishTagCommitted delivers a committed tag snapshot to all handlers.
func (b *Bus) PublishTagCommitted(ctx context.Context, ev TagCommitted) {
	b.mu.RLock()
	handlers := append(([]func(context.Context, TagCommitted))(nil), b.tag...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(ctx, "tag_committed", func() { h(ctx, ev) })
	}
}

// SubscribeRuleResult registers a handler for committed rule results.
func (b *Bus) SubscribeRuleResult(h func(context.Context, RuleResult)) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.rule = append(b.rule, h)
	b.mu.Unlock()
}

// PublishRuleResult delivers a committed rule result to all handlers.
func (b *Bus) PublishRuleResult(ctx context.Context, ev RuleResult) {
	b.mu.RLock()
	handlers := append(([]func(context.Context, RuleResult))(nil), b.rule...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(ctx, "rule_result", func() { h(ctx, ev) })
	}
}

// SubscribeAlarmBatch registers a handler for alarm batches.
func (b *Bus) SubscribeAlarmBatch(h func(context.Context, AlarmBatch)) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.alarm = append(b.alarm, h)
	b.mu.Unlock()
}

// PublishAlarmBatch delivers an alarm batch to all handlers.
func (b *Bus) PublishAlarmBatch(ctx context.Context, ev AlarmBatch) {
	b.mu.RLock()
	handlers := append(([]func(context.Context, AlarmBatch))(nil), b.alarm...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(ctx, "alarm_batch", func() { h(ctx, ev) })
	}
}

// SubscribeSupervisionApplied registers a handler for processed supervision
// events.
func (b *Bus) SubscribeSupervisionApplied(h func(context.Context, SupervisionApplied)) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.supervision = append(b.supervision, h)
	b.mu.Unlock()
}

// PublishSupervisionApplied delivers a processed supervision event to all
// handlers.
func (b *Bus) PublishSupervisionApplied(ctx context.Context, ev SupervisionApplied) {
	b.mu.RLock()
	handlers := append(([]func(context.Context, SupervisionApplied))(nil), b.supervision...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(ctx, "supervision_applied", func() { h(ctx, ev) })
	}
}

// dispatch contains handler panics: one failing subscriber never unwinds
// into the propagation chain or starves the remaining subscribers.
func (b *Bus) dispatch(_ context.Context, event string, run func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event).Interface("panic", r).Msg("eventing: handler panicked")
		}
	}()
	run()
}
