package eventing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
)

func TestBusFansOutInSubscriptionOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var order []string
	bus.SubscribeTagCommitted(func(context.Context, TagCommitted) { order = append(order, "first") })
	bus.SubscribeTagCommitted(func(context.Context, TagCommitted) { order = append(order, "second") })

	bus.PublishTagCommitted(context.Background(), TagCommitted{Tag: &model.Tag{ID: 1}})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
}

func TestBusContainsHandlerPanics(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	reached := false
	bus.SubscribeRuleResult(func(context.Context, RuleResult) { panic("boom") })
	bus.SubscribeRuleResult(func(context.Context, RuleResult) { reached = true })

	bus.PublishRuleResult(context.Background(), RuleResult{RuleID: 1, Value: 2.0, Timestamp: time.Now()})

	if !reached {
		t.Fatal("handler after the panicking one must still run")
	}
}

func TestBusDeliversEachEventType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var gotTag *model.Tag
	var gotRule RuleResult
	var gotBatch AlarmBatch
	var gotSupervision SupervisionApplied

	bus.SubscribeTagCommitted(func(_ context.Context, ev TagCommitted) { gotTag = ev.Tag })
	bus.SubscribeRuleResult(func(_ context.Context, ev RuleResult) { gotRule = ev })
	bus.SubscribeAlarmBatch(func(_ context.Context, ev AlarmBatch) { gotBatch = ev })
	bus.SubscribeSupervisionApplied(func(_ context.Context, ev SupervisionApplied) { gotSupervision = ev })

	ctx := context.Background()
	bus.PublishTagCommitted(ctx, TagCommitted{Tag: &model.Tag{ID: 7}})
	bus.PublishRuleResult(ctx, RuleResult{RuleID: 9, Value: true})
	bus.PublishAlarmBatch(ctx, AlarmBatch{
		Tag:    &model.Tag{ID: 7},
		Alarms: []*model.Alarm{{ID: 3, Active: true}},
	})
	bus.PublishSupervisionApplied(ctx, SupervisionApplied{
		Event:        model.SupervisionEvent{Entity: model.EntityProcess, EntityID: 4, Status: model.SupervisionDown},
		AffectedTags: 2,
	})

	if gotTag == nil || gotTag.ID != 7 {
		t.Fatalf("tag committed = %+v", gotTag)
	}
	if gotRule.RuleID != 9 || gotRule.Value != true {
		t.Fatalf("rule result = %+v", gotRule)
	}
	if gotBatch.Tag == nil || len(gotBatch.Alarms) != 1 || !gotBatch.Alarms[0].Active {
		t.Fatalf("alarm batch = %+v", gotBatch)
	}
	if gotSupervision.AffectedTags != 2 || gotSupervision.Event.EntityID != 4 {
		t.Fatalf("supervision applied = %+v", gotSupervision)
	}
}

func TestBusWithoutSubscribersIsANoOp(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.PublishTagCommitted(context.Background(), TagCommitted{Tag: &model.Tag{ID: 1}})
	bus.PublishRuleResult(context.Background(), RuleResult{RuleID: 1})
}
