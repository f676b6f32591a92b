package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
	"plantmon-server/internal/store"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

// panicExpr stands in for a misbehaving pluggable expression.
type panicExpr struct{ input int64 }

func (p panicExpr) InputTagIDs() []int64 { return []int64{p.input} }
func (p panicExpr) Evaluate(map[int64]*model.Tag, string) (any, error) {
	panic("boom")
}

func newTestEvaluator(t *testing.T) (*Evaluator, *store.Store, *commitRecorder, *Coalescer) {
	t.Helper()
	st := store.New(zerolog.Nop())
	rec := &commitRecorder{}
	c := NewCoalescer(rec.commit, zerolog.Nop(), WithQuietWindow(time.Hour))
	clock := &stubClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	ev, err := NewEvaluator(st, c, zerolog.Nop(), WithClock(clock))
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev, st, rec, c
}

func insertRule(t *testing.T, st *store.Store, id int64, expr model.Expression) {
	t.Helper()
	rule := &model.Tag{ID: id, Kind: model.KindRule, Expression: expr}
	if err := st.Insert(rule); err != nil {
		t.Fatalf("insert rule %d: %v", id, err)
	}
}

func TestEvaluateOffersResult(t *testing.T) {
	ev, st, rec, c := newTestEvaluator(t)

	if err := st.Insert(&model.Tag{ID: 5, Kind: model.KindData, Value: 10.0}); err != nil {
		t.Fatalf("insert input: %v", err)
	}
	expr, _ := NewComparison(5, OpGreater, 3)
	insertRule(t, st, 100, expr)

	ev.Evaluate(context.Background(), 100)
	c.Flush()

	results := rec.snapshot()
	if len(results) != 1 {
		t.Fatalf("committed = %d, want 1", len(results))
	}
	res := results[0]
	if res.RuleID != 100 || res.Invalid {
		t.Fatalf("result = %+v, want valid result for rule 100", res)
	}
	if res.Value != true {
		t.Fatalf("value = %v, want true", res.Value)
	}
	if !res.Timestamp.Equal(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v, want the evaluation time", res.Timestamp)
	}
}

func TestEvaluateMissingInputInvalidates(t *testing.T) {
	ev, st, rec, c := newTestEvaluator(t)

	expr, _ := NewComparison(9, OpGreater, 3)
	insertRule(t, st, 100, expr)

	ev.Evaluate(context.Background(), 100)
	c.Flush()

	results := rec.snapshot()
	if len(results) != 1 || !results[0].Invalid {
		t.Fatalf("results = %+v, want one invalidation", results)
	}
	if want := "unable to evaluate rule: required tag 9 not in store"; results[0].Message != want {
		t.Fatalf("message = %q, want %q", results[0].Message, want)
	}
}

func TestEvaluateInvalidInputInvalidates(t *testing.T) {
	ev, st, rec, c := newTestEvaluator(t)

	input := &model.Tag{ID: 5, Kind: model.KindData, Value: 10.0}
	input.Quality.Set(model.StatusEquipmentDown, "Equipment 3 is down")
	if err := st.Insert(input); err != nil {
		t.Fatalf("insert input: %v", err)
	}
	expr, _ := NewComparison(5, OpGreater, 3)
	insertRule(t, st, 100, expr)

	ev.Evaluate(context.Background(), 100)
	c.Flush()

	results := rec.snapshot()
	if len(results) != 1 || !results[0].Invalid {
		t.Fatalf("results = %+v, want one invalidation", results)
	}
	if !strings.Contains(results[0].Message, "invalid") {
		t.Fatalf("message = %q, should name the invalid input", results[0].Message)
	}
}

func TestEvaluatePanickingExpressionInvalidates(t *testing.T) {
	ev, st, rec, c := newTestEvaluator(t)

	if err := st.Insert(&model.Tag{ID: 5, Kind: model.KindData, Value: 1.0}); err != nil {
		t.Fatalf("insert input: %v", err)
	}
	insertRule(t, st, 100, panicExpr{input: 5})

	ev.Evaluate(context.Background(), 100)
	c.Flush()

	results := rec.snapshot()
	if len(results) != 1 || !results[0].Invalid {
		t.Fatalf("results = %+v, want one invalidation", results)
	}
	if !strings.Contains(results[0].Message, "expression panicked") {
		t.Fatalf("message = %q", results[0].Message)
	}
}

func TestEvaluateUnknownRuleIsSilent(t *testing.T) {
	ev, _, rec, c := newTestEvaluator(t)
	ev.Evaluate(context.Background(), 999)
	c.Flush()
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("committed = %d, want none for unknown rule", got)
	}
}

func TestEntityUpdatedEvaluatesDependents(t *testing.T) {
	ev, st, rec, c := newTestEvaluator(t)

	input := &model.Tag{ID: 5, Kind: model.KindData, Value: 10.0, RuleIDs: []int64{100, 101}}
	if err := st.Insert(input); err != nil {
		t.Fatalf("insert input: %v", err)
	}
	okExpr, _ := NewComparison(5, OpGreater, 3)
	insertRule(t, st, 100, okExpr)
	brokenExpr, _ := NewComparison(9, OpGreater, 3)
	insertRule(t, st, 101, brokenExpr)

	ev.EntityUpdated(context.Background(), input)
	c.Flush()

	results := rec.snapshot()
	if len(results) != 2 {
		t.Fatalf("committed = %d, want both dependent rules", len(results))
	}
	byRule := map[int64]Result{}
	for _, res := range results {
		byRule[res.RuleID] = res
	}
	if byRule[100].Invalid {
		t.Fatal("healthy rule must not be invalidated by its broken sibling")
	}
	if !byRule[101].Invalid {
		t.Fatal("rule with a missing input must be invalidated")
	}
}

func TestEntityUpdatedIgnoresNonTags(t *testing.T) {
	ev, _, rec, c := newTestEvaluator(t)
	ev.EntityUpdated(context.Background(), &model.Alarm{ID: 1})
	c.Flush()
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("committed = %d, want none", got)
	}
}
