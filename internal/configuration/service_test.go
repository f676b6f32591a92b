package configuration

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"plantmon-server/internal/alarms"
	"plantmon-server/internal/model"
	"plantmon-server/internal/rules"
	"plantmon-server/internal/store"
	"plantmon-server/internal/supervision"
)

func newTestService(t *testing.T) (*Service, *store.Store, *supervision.Index) {
	t.Helper()
	st := store.New(zerolog.Nop())
	ix := supervision.NewIndex()
	svc, err := NewService(st, ix, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st, ix
}

func dataTag(id int64, name string) *model.Tag {
	return &model.Tag{ID: id, Name: name, Kind: model.KindData, DataType: "float64"}
}

func mustCreateTag(t *testing.T, svc *Service, tag *model.Tag) {
	t.Helper()
	if err := svc.CreateTag(context.Background(), tag); err != nil {
		t.Fatalf("CreateTag(%d): %v", tag.ID, err)
	}
}

func mustCreateRule(t *testing.T, svc *Service, rule *model.Tag) {
	t.Helper()
	if err := svc.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("CreateRule(%d): %v", rule.ID, err)
	}
}

func comparisonRule(t *testing.T, id int64, name string, input int64) *model.Tag {
	t.Helper()
	expr, err := rules.NewComparison(input, rules.OpGreater, 10)
	if err != nil {
		t.Fatalf("NewComparison: %v", err)
	}
	return &model.Tag{ID: id, Name: name, Kind: model.KindRule, Expression: expr}
}

func thresholdAlarm(t *testing.T, id, tagID int64) *model.Alarm {
	t.Helper()
	cond, err := alarms.NewThresholdCondition(alarms.OperatorGreater, 50)
	if err != nil {
		t.Fatalf("NewThresholdCondition: %v", err)
	}
	return &model.Alarm{ID: id, TagID: tagID, FaultFamily: "COOLING", FaultMember: "PUMP_1", FaultCode: 3, Condition: cond}
}

func TestCreateTagValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.CreateTag(ctx, &model.Tag{ID: 0, Name: "x"}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("zero id: err = %v", err)
	}
	if err := svc.CreateTag(ctx, &model.Tag{ID: 1}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("empty name: err = %v", err)
	}
	if err := svc.CreateTag(ctx, &model.Tag{ID: 1, Name: "x", Kind: model.KindRule}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("rule kind: err = %v", err)
	}

	mustCreateTag(t, svc, dataTag(1, "flow"))
	if err := svc.CreateTag(ctx, dataTag(1, "flow-again")); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("duplicate: err = %v", err)
	}
}

func TestCreateTagMarksUninitialised(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))

	tag, _ := st.Tag(1)
	if !tag.Quality.Has(model.StatusUninitialised) {
		t.Fatal("fresh tag must carry UNINITIALISED until a value arrives")
	}
}

func TestCreateTagIndexesSupervisionAncestry(t *testing.T) {
	svc, _, ix := newTestService(t)
	tag := dataTag(1, "flow")
	tag.ProcessIDs = []int64{7}
	mustCreateTag(t, svc, tag)

	if got := ix.TagsFor(model.EntityProcess, 7); len(got) != 1 || got[0] != 1 {
		t.Fatalf("index = %v, want [1]", got)
	}
}

func TestCreateTagAdoptsPlaceholder(t *testing.T) {
	svc, st, ix := newTestService(t)

	// An early update auto-created the tag and a rule already references it.
	placeholder := model.NewUnconfiguredTag(1)
	placeholder.Value = 3.5
	placeholder.RuleIDs = []int64{100}
	if err := st.Insert(placeholder); err != nil {
		t.Fatalf("insert placeholder: %v", err)
	}

	tag := dataTag(1, "flow")
	tag.ProcessIDs = []int64{7}
	tag.Logged = true
	mustCreateTag(t, svc, tag)

	got, _ := st.Tag(1)
	if got.Mode == model.ModeUnconfigured {
		t.Fatal("adoption must leave UNCONFIGURED mode")
	}
	if got.Name != "flow" || !got.Logged {
		t.Fatalf("adopted tag = %+v, configuration fields not applied", got)
	}
	if got.Value != 3.5 {
		t.Fatalf("value = %v, adoption must keep the value state", got.Value)
	}
	if len(got.RuleIDs) != 1 || got.RuleIDs[0] != 100 {
		t.Fatalf("ruleIds = %v, adoption must keep relations", got.RuleIDs)
	}
	if got := ix.TagsFor(model.EntityProcess, 7); len(got) != 1 {
		t.Fatalf("index = %v, want the adopted tag", got)
	}
}

func TestUpdateTagReconfiguresWithoutTouchingValueState(t *testing.T) {
	svc, st, ix := newTestService(t)
	tag := dataTag(1, "flow")
	tag.ProcessIDs = []int64{7}
	mustCreateTag(t, svc, tag)

	// Simulate a live value.
	ctx, unlock, err := st.AcquireWriteLock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	live, _ := st.TagCopy(1)
	live.Value = 9.0
	live.Quality = model.Quality{}
	if err := st.PutQuiet(ctx, live); err != nil {
		t.Fatalf("put: %v", err)
	}
	unlock()

	updated := dataTag(1, "flow-renamed")
	updated.ProcessIDs = []int64{8}
	if err := svc.UpdateTag(context.Background(), updated); err != nil {
		t.Fatalf("UpdateTag: %v", err)
	}

	got, _ := st.Tag(1)
	if got.Name != "flow-renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.Value != 9.0 {
		t.Fatalf("value = %v, update must not touch value state", got.Value)
	}
	if len(ix.TagsFor(model.EntityProcess, 7)) != 0 {
		t.Fatal("old ancestry must be dropped from the index")
	}
	if got := ix.TagsFor(model.EntityProcess, 8); len(got) != 1 {
		t.Fatalf("new ancestry not indexed: %v", got)
	}
}

func TestUpdateTagRejectsKindChange(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))

	control := &model.Tag{ID: 1, Name: "flow", Kind: model.KindControl}
	if err := svc.UpdateTag(context.Background(), control); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestCreateRuleRegistersInverseRelations(t *testing.T) {
	svc, st, ix := newTestService(t)
	input := dataTag(1, "flow")
	input.ProcessIDs = []int64{7}
	mustCreateTag(t, svc, input)

	mustCreateRule(t, svc, comparisonRule(t, 100, "flow-high", 1))

	got, _ := st.Tag(1)
	if len(got.RuleIDs) != 1 || got.RuleIDs[0] != 100 {
		t.Fatalf("input ruleIds = %v, want [100]", got.RuleIDs)
	}
	rule, _ := st.Tag(100)
	if rule.Kind != model.KindRule {
		t.Fatalf("kind = %s", rule.Kind)
	}
	if !rule.Quality.Has(model.StatusUninitialised) {
		t.Fatal("fresh rule must carry UNINITIALISED")
	}
	if len(rule.ProcessIDs) != 1 || rule.ProcessIDs[0] != 7 {
		t.Fatalf("rule ancestry = %v, want derived [7]", rule.ProcessIDs)
	}
	if got := ix.TagsFor(model.EntityProcess, 7); len(got) != 2 {
		t.Fatalf("index = %v, want input and rule", got)
	}
}

func TestCreateRuleAutoCreatesMissingInputs(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateRule(t, svc, comparisonRule(t, 100, "ghost-high", 9))

	input, err := st.Tag(9)
	if err != nil {
		t.Fatalf("input not auto-created: %v", err)
	}
	if input.Mode != model.ModeUnconfigured {
		t.Fatalf("mode = %s, want UNCONFIGURED", input.Mode)
	}
	if len(input.RuleIDs) != 1 || input.RuleIDs[0] != 100 {
		t.Fatalf("ruleIds = %v, want [100]", input.RuleIDs)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	noExpr := &model.Tag{ID: 100, Name: "r", Kind: model.KindRule}
	if err := svc.CreateRule(ctx, noExpr); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("missing expression: err = %v", err)
	}
}

func TestRemoveRuleDetachesFromInputs(t *testing.T) {
	svc, st, ix := newTestService(t)
	input := dataTag(1, "flow")
	input.ProcessIDs = []int64{7}
	mustCreateTag(t, svc, input)
	mustCreateRule(t, svc, comparisonRule(t, 100, "flow-high", 1))

	if err := svc.RemoveRule(context.Background(), 100); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	got, _ := st.Tag(1)
	if len(got.RuleIDs) != 0 {
		t.Fatalf("ruleIds = %v, want empty after detach", got.RuleIDs)
	}
	if st.Has(100) {
		t.Fatal("rule must be gone")
	}
	for _, id := range ix.TagsFor(model.EntityProcess, 7) {
		if id == 100 {
			t.Fatal("removed rule must leave the index")
		}
	}
}

func TestRemoveRuleRejectsPlainTag(t *testing.T) {
	svc, _, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))
	if err := svc.RemoveRule(context.Background(), 1); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestRemoveTagCascadesAlarms(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))
	if err := svc.CreateAlarm(context.Background(), thresholdAlarm(t, 200, 1)); err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}

	if err := svc.RemoveTag(context.Background(), 1); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	if st.Has(1) || st.Has(200) {
		t.Fatal("tag and its alarms must be gone")
	}
}

func TestRemoveTagKeepsReferencingRules(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))
	mustCreateRule(t, svc, comparisonRule(t, 100, "flow-high", 1))

	if err := svc.RemoveTag(context.Background(), 1); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	if !st.Has(100) {
		t.Fatal("rule referencing the removed tag must survive")
	}
}

func TestCreateAlarmAttachesToTag(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))

	if err := svc.CreateAlarm(context.Background(), thresholdAlarm(t, 200, 1)); err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}

	tag, _ := st.Tag(1)
	if len(tag.AlarmIDs) != 1 || tag.AlarmIDs[0] != 200 {
		t.Fatalf("alarmIds = %v, want [200]", tag.AlarmIDs)
	}
}

func TestCreateAlarmValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	mustCreateTag(t, svc, dataTag(1, "flow"))

	missing := thresholdAlarm(t, 200, 99)
	if err := svc.CreateAlarm(ctx, missing); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("unknown tag: err = %v", err)
	}

	longFamily := thresholdAlarm(t, 200, 1)
	longFamily.FaultFamily = string(make([]byte, 65))
	if err := svc.CreateAlarm(ctx, longFamily); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("overlong family: err = %v", err)
	}

	noCondition := thresholdAlarm(t, 200, 1)
	noCondition.Condition = nil
	if err := svc.CreateAlarm(ctx, noCondition); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("missing condition: err = %v", err)
	}
}

func TestRemoveAlarmDetachesFromTag(t *testing.T) {
	svc, st, _ := newTestService(t)
	mustCreateTag(t, svc, dataTag(1, "flow"))
	if err := svc.CreateAlarm(context.Background(), thresholdAlarm(t, 200, 1)); err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}

	if err := svc.RemoveAlarm(context.Background(), 200); err != nil {
		t.Fatalf("RemoveAlarm: %v", err)
	}
	tag, _ := st.Tag(1)
	if len(tag.AlarmIDs) != 0 {
		t.Fatalf("alarmIds = %v, want empty", tag.AlarmIDs)
	}
	if st.Has(200) {
		t.Fatal("alarm must be gone")
	}
}
