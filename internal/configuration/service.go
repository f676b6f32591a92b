// Package configuration is the runtime surface for creating, updating and
// removing tags, rules and alarms. Every mutation runs under the owning
// entity's write lock; inverse relations (a tag's ruleIds and alarmIds) are
// maintained here and nowhere else. Writes stay quiet: reconfiguring an
// entity never fires the propagation chain.
package configuration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
	"plantmon-server/internal/store"
	"plantmon-server/internal/supervision"
)

// Service applies configuration requests to the store and keeps the
// supervision index aligned.
type Service struct {
	store *store.Store
	index *supervision.Index
	log   zerolog.Logger
}

// NewService constructs the configuration service.
func NewService(st *store.Store, ix *supervision.Index, log zerolog.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("configuration: nil store")
	}
	if ix == nil {
		return nil, errors.New("configuration: nil supervision index")
	}
	return &Service{
		store: st,
		index: ix,
		log:   log.With().Str("component", "configuration").Logger(),
	}, nil
}

// CreateTag registers a data or control tag. If the id was auto-created by
// an early update, the placeholder is adopted: configuration fields are
// overwritten, the value state and any relations gathered so far survive.
func (s *Service) CreateTag(ctx context.Context, tag *model.Tag) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if tag.Kind == model.KindRule {
		return &model.ConfigurationError{Field: "kind", Reason: "rules are created through CreateRule"}
	}

	if existing, err := s.store.Tag(tag.ID); err == nil {
		if existing.Mode != model.ModeUnconfigured {
			return fmt.Errorf("configuration: create tag %d: %w", tag.ID, model.ErrAlreadyExists)
		}
		return s.adoptPlaceholder(ctx, tag)
	}

	if tag.Value == nil {
		tag.Quality.Set(model.StatusUninitialised, "no value received yet")
	}
	if err := s.store.Insert(tag); err != nil {
		return err
	}
	s.index.AddTag(tag)
	s.log.Info().Int64("tag", tag.ID).Str("name", tag.Name).Str("kind", tag.Kind.String()).Msg("tag created")
	return nil
}

// adoptPlaceholder upgrades an UNCONFIGURED tag in place.
func (s *Service) adoptPlaceholder(ctx context.Context, tag *model.Tag) error {
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, tag.ID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.store.TagCopy(tag.ID)
	if err != nil {
		return err
	}
	s.index.RemoveTag(current)

	current.Name = tag.Name
	current.Description = tag.Description
	current.DataType = tag.DataType
	current.Kind = tag.Kind
	current.Mode = tag.Mode
	current.Logged = tag.Logged
	current.ProcessIDs = append([]int64(nil), tag.ProcessIDs...)
	current.EquipmentIDs = append([]int64(nil), tag.EquipmentIDs...)
	current.SubEquipmentIDs = append([]int64(nil), tag.SubEquipmentIDs...)

	if err := s.store.PutQuiet(ctx, current); err != nil {
		return err
	}
	s.index.AddTag(current)
	s.log.Info().Int64("tag", tag.ID).Str("name", tag.Name).Msg("unconfigured tag adopted")
	return nil
}

// UpdateTag reconfigures an existing tag. Value state, relations and, for
// rules, the expression are untouched; only descriptive fields, mode, the
// logging flag and the supervision ancestry change.
func (s *Service) UpdateTag(ctx context.Context, tag *model.Tag) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, tag.ID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.store.TagCopy(tag.ID)
	if err != nil {
		return err
	}
	if tag.Kind != current.Kind {
		return &model.ConfigurationError{Field: "kind", Reason: "cannot be changed after creation"}
	}
	s.index.RemoveTag(current)

	current.Name = tag.Name
	current.Description = tag.Description
	current.DataType = tag.DataType
	current.Mode = tag.Mode
	current.Logged = tag.Logged
	current.ProcessIDs = append([]int64(nil), tag.ProcessIDs...)
	current.EquipmentIDs = append([]int64(nil), tag.EquipmentIDs...)
	current.SubEquipmentIDs = append([]int64(nil), tag.SubEquipmentIDs...)

	if err := s.store.PutQuiet(ctx, current); err != nil {
		return err
	}
	s.index.AddTag(current)
	s.log.Info().Int64("tag", tag.ID).Str("name", tag.Name).Msg("tag updated")
	return nil
}

// RemoveTag deletes a data or control tag and its attached alarms. Rules
// still referencing the tag as an input are left alone; their next
// evaluation invalidates them with UNKNOWN_REASON.
func (s *Service) RemoveTag(ctx context.Context, id int64) error {
	tag, err := s.store.Tag(id)
	if err != nil {
		return err
	}
	if tag.IsRule() {
		return &model.ConfigurationError{Field: "id", Reason: "rules are removed through RemoveRule"}
	}
	return s.removeTagEntity(ctx, id)
}

// RemoveRule deletes a rule tag: it is deregistered from every input tag
// first, so no in-flight evaluation chain can be waiting on the rule's lock
// when it disappears.
func (s *Service) RemoveRule(ctx context.Context, id int64) error {
	rule, err := s.store.Tag(id)
	if err != nil {
		return err
	}
	if !rule.IsRule() {
		return &model.ConfigurationError{Field: "id", Reason: "not a rule"}
	}
	for _, inputID := range rule.InputTagIDs() {
		if err := s.detachRule(ctx, inputID, id); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	return s.removeTagEntity(ctx, id)
}

func (s *Service) removeTagEntity(ctx context.Context, id int64) error {
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	tag, err := s.store.TagCopy(id)
	if err != nil {
		return err
	}
	for _, alarmID := range tag.AlarmIDs {
		if err := s.store.Remove(alarmID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	s.index.RemoveTag(tag)
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.log.Info().Int64("tag", id).Int("alarms", len(tag.AlarmIDs)).Str("kind", tag.Kind.String()).Msg("tag removed")
	return nil
}

// CreateRule registers a rule tag. The expression must be present with a
// non-empty input set; the rule id is registered into every input tag's
// ruleIds. Inputs the store does not know yet are auto-created as
// unconfigured tags, mirroring the inbound update path. The rule's
// supervision ancestry is derived from its inputs.
func (s *Service) CreateRule(ctx context.Context, rule *model.Tag) error {
	if err := validateTag(rule); err != nil {
		return err
	}
	if rule.Expression == nil {
		return &model.ConfigurationError{Field: "expression", Reason: "must be set"}
	}
	inputs := rule.Expression.InputTagIDs()
	if len(inputs) == 0 {
		return &model.ConfigurationError{Field: "inputs", Reason: "must not be empty"}
	}

	rule.Kind = model.KindRule
	if rule.Value == nil {
		rule.Quality.Set(model.StatusUninitialised, "no evaluation yet")
	}
	if err := s.store.Insert(rule); err != nil {
		return err
	}

	for _, inputID := range inputs {
		if inputID == rule.ID {
			// A rule never registers as its own trigger; a self-reference
			// only reads the previous value during evaluation.
			continue
		}
		if !s.store.Has(inputID) {
			if err := s.store.Insert(model.NewUnconfiguredTag(inputID)); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
				return err
			}
			s.log.Info().Int64("tag", inputID).Int64("rule", rule.ID).Msg("auto-created unconfigured input tag")
		}
		if err := s.attachRule(ctx, inputID, rule.ID); err != nil {
			return err
		}
	}

	if err := s.deriveRuleAncestry(ctx, rule.ID); err != nil {
		return err
	}
	tag, err := s.store.Tag(rule.ID)
	if err != nil {
		return err
	}
	s.index.AddTag(tag)
	s.log.Info().Int64("rule", rule.ID).Str("name", rule.Name).Ints64("inputs", inputs).Msg("rule created")
	return nil
}

// CreateAlarm registers an alarm and attaches it to its tag.
func (s *Service) CreateAlarm(ctx context.Context, alarm *model.Alarm) error {
	if alarm == nil {
		return &model.ConfigurationError{Field: "alarm", Reason: "must be set"}
	}
	if alarm.ID <= 0 {
		return &model.ConfigurationError{Field: "id", Reason: "must be positive"}
	}
	if err := alarm.Validate(); err != nil {
		return err
	}
	if !s.store.Has(alarm.TagID) {
		return &model.ConfigurationError{Field: "tagId", Reason: fmt.Sprintf("tag %d not found", alarm.TagID)}
	}

	ctx, unlock, err := s.store.AcquireWriteLock(ctx, alarm.TagID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Insert(alarm); err != nil {
		return err
	}
	tag, err := s.store.TagCopy(alarm.TagID)
	if err != nil {
		return err
	}
	tag.AlarmIDs = appendID(tag.AlarmIDs, alarm.ID)
	if err := s.store.PutQuiet(ctx, tag); err != nil {
		return err
	}
	s.log.Info().Int64("alarm", alarm.ID).Int64("tag", alarm.TagID).Str("fault", alarm.FaultID()).Msg("alarm created")
	return nil
}

// RemoveAlarm detaches an alarm from its tag and deletes it.
func (s *Service) RemoveAlarm(ctx context.Context, id int64) error {
	alarm, err := s.store.Alarm(id)
	if err != nil {
		return err
	}

	ctx, unlock, err := s.store.AcquireWriteLock(ctx, alarm.TagID)
	if err == nil {
		defer unlock()
		tag, tagErr := s.store.TagCopy(alarm.TagID)
		if tagErr == nil {
			tag.AlarmIDs = removeID(tag.AlarmIDs, id)
			if putErr := s.store.PutQuiet(ctx, tag); putErr != nil {
				return putErr
			}
		}
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.log.Info().Int64("alarm", id).Int64("tag", alarm.TagID).Msg("alarm removed")
	return nil
}

// attachRule records ruleID in the input tag's ruleIds under that tag's lock.
func (s *Service) attachRule(ctx context.Context, tagID, ruleID int64) error {
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, tagID)
	if err != nil {
		return err
	}
	defer unlock()

	tag, err := s.store.TagCopy(tagID)
	if err != nil {
		return err
	}
	tag.RuleIDs = appendID(tag.RuleIDs, ruleID)
	return s.store.PutQuiet(ctx, tag)
}

// detachRule removes ruleID from the input tag's ruleIds.
func (s *Service) detachRule(ctx context.Context, tagID, ruleID int64) error {
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, tagID)
	if err != nil {
		return err
	}
	defer unlock()

	tag, err := s.store.TagCopy(tagID)
	if err != nil {
		return err
	}
	tag.RuleIDs = removeID(tag.RuleIDs, ruleID)
	return s.store.PutQuiet(ctx, tag)
}

func (s *Service) deriveRuleAncestry(ctx context.Context, ruleID int64) error {
	ctx, unlock, err := s.store.AcquireWriteLock(ctx, ruleID)
	if err != nil {
		return err
	}
	defer unlock()

	rule, err := s.store.TagCopy(ruleID)
	if err != nil {
		return err
	}
	rule.ProcessIDs, rule.EquipmentIDs, rule.SubEquipmentIDs = supervision.DeriveAncestry(s.store, rule, s.log)
	return s.store.PutQuiet(ctx, rule)
}

func validateTag(t *model.Tag) error {
	if t == nil {
		return &model.ConfigurationError{Field: "tag", Reason: "must be set"}
	}
	if t.ID <= 0 {
		return &model.ConfigurationError{Field: "id", Reason: "must be positive"}
	}
	if t.Name == "" {
		return &model.ConfigurationError{Field: "name", Reason: "must not be empty"}
	}
	return nil
}

func appendID(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
