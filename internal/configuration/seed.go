package configuration

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"plantmon-server/internal/alarms"
	"plantmon-server/internal/model"
	"plantmon-server/internal/rules"
)

// Seed is the declarative startup configuration: tags, rules and alarms
// applied through the service before ingestion starts.
type Seed struct {
	Tags   []TagSeed   `yaml:"tags"`
	Rules  []RuleSeed  `yaml:"rules"`
	Alarms []AlarmSeed `yaml:"alarms"`
}

// TagSeed declares a data or control tag.
type TagSeed struct {
	ID              int64   `yaml:"id"`
	Name            string  `yaml:"name"`
	Description     string  `yaml:"description"`
	DataType        string  `yaml:"dataType"`
	Control         bool    `yaml:"control"`
	Logged          bool    `yaml:"logged"`
	Mode            string  `yaml:"mode"`
	ProcessIDs      []int64 `yaml:"processIds"`
	EquipmentIDs    []int64 `yaml:"equipmentIds"`
	SubEquipmentIDs []int64 `yaml:"subEquipmentIds"`
}

// RuleSeed declares a rule tag with its expression.
type RuleSeed struct {
	ID          int64          `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	DataType    string         `yaml:"dataType"`
	Logged      bool           `yaml:"logged"`
	Expression  ExpressionSeed `yaml:"expression"`
}

// ExpressionSeed is the YAML form of a rule expression.
type ExpressionSeed struct {
	Type      string  `yaml:"type"`
	Input     int64   `yaml:"input"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Fn        string  `yaml:"fn"`
	Inputs    []int64 `yaml:"inputs"`
}

// AlarmSeed declares an alarm with its condition.
type AlarmSeed struct {
	ID          int64         `yaml:"id"`
	TagID       int64         `yaml:"tagId"`
	FaultFamily string        `yaml:"faultFamily"`
	FaultMember string        `yaml:"faultMember"`
	FaultCode   int           `yaml:"faultCode"`
	Condition   ConditionSeed `yaml:"condition"`
}

// ConditionSeed is the YAML form of an alarm condition.
type ConditionSeed struct {
	Type          string  `yaml:"type"`
	Op            string  `yaml:"op"`
	Level         float64 `yaml:"level"`
	Min           float64 `yaml:"min"`
	Max           float64 `yaml:"max"`
	ActiveInRange bool    `yaml:"activeInRange"`
	Match         any     `yaml:"match"`
}

// LoadSeed reads and decodes a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration: reading seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("configuration: parsing seed file: %w", err)
	}
	return &seed, nil
}

// Apply pushes the seed through the service: tags first, then rules, then
// alarms, so references resolve in order. The first invalid entry aborts.
func (s *Seed) Apply(ctx context.Context, svc *Service) error {
	for _, ts := range s.Tags {
		tag, err := ts.build()
		if err != nil {
			return fmt.Errorf("configuration: seed tag %d (%s): %w", ts.ID, ts.Name, err)
		}
		if err := svc.CreateTag(ctx, tag); err != nil {
			return fmt.Errorf("configuration: seed tag %d (%s): %w", ts.ID, ts.Name, err)
		}
	}
	for _, rs := range s.Rules {
		rule, err := rs.build()
		if err != nil {
			return fmt.Errorf("configuration: seed rule %d (%s): %w", rs.ID, rs.Name, err)
		}
		if err := svc.CreateRule(ctx, rule); err != nil {
			return fmt.Errorf("configuration: seed rule %d (%s): %w", rs.ID, rs.Name, err)
		}
	}
	for _, as := range s.Alarms {
		alarm, err := as.build()
		if err != nil {
			return fmt.Errorf("configuration: seed alarm %d: %w", as.ID, err)
		}
		if err := svc.CreateAlarm(ctx, alarm); err != nil {
			return fmt.Errorf("configuration: seed alarm %d: %w", as.ID, err)
		}
	}
	svc.log.Info().
		Int("tags", len(s.Tags)).
		Int("rules", len(s.Rules)).
		Int("alarms", len(s.Alarms)).
		Msg("seed configuration applied")
	return nil
}

func (ts TagSeed) build() (*model.Tag, error) {
	mode, err := parseMode(ts.Mode)
	if err != nil {
		return nil, err
	}
	kind := model.KindData
	if ts.Control {
		kind = model.KindControl
	}
	return &model.Tag{
		ID:              ts.ID,
		Name:            ts.Name,
		Description:     ts.Description,
		DataType:        ts.DataType,
		Kind:            kind,
		Mode:            mode,
		Logged:          ts.Logged,
		ProcessIDs:      ts.ProcessIDs,
		EquipmentIDs:    ts.EquipmentIDs,
		SubEquipmentIDs: ts.SubEquipmentIDs,
	}, nil
}

func (rs RuleSeed) build() (*model.Tag, error) {
	expr, err := rs.Expression.build()
	if err != nil {
		return nil, err
	}
	return &model.Tag{
		ID:          rs.ID,
		Name:        rs.Name,
		Description: rs.Description,
		DataType:    rs.DataType,
		Kind:        model.KindRule,
		Logged:      rs.Logged,
		Expression:  expr,
	}, nil
}

func (es ExpressionSeed) build() (model.Expression, error) {
	switch es.Type {
	case "comparison":
		return rules.NewComparison(es.Input, rules.Operator(es.Op), es.Threshold)
	case "aggregate":
		return rules.NewAggregate(rules.AggregateFn(strings.ToUpper(es.Fn)), es.Inputs)
	default:
		return nil, &model.ConfigurationError{Field: "expression.type", Reason: fmt.Sprintf("unknown type %q", es.Type)}
	}
}

func (as AlarmSeed) build() (*model.Alarm, error) {
	cond, err := as.Condition.build()
	if err != nil {
		return nil, err
	}
	return &model.Alarm{
		ID:          as.ID,
		TagID:       as.TagID,
		FaultFamily: as.FaultFamily,
		FaultMember: as.FaultMember,
		FaultCode:   as.FaultCode,
		Condition:   cond,
	}, nil
}

func (cs ConditionSeed) build() (model.Condition, error) {
	switch cs.Type {
	case "threshold":
		return alarms.NewThresholdCondition(alarms.Operator(cs.Op), cs.Level)
	case "range":
		return alarms.NewRangeCondition(cs.Min, cs.Max, cs.ActiveInRange)
	case "value":
		return alarms.NewValueCondition(cs.Match)
	default:
		return nil, &model.ConfigurationError{Field: "condition.type", Reason: fmt.Sprintf("unknown type %q", cs.Type)}
	}
}

func parseMode(mode string) (model.Mode, error) {
	switch strings.ToLower(mode) {
	case "", "operational":
		return model.ModeOperational, nil
	case "test":
		return model.ModeTest, nil
	case "maintenance":
		return model.ModeMaintenance, nil
	default:
		return 0, &model.ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
}
