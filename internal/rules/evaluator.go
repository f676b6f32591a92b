package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"plantmon-server/internal/model"
	"plantmon-server/internal/observability/metrics"
	"plantmon-server/internal/store"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Evaluator recomputes the rules depending on a changed tag. It registers as
// a store update listener, so evaluation happens synchronously on the
// goroutine driving the triggering update, while that tag's write lock is
// held. Results and invalidations go through the coalescer; one broken rule
// never stops its siblings.
type Evaluator struct {
	store   *store.Store
	results *Coalescer
	clock   Clock
	log     zerolog.Logger
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

// NewEvaluator constructs a rule evaluator.
func NewEvaluator(st *store.Store, results *Coalescer, log zerolog.Logger, opts ...EvaluatorOption) (*Evaluator, error) {
	if st == nil {
		return nil, errors.New("rules: nil store")
	}
	if results == nil {
		return nil, errors.New("rules: nil coalescer")
	}
	e := &Evaluator{
		store:   st,
		results: results,
		clock:   systemClock{},
		log:     log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EntityUpdated implements store.UpdateListener.
func (e *Evaluator) EntityUpdated(ctx context.Context, ent model.Entity) {
	tag, ok := ent.(*model.Tag)
	if !ok {
		return
	}
	if len(tag.RuleIDs) == 0 {
		return
	}
	e.log.Trace().Int64("tag", tag.ID).Ints64("rules", tag.RuleIDs).Msg("rules: triggering re-evaluation")
	for _, ruleID := range tag.RuleIDs {
		e.Evaluate(ctx, ruleID)
	}
}

// Evaluate recomputes a single rule under its write lock. The rule result
// carries the evaluation time as server timestamp. Failures of any kind
// invalidate this rule with UNKNOWN_REASON and leave the triggering chain
// untouched.
func (e *Evaluator) Evaluate(ctx context.Context, ruleID int64) {
	began := e.clock.Now()
	resultTime := began

	if e.store.HoldsWriteLock(ctx, ruleID) {
		// Self-triggering chain: a rule referencing itself re-enters here
		// from its own commit. The re-entrant lock keeps this safe.
		e.log.Info().Int64("rule", ruleID).Msg("rules: write lock already held while evaluating")
	}
	ctx, unlock, err := e.store.AcquireWriteLock(ctx, ruleID)
	if err != nil {
		e.log.Error().Err(err).Int64("rule", ruleID).Msg("rules: rule not found, unable to evaluate")
		return
	}
	defer unlock()

	rule, err := e.store.Tag(ruleID)
	if err != nil {
		e.log.Error().Err(err).Int64("rule", ruleID).Msg("rules: rule not found, unable to evaluate")
		return
	}
	if !rule.IsRule() || rule.Expression == nil {
		e.log.Error().Int64("rule", ruleID).Msg("rules: tag has no expression, unable to evaluate")
		return
	}

	inputIDs := rule.Expression.InputTagIDs()
	inputs := make(map[int64]*model.Tag, len(inputIDs))
	for _, inputID := range inputIDs {
		// No read lock on inputs: a concurrent change would trigger its own
		// re-evaluation anyway, and snapshots are never torn.
		input, err := e.store.Tag(inputID)
		if err != nil {
			e.log.Warn().Int64("rule", ruleID).Int64("input", inputID).
				Msg("rules: input tag not found, invalidating rule")
			e.invalidate(ruleID, fmt.Sprintf("unable to evaluate rule: required tag %d not in store", inputID), resultTime, began)
			return
		}
		inputs[inputID] = input
	}

	value, err := evaluateExpression(rule.Expression, inputs, rule.DataType)
	if err != nil {
		if errors.Is(err, model.ErrEvaluation) {
			e.log.Debug().Err(err).Int64("rule", ruleID).Msg("rules: expression failed, invalidating rule")
		} else {
			e.log.Error().Err(err).Int64("rule", ruleID).Msg("rules: unexpected evaluation error, invalidating rule")
		}
		e.invalidate(ruleID, err.Error(), resultTime, began)
		return
	}

	e.results.Offer(Result{RuleID: ruleID, Value: value, Timestamp: resultTime})
	metrics.ObserveRuleEvaluation(metrics.RuleResultOK, e.clock.Now().Sub(began))
}

func (e *Evaluator) invalidate(ruleID int64, message string, resultTime, began time.Time) {
	e.results.Offer(Result{RuleID: ruleID, Invalid: true, Message: message, Timestamp: resultTime})
	metrics.ObserveRuleEvaluation(metrics.RuleResultInvalidated, e.clock.Now().Sub(began))
}

// evaluateExpression shields the chain from misbehaving expression
// implementations: a panic surfaces as an evaluation error, which the caller
// turns into an UNKNOWN_REASON invalidation of this rule only.
func evaluateExpression(expr model.Expression, inputs map[int64]*model.Tag, dataType string) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.Evaluationf("expression panicked: %v", r)
		}
	}()
	return expr.Evaluate(inputs, dataType)
}
