package supervision

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"plantmon-server/internal/model"
	"plantmon-server/internal/store"
)

const (
	defaultWorkers = 4
	maxWorkers     = 16
	defaultBatch   = 500
)

// Coordinator derives rule tags' supervision ancestry from their input tags
// at startup and rebuilds the reverse index. The derivation runs once over a
// bounded worker pool; completion is remembered in a state file so a restart
// only rebuilds the in-memory index. Steady-state ingestion must not start
// before Run returns.
type Coordinator struct {
	store     *store.Store
	index     *Index
	stateFile string
	workers   int
	batchSize int
	log       zerolog.Logger
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithWorkers bounds the pool size, clamped to at most 16.
func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBatchSize overrides how many keys one worker task processes.
func WithBatchSize(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithStateFile sets the completion flag file. Empty means the derivation
// runs on every start.
func WithStateFile(path string) CoordinatorOption {
	return func(c *Coordinator) { c.stateFile = path }
}

// NewCoordinator constructs the startup coordinator.
func NewCoordinator(st *store.Store, ix *Index, log zerolog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("supervision: nil store")
	}
	if ix == nil {
		return nil, fmt.Errorf("supervision: nil index")
	}
	c := &Coordinator{
		store:     st,
		index:     ix,
		workers:   defaultWorkers,
		batchSize: defaultBatch,
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers > maxWorkers {
		c.workers = maxWorkers
	}
	return c, nil
}

// Run performs the ancestry backfill (unless already completed) and rebuilds
// the reverse index.
func (c *Coordinator) Run(ctx context.Context) error {
	began := time.Now()
	keys := c.store.Keys()

	if c.completed() {
		c.rebuildIndex(keys)
		c.log.Info().Int("entities", len(keys)).Msg("supervision: ancestry already derived, index rebuilt")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for lo := 0; lo < len(keys); lo += c.batchSize {
		hi := lo + c.batchSize
		if hi > len(keys) {
			hi = len(keys)
		}
		batch := keys[lo:hi]
		g.Go(func() error { return c.processBatch(gctx, batch) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("supervision: backfill aborted: %w", err)
	}
	if err := c.markCompleted(); err != nil {
		return fmt.Errorf("supervision: persisting backfill flag: %w", err)
	}
	c.log.Info().Int("entities", len(keys)).Dur("took", time.Since(began)).Msg("supervision: ancestry backfill complete")
	return nil
}

func (c *Coordinator) processBatch(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tag, err := c.store.Tag(id)
		if err != nil {
			// Alarms and concurrently removed ids are not indexed here.
			continue
		}
		if tag.IsRule() {
			if err := c.backfillRule(ctx, id); err != nil {
				c.log.Warn().Err(err).Int64("rule", id).Msg("supervision: ancestry derivation failed")
			}
			if tag, err = c.store.Tag(id); err != nil {
				continue
			}
		}
		c.index.AddTag(tag)
	}
	return nil
}

func (c *Coordinator) backfillRule(ctx context.Context, id int64) error {
	ctx, unlock, err := c.store.AcquireWriteLock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	rule, err := c.store.TagCopy(id)
	if err != nil {
		return err
	}
	procs, equips, subs := DeriveAncestry(c.store, rule, c.log)
	if equalIDs(rule.ProcessIDs, procs) && equalIDs(rule.EquipmentIDs, equips) && equalIDs(rule.SubEquipmentIDs, subs) {
		return nil
	}
	rule.ProcessIDs, rule.EquipmentIDs, rule.SubEquipmentIDs = procs, equips, subs
	return c.store.PutQuiet(ctx, rule)
}

// DeriveAncestry walks a rule's inputs down to plain tags, unioning their
// supervision ids. Rule-of-rule chains are followed; a visited set guards
// against cycles and self-references. The configuration service uses it when
// a rule is created, the coordinator during the startup backfill.
func DeriveAncestry(st *store.Store, rule *model.Tag, log zerolog.Logger) (procs, equips, subs []int64) {
	pset := make(map[int64]struct{})
	eset := make(map[int64]struct{})
	sset := make(map[int64]struct{})
	visited := map[int64]bool{rule.ID: true}
	collectAncestry(st, rule, visited, pset, eset, sset, log)
	return sortedIDs(pset), sortedIDs(eset), sortedIDs(sset)
}

func collectAncestry(st *store.Store, t *model.Tag, visited map[int64]bool, pset, eset, sset map[int64]struct{}, log zerolog.Logger) {
	for _, inputID := range t.InputTagIDs() {
		if visited[inputID] {
			continue
		}
		visited[inputID] = true
		input, err := st.Tag(inputID)
		if err != nil {
			log.Warn().Int64("rule", t.ID).Int64("input", inputID).Msg("supervision: rule input unknown, partial ancestry")
			continue
		}
		if input.IsRule() {
			collectAncestry(st, input, visited, pset, eset, sset, log)
			continue
		}
		addAll(pset, input.ProcessIDs)
		addAll(eset, input.EquipmentIDs)
		addAll(sset, input.SubEquipmentIDs)
	}
}

func (c *Coordinator) rebuildIndex(keys []int64) {
	for _, id := range keys {
		if tag, err := c.store.Tag(id); err == nil {
			c.index.AddTag(tag)
		}
	}
}

func (c *Coordinator) completed() bool {
	if c.stateFile == "" {
		return false
	}
	_, err := os.Stat(c.stateFile)
	return err == nil
}

func (c *Coordinator) markCompleted() error {
	if c.stateFile == "" {
		return nil
	}
	content := fmt.Sprintf("ancestry backfill completed %s\n", time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(c.stateFile, []byte(content), 0o644)
}

func addAll(set map[int64]struct{}, ids []int64) {
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
