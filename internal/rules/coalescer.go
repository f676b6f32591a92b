package rules

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultQuietWindow = 500 * time.Millisecond

// Result is the outcome of one evaluation pass for a rule: either a value or
// an UNKNOWN_REASON invalidation with a message.
type Result struct {
	RuleID    int64
	Value     any
	Invalid   bool
	Message   string
	Timestamp time.Time
}

// CommitFunc persists a settled result. Invoked on a flush goroutine with a
// fresh lock scope; the committing side acquires the rule's write lock
// itself.
type CommitFunc func(res Result)

// Coalescer clusters rapid successive results for the same rule into a
// single commit. Each offered result restarts the rule's quiet window; the
// window elapsing commits the latest result. A burst of evaluations caused
// by several inputs changing near-simultaneously therefore surfaces as one
// externally visible update. Results for distinct rules buffer
// independently.
//
// Commits are serialized: at most one commit chain runs at any instant, so
// rule-of-rule cascades triggered from a commit can never take entity locks
// concurrently with another commit chain.
type Coalescer struct {
	mu      sync.Mutex
	pending map[int64]*pendingResult
	window  time.Duration
	closed  bool

	// commitMu enforces the single-committer discipline across timer
	// goroutines and Flush callers.
	commitMu sync.Mutex
	commit   CommitFunc

	log zerolog.Logger
}

type pendingResult struct {
	latest Result
	timer  *time.Timer
}

// CoalescerOption configures the coalescer.
type CoalescerOption func(*Coalescer)

// WithQuietWindow overrides the debounce window.
func WithQuietWindow(d time.Duration) CoalescerOption {
	return func(c *Coalescer) {
		if d > 0 {
			c.window = d
		}
	}
}

// NewCoalescer constructs a coalescer committing settled results through
// commit.
func NewCoalescer(commit CommitFunc, log zerolog.Logger, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		pending: make(map[int64]*pendingResult),
		window:  defaultQuietWindow,
		commit:  commit,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offer buffers a result for the rule, replacing any pending one and
// restarting the quiet window. After Close, results offered by still-running
// chains are parked for the closing drain loop instead of being scheduled.
func (c *Coalescer) Offer(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[res.RuleID]; ok {
		p.latest = res
		if p.timer != nil {
			p.timer.Reset(c.window)
		}
		return
	}
	p := &pendingResult{latest: res}
	if !c.closed {
		id := res.RuleID
		p.timer = time.AfterFunc(c.window, func() { c.flushRule(id) })
	}
	c.pending[res.RuleID] = p
}

// flushRule commits whatever is pending for one rule. A timer firing while a
// newer result is offered finds the entry refreshed and commits that newer
// result; the reset timer then finds nothing.
func (c *Coalescer) flushRule(id int64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	p.timer.Stop()
	res := p.latest
	c.mu.Unlock()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	c.commit(res)
}

// Flush synchronously commits everything pending, including results that
// commit chains buffer while the drain is running. Used at shutdown and by
// tests; steady state relies on the timers.
func (c *Coalescer) Flush() {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	for {
		batch := c.takePending()
		if len(batch) == 0 {
			return
		}
		for _, res := range batch {
			c.commit(res)
		}
	}
}

func (c *Coalescer) takePending() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	batch := make([]Result, 0, len(c.pending))
	for id, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		batch = append(batch, p.latest)
		delete(c.pending, id)
	}
	return batch
}

// Close stops scheduling and drains what is pending. Callers must stop the
// update sources first; results offered after Close returns are dropped.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Flush()
}

// Backlog returns the number of rules with a pending result, for gauges.
func (c *Coalescer) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
