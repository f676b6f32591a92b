package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type commitRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *commitRecorder) commit(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *commitRecorder) snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoalescerClustersBurst(t *testing.T) {
	rec := &commitRecorder{}
	c := NewCoalescer(rec.commit, zerolog.Nop(), WithQuietWindow(20*time.Millisecond))
	defer c.Close()

	c.Offer(Result{RuleID: 1, Value: 1.0})
	c.Offer(Result{RuleID: 1, Value: 2.0})
	c.Offer(Result{RuleID: 1, Value: 3.0})

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	// The window must have settled on the newest result, exactly once.
	time.Sleep(50 * time.Millisecond)
	results := rec.snapshot()
	if len(results) != 1 {
		t.Fatalf("committed = %d, want the burst coalesced into 1", len(results))
	}
	if results[0].Value != 3.0 {
		t.Fatalf("committed value = %v, want the latest offered (3.0)", results[0].Value)
	}
}

func TestCoalescerIndependentRules(t *testing.T) {
	rec := &commitRecorder{}
	c := NewCoalescer(rec.commit, zerolog.Nop(), WithQuietWindow(10*time.Millisecond))
	defer c.Close()

	c.Offer(Result{RuleID: 1, Value: 1.0})
	c.Offer(Result{RuleID: 2, Value: 2.0})

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 2 })
}

func TestCoalescerFlushCommitsPending(t *testing.T) {
	rec := &commitRecorder{}
	c := NewCoalescer(rec.commit, zerolog.Nop(), WithQuietWindow(time.Hour))
	defer c.Close()

	c.Offer(Result{RuleID: 1, Value: 1.0})
	c.Offer(Result{RuleID: 2, Value: 2.0})
	if got := c.Backlog(); got != 2 {
		t.Fatalf("backlog = %d, want 2", got)
	}

	c.Flush()
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("committed = %d, want 2", got)
	}
	if got := c.Backlog(); got != 0 {
		t.Fatalf("backlog after flush = %d, want 0", got)
	}
}

func TestCoalescerCloseDrainsChainedOffers(t *testing.T) {
	rec := &commitRecorder{}
	var c *Coalescer
	// A committing rule feeding another rule offers from inside the commit.
	chaining := func(res Result) {
		rec.commit(res)
		if res.RuleID == 1 {
			c.Offer(Result{RuleID: 2, Value: res.Value})
		}
	}
	c = NewCoalescer(chaining, zerolog.Nop(), WithQuietWindow(time.Hour))

	c.Offer(Result{RuleID: 1, Value: 7.0})
	c.Close()

	results := rec.snapshot()
	if len(results) != 2 {
		t.Fatalf("committed = %d, want the offered and the chained result", len(results))
	}
	seen := map[int64]bool{}
	for _, res := range results {
		seen[res.RuleID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("committed rules = %v, want 1 and 2", seen)
	}
}

func TestCoalescerOfferAfterCloseIsDropped(t *testing.T) {
	rec := &commitRecorder{}
	c := NewCoalescer(rec.commit, zerolog.Nop(), WithQuietWindow(time.Millisecond))
	c.Close()

	c.Offer(Result{RuleID: 1, Value: 1.0})
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("committed = %d, post-close offers must not schedule", got)
	}
}
