// Package progress aggregates chunk counters for many concurrent file
// transfers into per-file percentages and a count-based completion
// barrier.
package progress

import "sync"

// emitStep bounds UI churn: intermediate updates surface roughly every
// 5%, the final 100% always.
const emitStep = 5

// Tracker follows a fixed set of expected transfers. Update feeds raw
// chunk counters; the tracker decides which updates are worth emitting
// and fires onComplete exactly once when every expected transfer has
// reached 100%.
type Tracker struct {
	mu         sync.Mutex
	expected   int
	percents   map[string]int
	lastEmit   map[string]int
	completed  int
	done       bool
	onComplete func()
}

func NewTracker(expected int, onComplete func()) *Tracker {
	return &Tracker{
		expected:   expected,
		percents:   make(map[string]int),
		lastEmit:   make(map[string]int),
		onComplete: onComplete,
	}
}

// Update records that n of total chunks arrived for id and returns the
// current percentage plus whether the caller should surface it. A file
// smaller than one chunk arrives as (1, 1) and is reported as 100%
// immediately. Duplicate 100% updates are swallowed and never re-fire
// the barrier.
func (t *Tracker) Update(id string, n, total int) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	percent := n * 100 / total
	if percent > 100 {
		percent = 100
	}

	var complete func()
	t.mu.Lock()
	prev, known := t.percents[id]
	if percent <= prev && known {
		t.mu.Unlock()
		return percent, false
	}
	t.percents[id] = percent

	if percent == 100 {
		t.completed++
		if t.completed == t.expected && !t.done {
			t.done = true
			complete = t.onComplete
		}
	}

	emit := false
	last, emitted := t.lastEmit[id]
	if !emitted || percent == 100 || percent-last >= emitStep {
		t.lastEmit[id] = percent
		emit = true
	}
	t.mu.Unlock()

	if complete != nil {
		complete()
	}
	return percent, emit
}

// Percent returns the last known percentage for id.
func (t *Tracker) Percent(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percents[id]
}

// Snapshot returns a copy of the per-id percentage map.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.percents))
	for id, p := range t.percents {
		out[id] = p
	}
	return out
}

// Done reports whether the completion barrier has fired.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Reset discards all progress state, e.g. when the remote peer
// disconnects mid-transfer and the barrier can never fire.
func (t *Tracker) Reset(expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected = expected
	t.percents = make(map[string]int)
	t.lastEmit = make(map[string]int)
	t.completed = 0
	t.done = false
}
