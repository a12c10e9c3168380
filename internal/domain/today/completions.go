package today

import (
	"sync"
	"time"
)

// CompletionSet tracks which todo keys the user has checked off. Keys
// are scoped to the calendar day; the set empties itself when the day
// rolls over.
type CompletionSet struct {
	mu   sync.Mutex
	day  time.Time
	keys map[string]bool
	now  func() time.Time
}

// NewCompletionSet creates an empty completion set
func NewCompletionSet() *CompletionSet {
	return &CompletionSet{
		keys: make(map[string]bool),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// MarkDone records the key as completed for today
func (c *CompletionSet) MarkDone(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.keys[key] = true
}

// Clear removes the key's completion
func (c *CompletionSet) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	delete(c.keys, key)
}

// Keys returns a copy of today's completed keys
func (c *CompletionSet) Keys() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	out := make(map[string]bool, len(c.keys))
	for k := range c.keys {
		out[k] = true
	}
	return out
}

// rollover discards yesterday's completions. Caller holds the lock.
func (c *CompletionSet) rollover() {
	n := c.now()
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, n.Location())
	if !c.day.Equal(today) {
		c.day = today
		c.keys = make(map[string]bool)
	}
}
