package errorcounter

import (
	"strings"
	"sync"
)

func New() *Counter {
	return &Counter{
		store: make(map[string]map[string]int),
	}
}

// Counter counts how often the same kind of failure has been seen within a
// scope, such as a single run. A kind of failure is identified by its labels,
// for example its error class.
type Counter struct {
	mu    sync.Mutex
	store map[string]map[string]int
}

// Add records an occurrence of the failure identified by labels in scope and
// returns the new count.
func (c *Counter) Add(scope string, labels ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts, ok := c.store[scope]
	if !ok {
		counts = make(map[string]int)
		c.store[scope] = counts
	}

	k := strings.Join(labels, "|")
	counts[k]++
	return counts[k]
}

// Forget drops everything counted in scope.
func (c *Counter) Forget(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.store, scope)
}
