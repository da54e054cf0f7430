// Package cache holds computed analysis results keyed by request fingerprint.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/fingerprint"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

// Entry is one cached analysis.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	SubjectID   string
	Result      *models.AnalysisResult
	ComputedAt  time.Time
	Provider    models.ProviderID
}

// LRU is a bounded, thread-safe least-recently-used result cache with an
// optional staleness horizon.
type LRU struct {
	mu         sync.Mutex
	capacity   int
	staleAfter time.Duration
	items      map[fingerprint.Fingerprint]*list.Element
	evictList  *list.List
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// New creates an LRU holding at most capacity entries. A zero staleAfter
// keeps entries until they are evicted or cleared.
func New(capacity int, staleAfter time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity:   capacity,
		staleAfter: staleAfter,
		items:      make(map[fingerprint.Fingerprint]*list.Element),
		evictList:  list.New(),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for staleness checks.
func (c *LRU) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the entry for fp and marks it most recently used. A stale entry
// is dropped and reported as a miss.
func (c *LRU) Get(fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	entry := el.Value.(Entry)
	if c.isStale(entry) {
		c.removeElement(el)
		c.misses++
		return Entry{}, false
	}

	c.evictList.MoveToFront(el)
	c.hits++
	return entry, true
}

// Peek returns the entry for fp without touching recency or the hit and
// miss counters. A stale entry is reported as absent.
func (c *LRU) Peek(fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		return Entry{}, false
	}
	entry := el.Value.(Entry)
	if c.isStale(entry) {
		return Entry{}, false
	}
	return entry, true
}

// Remove drops the entry for fp and reports whether there was one.
func (c *LRU) Remove(fp fingerprint.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Put stores e, replacing any entry with the same fingerprint, and evicts the
// least recently used entries while over capacity.
func (c *LRU) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[e.Fingerprint]; ok {
		el.Value = e
		c.evictList.MoveToFront(el)
		return
	}

	c.items[e.Fingerprint] = c.evictList.PushFront(e)
	for c.evictList.Len() > c.capacity {
		c.removeElement(c.evictList.Back())
		c.evictions++
	}
}

// Clear removes every entry and returns how many were removed.
func (c *LRU) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.evictList.Len()
	c.items = make(map[fingerprint.Fingerprint]*list.Element)
	c.evictList.Init()
	return n
}

// RemoveSubject removes all entries belonging to subjectID and returns how
// many were removed.
func (c *LRU) RemoveSubject(subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.evictList.Front(); el != nil; {
		next := el.Next()
		if el.Value.(Entry).SubjectID == subjectID {
			c.removeElement(el)
			n++
		}
		el = next
	}
	return n
}

// Len returns the number of cached entries, stale ones included.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns cache counters.
func (c *LRU) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{
		Entries:   c.evictList.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Entries returns the non-stale entries ordered from least to most recently
// used, so that putting them back in order restores recency.
func (c *LRU) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, c.evictList.Len())
	for el := c.evictList.Back(); el != nil; el = el.Prev() {
		e := el.Value.(Entry)
		if !c.isStale(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c *LRU) isStale(e Entry) bool {
	return c.staleAfter > 0 && c.now().Sub(e.ComputedAt) > c.staleAfter
}

func (c *LRU) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(Entry).Fingerprint)
}
