package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ledgerlens/ledgerlens/pkg/fingerprint"
	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(fp, subject string, at time.Time) Entry {
	return Entry{
		Fingerprint: fingerprint.Fingerprint(fp),
		SubjectID:   subject,
		Result:      &models.AnalysisResult{Type: models.AnalysisPattern, Provider: models.ProviderCloud, ComputedAt: at},
		ComputedAt:  at,
		Provider:    models.ProviderCloud,
	}
}

func TestGetPut(t *testing.T) {
	c := New(10, 0)
	now := time.Now()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put(entry("a", "u1", now))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "u1", got.SubjectID)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestPutOverwrites(t *testing.T) {
	c := New(10, 0)
	first := entry("a", "u1", time.Now())
	second := entry("a", "u1", time.Now())
	second.Provider = models.ProviderLocal

	c.Put(first)
	c.Put(second)

	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.ProviderLocal, got.Provider)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, 0)
	now := time.Now()

	c.Put(entry("a", "u1", now))
	c.Put(entry("b", "u1", now))
	_, _ = c.Get("a") // b is now least recently used
	c.Put(entry("c", "u1", now))

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestStaleEntryIsMiss(t *testing.T) {
	c := New(10, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.SetClock(func() time.Time { return now })

	c.Put(entry("a", "u1", base))

	now = base.Add(59 * time.Minute)
	_, ok := c.Get("a")
	assert.True(t, ok, "entry within horizon should hit")

	now = base.Add(61 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry past horizon should miss")
	assert.Equal(t, 0, c.Len(), "stale entry should be dropped")
}

func TestClear(t *testing.T) {
	c := New(10, 0)
	c.Put(entry("a", "u1", time.Now()))
	c.Put(entry("b", "u2", time.Now()))

	assert.Equal(t, 2, c.Clear())
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestRemoveSubject(t *testing.T) {
	c := New(10, 0)
	c.Put(entry("a", "u1", time.Now()))
	c.Put(entry("b", "u2", time.Now()))
	c.Put(entry("c", "u1", time.Now()))

	assert.Equal(t, 2, c.RemoveSubject("u1"))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestEntriesOldestFirst(t *testing.T) {
	c := New(10, 0)
	now := time.Now()
	c.Put(entry("a", "u1", now))
	c.Put(entry("b", "u1", now))
	c.Put(entry("c", "u1", now))
	_, _ = c.Get("a")

	var order []fingerprint.Fingerprint
	for _, e := range c.Entries() {
		order = append(order, e.Fingerprint)
	}
	assert.Equal(t, []fingerprint.Fingerprint{"b", "c", "a"}, order)

	restored := New(10, 0)
	for _, e := range c.Entries() {
		restored.Put(e)
	}
	assert.Equal(t, c.Entries(), restored.Entries())
}

func TestConcurrentAccess(t *testing.T) {
	c := New(50, 0)
	now := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fp := fmt.Sprintf("fp-%d", (g*200+i)%80)
				c.Put(entry(fp, "u1", now))
				if e, ok := c.Get(fingerprint.Fingerprint(fp)); ok {
					assert.NotNil(t, e.Result)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestPeekLeavesStatsAndRecency(t *testing.T) {
	c := New(2, 0)
	now := time.Now()
	c.Put(entry("a", "u1", now))
	c.Put(entry("b", "u1", now))

	_, ok := c.Peek("a")
	assert.True(t, ok)
	_, ok = c.Peek("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)

	// "a" is still the least recently used entry.
	c.Put(entry("c", "u1", now))
	_, ok = c.Peek("a")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := New(10, 0)
	c.Put(entry("a", "u1", time.Now()))
	c.Put(entry("b", "u1", time.Now()))

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 1, c.Len())
}
