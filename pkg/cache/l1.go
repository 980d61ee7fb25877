package cache

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nicktill/vitals/pkg/summary"
)

// entry is one metric key's snapshot held in memory
type entry struct {
	key        summary.MetricKey
	importID   string
	records    []summary.Record // ascending date
	lastAccess time.Time
}

func entryID(key summary.MetricKey, importID string) string {
	return key.String() + "@" + importID
}

// find returns the record whose bucket starts at date
func (e *entry) find(date time.Time) (summary.Record, bool) {
	i := sort.Search(len(e.records), func(i int) bool {
		return !e.records[i].Date.Before(date)
	})
	if i < len(e.records) && e.records[i].Date.Equal(date) {
		return e.records[i], true
	}
	return summary.Record{}, false
}

// l1 is an LRU of snapshots bounded by entry count and total records held
type l1 struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, *entry]
	maxRecords int
	footprint  int
	evictions  uint64
	onEvict    func()
}

func newL1(maxEntries, maxRecords int, onEvict func()) *l1 {
	c := &l1{maxRecords: maxRecords, onEvict: onEvict}
	// size is validated by config; NewWithEvict only fails on size <= 0
	cache, err := lru.NewWithEvict(maxEntries, c.evicted)
	if err != nil {
		panic(err)
	}
	c.lru = cache
	return c
}

// evicted runs inside every lru removal, with c.mu already held
func (c *l1) evicted(_ string, e *entry) {
	c.footprint -= len(e.records)
}

func (c *l1) countEviction() {
	c.evictions++
	if c.onEvict != nil {
		c.onEvict()
	}
}

func (c *l1) get(id string, now time.Time) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(id)
	if ok {
		e.lastAccess = now
	}
	return e, ok
}

// add inserts e and enforces the footprint bound. A snapshot larger than the
// whole budget is not cached.
func (c *l1) add(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(e.records) > c.maxRecords {
		return
	}
	id := entryID(e.key, e.importID)
	if old, ok := c.lru.Peek(id); ok {
		c.footprint -= len(old.records)
	}
	c.footprint += len(e.records)
	if c.lru.Add(id, e) {
		c.countEviction()
	}
	c.enforceLocked()
}

func (c *l1) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

// removeKey drops every snapshot of key
func (c *l1) removeKey(key summary.MetricKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.lru.Keys() {
		if e, ok := c.lru.Peek(id); ok && e.key == key {
			c.lru.Remove(id)
		}
	}
}

func (c *l1) enforce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceLocked()
}

func (c *l1) enforceLocked() {
	for c.footprint > c.maxRecords && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
		c.countEviction()
	}
}

func (c *l1) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.footprint = 0
}

func (c *l1) stats() (entries, records int, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.footprint, c.evictions
}
