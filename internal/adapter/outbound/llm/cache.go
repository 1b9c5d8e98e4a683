package llm

import (
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultCacheSize bounds the evaluation cache.
const DefaultCacheSize = 512

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key     uint64
	verdict Verdict
	prev    *lruEntry
	next    *lruEntry
}

// EvalCache is a bounded LRU over evaluator verdicts. Only confident
// allows are stored: a cached entry may skip the LLM, but nothing that
// would have reached a human is ever short-circuited by stale state.
type EvalCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewEvalCache creates an LRU cache with the given max size.
func NewEvalCache(maxSize int) *EvalCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &EvalCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// CacheKey hashes the full evaluation context. The policies string is
// part of the key so a policy change naturally misses.
func CacheKey(toolName string, toolInput map[string]any, policies string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(toolName)
	_, _ = h.Write([]byte{0})
	if len(toolInput) > 0 {
		inputJSON, _ := json.Marshal(toolInput)
		_, _ = h.Write(inputJSON)
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(policies)
	return h.Sum64()
}

// Get returns a cached verdict, promoting it to most recently used.
func (c *EvalCache) Get(key uint64) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.verdict, true
	}
	return Verdict{}, false
}

// Put stores a verdict. Anything other than a confident allow is
// silently dropped.
func (c *EvalCache) Put(key uint64, v Verdict) {
	if !v.Confident || !v.Allowed {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.verdict = v
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, verdict: v}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on rules reload and policy mutation.
func (c *EvalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *EvalCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *EvalCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *EvalCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *EvalCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *EvalCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
