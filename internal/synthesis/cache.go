package synthesis

import (
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// DefaultMaxPhraseLen is the longest phrase, in runes, that is cached.
const DefaultMaxPhraseLen = 80

// PhraseCache holds synthesised audio for short, frequently repeated phrases
// (fillers, acknowledgements, the handoff message). It is shared by all
// sessions.
//
// Lookups are lock-free: readers load an immutable map through an atomic
// pointer. Inserts copy the map under a writer lock and swap the pointer.
// When full, the least recently used entry is evicted. Cached audio must be
// treated as read-only.
type PhraseCache struct {
	capacity int
	maxLen   int

	state atomic.Pointer[map[string]*cacheEntry]
	wmu   sync.Mutex
	clock atomic.Uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	pcm      []byte
	lastUsed atomic.Uint64
}

// NewPhraseCache creates a cache of at most capacity phrases no longer than
// maxPhraseLen runes. capacity <= 0 disables caching; maxPhraseLen <= 0 uses
// [DefaultMaxPhraseLen].
func NewPhraseCache(capacity, maxPhraseLen int) *PhraseCache {
	if maxPhraseLen <= 0 {
		maxPhraseLen = DefaultMaxPhraseLen
	}
	c := &PhraseCache{capacity: capacity, maxLen: maxPhraseLen}
	empty := map[string]*cacheEntry{}
	c.state.Store(&empty)
	return c
}

func cacheKey(voice, text string) string { return voice + "\x00" + text }

// Cacheable reports whether text is short enough to be cached.
func (c *PhraseCache) Cacheable(text string) bool {
	return c != nil && c.capacity > 0 && text != "" && utf8.RuneCountInString(text) <= c.maxLen
}

// Get returns the cached audio of text in voice.
func (c *PhraseCache) Get(voice, text string) ([]byte, bool) {
	if !c.Cacheable(text) {
		return nil, false
	}
	e, ok := (*c.state.Load())[cacheKey(voice, text)]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e.lastUsed.Store(c.clock.Add(1))
	c.hits.Add(1)
	return e.pcm, true
}

// Put stores pcm for text in voice and reports whether it was cached.
func (c *PhraseCache) Put(voice, text string, pcm []byte) bool {
	if !c.Cacheable(text) || len(pcm) == 0 {
		return false
	}
	key := cacheKey(voice, text)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	old := *c.state.Load()
	if _, ok := old[key]; ok {
		return true
	}
	next := make(map[string]*cacheEntry, min(len(old)+1, c.capacity))
	for k, v := range old {
		next[k] = v
	}
	for len(next) >= c.capacity {
		var (
			victim string
			oldest uint64
			found  bool
		)
		for k, v := range next {
			if u := v.lastUsed.Load(); !found || u < oldest {
				victim, oldest, found = k, u, true
			}
		}
		delete(next, victim)
	}
	e := &cacheEntry{pcm: append([]byte(nil), pcm...)}
	e.lastUsed.Store(c.clock.Add(1))
	next[key] = e
	c.state.Store(&next)
	return true
}

// Len returns the number of cached phrases.
func (c *PhraseCache) Len() int { return len(*c.state.Load()) }

// Stats returns the lookup hit and miss counts.
func (c *PhraseCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
