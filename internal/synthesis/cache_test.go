package synthesis_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/leadvox/internal/synthesis"
)

func TestPhraseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := synthesis.NewPhraseCache(2, 0)
	c.Put("v", "a", []byte{1})
	c.Put("v", "b", []byte{2})
	if _, ok := c.Get("v", "a"); !ok {
		t.Fatal("a missing")
	}
	c.Put("v", "c", []byte{3})

	if _, ok := c.Get("v", "b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get("v", k); !ok {
			t.Errorf("%s missing", k)
		}
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestPhraseCache_KeyIncludesVoice(t *testing.T) {
	t.Parallel()
	c := synthesis.NewPhraseCache(4, 0)
	c.Put("alice", "Hello.", []byte{1})
	if _, ok := c.Get("bob", "Hello."); ok {
		t.Error("phrase leaked across voices")
	}
	if _, ok := c.Get("alice", "hello."); ok {
		t.Error("key must be exact text")
	}
}

func TestPhraseCache_Limits(t *testing.T) {
	t.Parallel()
	disabled := synthesis.NewPhraseCache(0, 0)
	if disabled.Put("v", "ok", []byte{1}) {
		t.Error("zero-capacity cache stored a phrase")
	}

	c := synthesis.NewPhraseCache(4, 5)
	if c.Put("v", "toolong", []byte{1}) {
		t.Error("stored a phrase over the rune limit")
	}
	if !c.Put("v", "héllo", []byte{1}) {
		t.Error("five runes should fit")
	}
	if c.Put("v", "empty", nil) {
		t.Error("stored empty audio")
	}

	var nilCache *synthesis.PhraseCache
	if _, ok := nilCache.Get("v", "x"); ok {
		t.Error("nil cache hit")
	}
}

func TestPhraseCache_CopiesInput(t *testing.T) {
	t.Parallel()
	c := synthesis.NewPhraseCache(4, 0)
	pcm := []byte{1, 2, 3}
	c.Put("v", "x", pcm)
	pcm[0] = 9
	got, _ := c.Get("v", "x")
	if got[0] != 1 {
		t.Error("cache aliases caller's buffer")
	}
}

func TestPhraseCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := synthesis.NewPhraseCache(16, 0)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("p%d", (w*7+i)%32)
				if _, ok := c.Get("v", key); !ok {
					c.Put("v", key, []byte{byte(i)})
				}
			}
		}()
	}
	wg.Wait()
	if n := c.Len(); n > 16 {
		t.Errorf("Len = %d exceeds capacity", n)
	}
	hits, misses := c.Stats()
	if hits+misses != 8*200 {
		t.Errorf("hits+misses = %d", hits+misses)
	}
}
