package vartemplate

import (
	"regexp"
	"sync"
)

// regexCache is a bounded cache of compiled placeholder regexes. On
// overflow the whole cache is flushed rather than evicting individual
// entries, matching the spec's "bounded (~200 entries), flushed wholesale on
// overflow" requirement.
type regexCache struct {
	mu    sync.Mutex
	limit int
	cache map[string]*regexp.Regexp
}

func newRegexCache(limit int) *regexCache {
	return &regexCache{limit: limit, cache: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(literal string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[literal]; ok {
		return re
	}

	if len(c.cache) >= c.limit {
		c.cache = make(map[string]*regexp.Regexp)
	}

	re := regexp.MustCompile(regexp.QuoteMeta(literal))
	c.cache[literal] = re
	return re
}
