package memory

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	queryVectorTTL   = time.Minute
	latestSummaryTTL = 30 * time.Second
)

// lookupCache is the process-owned short-TTL cache registry: query
// embeddings for repeated searches and latest-summary lookups. Created at
// startup, closed at shutdown; entries expire by TTL.
type lookupCache struct {
	cache *ristretto.Cache
}

func newLookupCache() (*lookupCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new lookup cache: %w", err)
	}
	return &lookupCache{cache: c}, nil
}

func (c *lookupCache) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}

func (c *lookupCache) getQueryVector(query string) ([]float32, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get("qv:" + query)
	if !ok {
		return nil, false
	}
	vector, ok := v.([]float32)
	return vector, ok
}

func (c *lookupCache) setQueryVector(query string, vector []float32) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.SetWithTTL("qv:"+query, vector, int64(4*len(vector)), queryVectorTTL)
}

func (c *lookupCache) getSummary(channelID, userID string) (*Summary, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get("sum:" + channelID + ":" + userID)
	if !ok {
		return nil, false
	}
	sum, ok := v.(*Summary)
	return sum, ok
}

func (c *lookupCache) setSummary(channelID, userID string, sum *Summary) {
	if c == nil || c.cache == nil {
		return
	}
	cost := int64(1)
	if sum != nil {
		cost = int64(len(sum.Content))
	}
	c.cache.SetWithTTL("sum:"+channelID+":"+userID, sum, cost, latestSummaryTTL)
}

func (c *lookupCache) dropSummary(channelID, userID string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Del("sum:" + channelID + ":" + userID)
	c.cache.Del("sum:" + channelID + ":")
}
