package fairness

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

const runningBuildCountsKey = "instance"

// CachedRunningBuildCounter serves running build counts up to staleness old.
// Fair ordering tolerates slightly stale counts; a staleness of zero disables caching so that counts are recomputed
// on every poll.
type CachedRunningBuildCounter struct {
	counter   RunningBuildCounter
	staleness time.Duration
	counts    *cache.Cache
}

func NewCachedRunningBuildCounter(counter RunningBuildCounter, staleness time.Duration) *CachedRunningBuildCounter {
	c := &CachedRunningBuildCounter{
		counter:   counter,
		staleness: staleness,
	}
	if staleness > 0 {
		c.counts = cache.New(staleness, 2*staleness)
	}
	return c
}

func (c *CachedRunningBuildCounter) RunningBuildCounts(txn *builddb.Txn) (map[model.ProjectID]int, error) {
	if c.counts == nil {
		return c.counter.RunningBuildCounts(txn)
	}
	if cached, found := c.counts.Get(runningBuildCountsKey); found {
		if counts, ok := cached.(map[model.ProjectID]int); ok {
			return counts, nil
		}
	}
	counts, err := c.counter.RunningBuildCounts(txn)
	if err != nil {
		return nil, err
	}
	c.counts.Set(runningBuildCountsKey, counts, cache.DefaultExpiration)
	return counts, nil
}

// Invalidate drops any cached counts.
func (c *CachedRunningBuildCounter) Invalidate() {
	if c.counts != nil {
		c.counts.Delete(runningBuildCountsKey)
	}
}
