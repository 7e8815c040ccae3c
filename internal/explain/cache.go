package explain

import (
	"container/list"
	"sync"

	"github.com/rakshak/backend/internal/domain"
)

// riskCache keeps the most recent risk assessments keyed by incident id so
// a decision can be joined back to its full evidence. Bounded LRU.
type riskCache struct {
	mu    sync.Mutex
	max   int
	order *list.List               // front = most recent
	items map[string]*list.Element // incident_id -> element
}

type cacheEntry struct {
	incidentID string
	risk       domain.RiskOutput
}

func newRiskCache(max int) *riskCache {
	return &riskCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element, max),
	}
}

func (c *riskCache) put(incidentID string, risk domain.RiskOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[incidentID]; ok {
		el.Value.(*cacheEntry).risk = risk
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{incidentID: incidentID, risk: risk})
	c.items[incidentID] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).incidentID)
	}
}

func (c *riskCache) get(incidentID string) (domain.RiskOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[incidentID]
	if !ok {
		return domain.RiskOutput{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).risk, true
}

func (c *riskCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
