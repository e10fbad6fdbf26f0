package routing

import "sync"

// DecisionCache 是有界的决策缓存，按插入顺序 (FIFO) 淘汰，不按访问时间。
type DecisionCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]bool
	order    []string
}

func NewDecisionCache(capacity int) *DecisionCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DecisionCache{
		capacity: capacity,
		entries:  make(map[string]bool, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *DecisionCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put 写入一个决策。已存在的键原地更新，不改变其淘汰顺序。
// 达到容量时先淘汰最旧的 10% (至少 1 个)。
func (c *DecisionCache) Put(key string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = value
		return
	}
	if len(c.entries) >= c.capacity {
		n := c.capacity / 10
		if n < 1 {
			n = 1
		}
		if n > len(c.order) {
			n = len(c.order)
		}
		for _, k := range c.order[:n] {
			delete(c.entries, k)
		}
		c.order = append(c.order[:0:0], c.order[n:]...)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DecisionCache) Capacity() int { return c.capacity }

// Keys 按插入顺序返回缓存的键。
func (c *DecisionCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.order...)
}

func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]bool, c.capacity)
	c.order = c.order[:0]
}
