package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionCache_FIFOEviction(t *testing.T) {
	c := NewDecisionCache(20)
	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("k%d", i), i%2 == 0)
	}
	assert.Equal(t, 20, c.Len())

	// 读取不影响淘汰顺序
	_, ok := c.Get("k0")
	assert.True(t, ok)

	c.Put("new", true)
	assert.Equal(t, 19, c.Len())
	for _, k := range []string{"k0", "k1"} {
		_, ok := c.Get(k)
		assert.False(t, ok, k)
	}
	_, ok = c.Get("k2")
	assert.True(t, ok)
	assert.Equal(t, "new", c.Keys()[len(c.Keys())-1])
}

func TestDecisionCache_NeverExceedsCap(t *testing.T) {
	for _, capacity := range []int{1, 5, 10, 1000} {
		c := NewDecisionCache(capacity)
		for i := 0; i < capacity*3+7; i++ {
			c.Put(fmt.Sprintf("k%d", i), true)
			assert.LessOrEqual(t, c.Len(), capacity)
		}
	}
}

func TestDecisionCache_UpdateKeepsPosition(t *testing.T) {
	c := NewDecisionCache(3)
	c.Put("a", true)
	c.Put("b", true)
	c.Put("c", true)
	c.Put("a", false)
	v, _ := c.Get("a")
	assert.False(t, v)
	assert.Equal(t, []string{"a", "b", "c"}, c.Keys())

	c.Put("d", true)
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest insertion evicted even though recently updated")
	assert.Equal(t, []string{"b", "c", "d"}, c.Keys())
}

func TestDecisionCache_Clear(t *testing.T) {
	c := NewDecisionCache(0)
	assert.Equal(t, 1000, c.Capacity())
	c.Put("x", true)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}
