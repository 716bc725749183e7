package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_PutGet(t *testing.T) {
	c := NewTTL(time.Minute)
	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Put("VNM,MWG", 42)

	storedAt, v, ok := c.Get("VNM,MWG")
	require.True(t, ok)
	assert.Equal(t, base, storedAt)
	assert.Equal(t, 42, v)

	_, _, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTL_Expiry(t *testing.T) {
	c := NewTTL(60 * time.Second)
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("k", "v")
	now = now.Add(59 * time.Second)
	_, _, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, _, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestTTL_ZeroNeverExpires(t *testing.T) {
	c := NewTTL(0)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put("k", 1)
	now = now.Add(24 * time.Hour)

	_, _, ok := c.Get("k")
	assert.True(t, ok)
}

func TestTTL_Delete(t *testing.T) {
	c := NewTTL(time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Delete("a")

	assert.Equal(t, 1, c.Len())
	_, _, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTL_ConcurrentAccess(t *testing.T) {
	c := NewTTL(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			c.Put(key, i)
			c.Get(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, c.Len())
}
