package worker

import (
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestResponseCache(t *testing.T) {
	c := NewResponseCache(10, time.Hour)
	ok := types.TaskResponse{Code: 200, Message: "ok"}

	assert.False(t, c.Unchanged("t1", ok), "empty cache never matches")

	c.Store("t1", ok)
	assert.True(t, c.Unchanged("t1", ok))
	assert.False(t, c.Unchanged("t1", types.TaskResponse{Code: 200, Message: "different"}))
	assert.False(t, c.Unchanged("t2", ok))

	c.Remove("t1")
	assert.False(t, c.Unchanged("t1", ok))
}

func TestResponseCacheExpiry(t *testing.T) {
	c := NewResponseCache(10, 50*time.Millisecond)
	ok := types.TaskResponse{Code: 200, Message: "ok"}

	c.Store("t1", ok)
	assert.True(t, c.Unchanged("t1", ok))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Unchanged("t1", ok))
}

func TestResponseCacheBounded(t *testing.T) {
	c := NewResponseCache(2, time.Hour)
	ok := types.TaskResponse{Code: 200}

	c.Store("t1", ok)
	c.Store("t2", ok)
	c.Store("t3", ok)

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Unchanged("t1", ok), "oldest entry is evicted")
}
