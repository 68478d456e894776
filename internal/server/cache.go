package server

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"relay/internal/engine"
)

// listCache memoizes task-list pages for a short TTL so dashboards polling
// the board do not hammer the store. Any mutation purges it; terminal
// transitions from background runs age out within the TTL instead.
type listCache struct {
	lru *expirable.LRU[string, listPage]
}

type listPage struct {
	Tasks []*engine.Task
	Total int
}

func newListCache(size int, ttl time.Duration) *listCache {
	return &listCache{lru: expirable.NewLRU[string, listPage](size, nil, ttl)}
}

func listKey(limit, offset int) string {
	return fmt.Sprintf("%d:%d", limit, offset)
}

func (c *listCache) get(limit, offset int) (listPage, bool) {
	return c.lru.Get(listKey(limit, offset))
}

func (c *listCache) put(limit, offset int, page listPage) {
	c.lru.Add(listKey(limit, offset), page)
}

func (c *listCache) purge() {
	c.lru.Purge()
}
