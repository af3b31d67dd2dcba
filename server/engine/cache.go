// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"encoding/json"
	"time"

	"github.com/decred/dcrd/lru"
)

// defaultCacheSize bounds the number of cached replies.
const defaultCacheSize = 4096

type cachedReply struct {
	result json.RawMessage
	stamp  time.Time
}

// replyCache holds encoded replies of read-only commands for a fixed time.
// Entries are never invalidated by mutations, so a cached reply can be up to
// the timeout old. It is only used from the engine's loop.
type replyCache struct {
	timeout time.Duration
	kv      lru.KVCache
	// stamps tracks the insertion time of every key so expired entries can
	// be swept. The LRU can't be iterated.
	stamps map[string]time.Time
}

func newReplyCache(timeout time.Duration, size uint) *replyCache {
	if size == 0 {
		size = defaultCacheSize
	}
	return &replyCache{
		timeout: timeout,
		kv:      lru.NewKVCache(size),
		stamps:  make(map[string]time.Time),
	}
}

func (c *replyCache) enabled() bool {
	return c.timeout > 0
}

// get returns an unexpired reply for key.
func (c *replyCache) get(key string, now time.Time) (json.RawMessage, bool) {
	if !c.enabled() {
		return nil, false
	}
	v, found := c.kv.Lookup(key)
	if !found {
		return nil, false
	}
	reply := v.(*cachedReply)
	if now.Sub(reply.stamp) > c.timeout {
		c.kv.Delete(key)
		delete(c.stamps, key)
		return nil, false
	}
	return reply.result, true
}

func (c *replyCache) put(key string, result json.RawMessage, now time.Time) {
	if !c.enabled() {
		return
	}
	c.kv.Add(key, &cachedReply{result: result, stamp: now})
	c.stamps[key] = now
}

// sweep removes expired entries and returns how many were tracked.
func (c *replyCache) sweep(now time.Time) int {
	var n int
	for key, stamp := range c.stamps {
		if now.Sub(stamp) > c.timeout {
			c.kv.Delete(key)
			delete(c.stamps, key)
			n++
		}
	}
	return n
}

// len is the number of tracked keys. Keys the LRU evicted early are counted
// until they expire.
func (c *replyCache) len() int {
	return len(c.stamps)
}
