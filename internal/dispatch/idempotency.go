package dispatch

import (
	"time"

	"github.com/patrickmn/go-cache"

	"parkline/internal/rpc"
)

// replyCache remembers replies to requests that carried an idempotency key,
// so a re-sent request is answered without running its handler again.
// Entries are scoped by operation so one key cannot replay another
// operation's reply.
type replyCache struct {
	entries *cache.Cache
}

func newReplyCache(ttl time.Duration) *replyCache {
	return &replyCache{entries: cache.New(ttl, 2*ttl)}
}

func cacheKey(op rpc.Operation, key string) string {
	return string(op) + "/" + key
}

// lookup returns the remembered reply readdressed to correlationID.
func (c *replyCache) lookup(op rpc.Operation, key, correlationID string) (*rpc.Reply, bool) {
	v, ok := c.entries.Get(cacheKey(op, key))
	if !ok {
		return nil, false
	}
	stored := v.(*rpc.Reply)
	replay := *stored
	replay.CorrelationID = correlationID
	return &replay, true
}

// store remembers reply unless it reports a transient failure worth
// retrying for real.
func (c *replyCache) store(op rpc.Operation, key string, reply *rpc.Reply) {
	if !cacheable(reply) {
		return
	}
	c.entries.SetDefault(cacheKey(op, key), reply)
}

func (c *replyCache) len() int {
	return c.entries.ItemCount()
}

func cacheable(reply *rpc.Reply) bool {
	if reply.OK() || reply.Error == nil {
		return true
	}
	switch reply.Error.Code {
	case rpc.CodeStorageUnavailable, rpc.CodeInternal, rpc.CodeNoQuorum:
		return false
	default:
		return true
	}
}
