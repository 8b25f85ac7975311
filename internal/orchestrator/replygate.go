package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	replyDebounce   = 150 * time.Millisecond
	replyLockTTL    = 2 * time.Second
	replyLockPrefix = "replygate:"
)

// ReplySink issues the actual reply to the caller. The realtime
// transport (out of scope here) supplies the real implementation;
// tests supply a recording stub.
type ReplySink func(ctx context.Context, sessionID, text string) error

// ReplyGate is a single-flight serializer for one session's agent
// replies: a local sync.Mutex guarantees at most one in-flight turn,
// with a small debounce and a single bounded retry on transient
// failure. When a Redis client is configured it additionally takes a
// short-TTL distributed lock (SET NX PX) first. If another pod holds
// that lock, the gate waits out the lock TTL and then issues its reply
// without the lock, so cross-pod serialization is best-effort.
type ReplyGate struct {
	mu        sync.Mutex
	sessionID string
	redis     *redis.Client
}

// NewReplyGate builds a gate for sessionID. redisClient may be nil, in
// which case the gate serializes locally only.
func NewReplyGate(redisClient *redis.Client, sessionID string) *ReplyGate {
	return &ReplyGate{sessionID: sessionID, redis: redisClient}
}

// Issue runs sink under the gate's serialization, debouncing briefly
// and retrying once on failure.
func (g *ReplyGate) Issue(ctx context.Context, text string, sink ReplySink) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	unlock, err := g.lockDistributed(ctx)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(replyDebounce):
	}

	if err := sink(ctx, g.sessionID, text); err == nil {
		return nil
	}

	// Single bounded retry on transient failure.
	time.Sleep(replyDebounce)
	return sink(ctx, g.sessionID, text)
}

// lockDistributed acquires the Redis cross-pod lock when configured.
// It returns (nil, nil) when there is no Redis client, or when another
// pod currently holds the lock and we chose to wait it out rather than
// fail the reply outright.
func (g *ReplyGate) lockDistributed(ctx context.Context) (func(), error) {
	if g.redis == nil {
		return nil, nil
	}
	key := replyLockPrefix + g.sessionID
	ok, err := g.redis.SetNX(ctx, key, time.Now().UnixNano(), replyLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		time.Sleep(replyLockTTL)
		return nil, nil
	}
	return func() {
		g.redis.Del(context.Background(), key)
	}, nil
}
