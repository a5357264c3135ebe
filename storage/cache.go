package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

type boardBackend interface {
	FetchBoard(ctx context.Context, projectID string) (domain.BoardView, error)
}

// BoardCache wraps a board snapshot source with Redis caching. Reconnecting
// clients refetch the full board through this path, so the router evicts
// the project key after every committed mutation.
type BoardCache struct {
	base  boardBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewBoardCache creates a caching wrapper using the provided Redis client
// and TTL. A nil client disables caching.
func NewBoardCache(base boardBackend, client *redis.Client, ttl time.Duration) *BoardCache {
	if base == nil {
		panic("storage.NewBoardCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &BoardCache{base: base, redis: client, ttl: ttl}
}

func (c *BoardCache) FetchBoard(ctx context.Context, projectID string) (domain.BoardView, error) {
	if view, ok := c.loadFromCache(ctx, projectID); ok {
		return view, nil
	}
	view, err := c.base.FetchBoard(ctx, projectID)
	if err != nil {
		return domain.BoardView{}, err
	}
	c.store(ctx, projectID, view)
	return view, nil
}

// Evict drops the cached snapshot for a project. Safe to call with no
// cached entry.
func (c *BoardCache) Evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
}

func (c *BoardCache) loadFromCache(ctx context.Context, projectID string) (domain.BoardView, bool) {
	if c.redis == nil {
		return domain.BoardView{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		}
		return domain.BoardView{}, false
	}
	var view domain.BoardView
	if err := json.Unmarshal(data, &view); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		return domain.BoardView{}, false
	}
	return view, true
}

func (c *BoardCache) store(ctx context.Context, projectID string, view domain.BoardView) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID), data, c.ttl).Err()
}

func boardCacheKey(projectID string) string {
	return "board:" + projectID
}
