package redis

import (
	"context"
	"encoding/json"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/campfire/internal/model"
)

// Get returns the cached user. Any failure reads as a miss so lookups fall
// through to the database.
func (c *Client) Get(ctx context.Context, id string) (*model.User, bool) {
	data, err := c.client.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("user cache read failed", zap.String("user_id", id), zap.Error(err))
		}
		return nil, false
	}

	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		c.log.Warn("user cache entry corrupt", zap.String("user_id", id), zap.Error(err))
		c.Invalidate(ctx, id)
		return nil, false
	}
	return &user, true
}

// Set caches user without its password hash.
func (c *Client) Set(ctx context.Context, user *model.User) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, userKey(user.ID), data, c.cacheTTL).Err(); err != nil {
		c.log.Warn("user cache write failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (c *Client) Invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, userKey(id)).Err(); err != nil {
		c.log.Warn("user cache invalidate failed", zap.String("user_id", id), zap.Error(err))
	}
}
