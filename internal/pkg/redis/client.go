package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	logger "github.com/Gopher0727/campfire/middleware/log"
)

const defaultCacheTTL = 10 * time.Minute

// RedisClient is the shared-state surface used by the server: guild presence
// counters and the user cache.
type RedisClient interface {
	Close() error
	Ping(ctx context.Context) error
	Online(ctx context.Context, guildID, userID string) error
	Offline(ctx context.Context, guildID, userID string) error
	OnlineUsers(ctx context.Context, guildID string) ([]string, error)
	IsOnline(ctx context.Context, guildID, userID string) (bool, error)
	ClearGuild(ctx context.Context, guildID string) error
}

type Client struct {
	client   *redis.Client
	cacheTTL time.Duration
	log      *logger.Logger
}

// NewClient wraps an open connection. cacheTTL <= 0 uses the default.
func NewClient(rdb *redis.Client, cacheTTL time.Duration, log *logger.Logger) *Client {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Client{client: rdb, cacheTTL: cacheTTL, log: log.Named("redis")}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// offlineScript decrements a user's connection count and removes the field at zero.
var offlineScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	return 0
end
return n
`)

// Online counts one more open connection of userID to guildID.
func (c *Client) Online(ctx context.Context, guildID, userID string) error {
	if err := c.client.HIncrBy(ctx, onlineKey(guildID), userID, 1).Err(); err != nil {
		return fmt.Errorf("failed to mark user %s online in guild %s: %w", userID, guildID, err)
	}
	return nil
}

// Offline counts one fewer open connection; the user leaves the online set at zero.
func (c *Client) Offline(ctx context.Context, guildID, userID string) error {
	if err := offlineScript.Run(ctx, c.client, []string{onlineKey(guildID)}, userID).Err(); err != nil {
		return fmt.Errorf("failed to mark user %s offline in guild %s: %w", userID, guildID, err)
	}
	return nil
}

// OnlineUsers lists the users with at least one open connection to guildID.
func (c *Client) OnlineUsers(ctx context.Context, guildID string) ([]string, error) {
	users, err := c.client.HKeys(ctx, onlineKey(guildID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users of guild %s: %w", guildID, err)
	}
	return users, nil
}

func (c *Client) IsOnline(ctx context.Context, guildID, userID string) (bool, error) {
	ok, err := c.client.HExists(ctx, onlineKey(guildID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check user %s in guild %s: %w", userID, guildID, err)
	}
	return ok, nil
}

// ClearGuild drops the presence set of a deleted guild.
func (c *Client) ClearGuild(ctx context.Context, guildID string) error {
	if err := c.client.Del(ctx, onlineKey(guildID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence of guild %s: %w", guildID, err)
	}
	return nil
}

func onlineKey(guildID string) string {
	return fmt.Sprintf("guild:%s:online", guildID)
}

func userKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}
