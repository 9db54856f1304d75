package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/campfire/middleware/log"
)

const presenceTimeout = 2 * time.Second

// PresenceTracker is told when a user's connection to a guild opens or closes.
type PresenceTracker interface {
	Online(ctx context.Context, guildID, userID string) error
	Offline(ctx context.Context, guildID, userID string) error
}

// Registry holds every admitted connection, partitioned by guild. Guilds are
// spread over shards by hash so unrelated guilds never contend on one lock.
type Registry struct {
	shards   []*shard
	presence PresenceTracker
	log      *logger.Logger
	total    atomic.Int64
}

type shard struct {
	mu     sync.RWMutex
	guilds map[string]map[*Connection]struct{}
}

// NewRegistry creates a registry with shardCount partitions. presence may be nil.
func NewRegistry(shardCount int, presence PresenceTracker, log *logger.Logger) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{guilds: make(map[string]map[*Connection]struct{})}
	}
	return &Registry{shards: shards, presence: presence, log: log.Named("registry")}
}

func (r *Registry) shardFor(guildID string) *shard {
	return r.shards[murmur3.Sum32([]byte(guildID))%uint32(len(r.shards))]
}

// Admit adds an authenticated, membership-checked connection.
func (r *Registry) Admit(conn *Connection) {
	s := r.shardFor(conn.GuildID)
	s.mu.Lock()
	set, ok := s.guilds[conn.GuildID]
	if !ok {
		set = make(map[*Connection]struct{})
		s.guilds[conn.GuildID] = set
	}
	_, dup := set[conn]
	set[conn] = struct{}{}
	s.mu.Unlock()

	if dup {
		return
	}
	r.total.Add(1)
	r.notify(conn, true)
	r.log.Debug("connection admitted",
		zap.String("guild_id", conn.GuildID), zap.String("user_id", conn.UserID))
}

// Remove closes conn and drops it from the registry. Removing a connection that
// is not registered only closes it.
func (r *Registry) Remove(conn *Connection) {
	s := r.shardFor(conn.GuildID)
	s.mu.Lock()
	removed := false
	if set, ok := s.guilds[conn.GuildID]; ok {
		if _, ok := set[conn]; ok {
			delete(set, conn)
			removed = true
			if len(set) == 0 {
				delete(s.guilds, conn.GuildID)
			}
		}
	}
	s.mu.Unlock()

	conn.Close()
	if !removed {
		return
	}
	r.total.Add(-1)
	r.notify(conn, false)
	r.log.Debug("connection removed",
		zap.String("guild_id", conn.GuildID), zap.String("user_id", conn.UserID))
}

func (r *Registry) notify(conn *Connection, online bool) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var err error
	if online {
		err = r.presence.Online(ctx, conn.GuildID, conn.UserID)
	} else {
		err = r.presence.Offline(ctx, conn.GuildID, conn.UserID)
	}
	if err != nil {
		r.log.Warn("presence update failed",
			zap.Error(err), zap.Bool("online", online), zap.String("user_id", conn.UserID))
	}
}

// Broadcast queues frame on every connection bound to guildID and returns how
// many accepted it. A connection whose queue is full is a slow consumer: it is
// closed and removed rather than allowed to hold up the others.
func (r *Registry) Broadcast(guildID string, frame []byte) int {
	s := r.shardFor(guildID)
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.guilds[guildID]))
	for conn := range s.guilds[guildID] {
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	return r.deliver(targets, frame)
}

// BroadcastFunc queues frame on every connection, in any guild, accepted by match.
func (r *Registry) BroadcastFunc(frame []byte, match func(*Connection) bool) int {
	var targets []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.guilds {
			for conn := range set {
				if match(conn) {
					targets = append(targets, conn)
				}
			}
		}
		s.mu.RUnlock()
	}
	return r.deliver(targets, frame)
}

func (r *Registry) deliver(targets []*Connection, frame []byte) int {
	delivered := 0
	for _, conn := range targets {
		if conn.Enqueue(frame) {
			delivered++
			continue
		}
		if !conn.IsClosed() {
			r.log.Warn("slow consumer disconnected",
				zap.String("guild_id", conn.GuildID), zap.String("user_id", conn.UserID))
		}
		r.Remove(conn)
	}
	return delivered
}

// Count returns the number of admitted connections.
func (r *Registry) Count() int {
	return int(r.total.Load())
}

// GuildCount returns the number of connections bound to guildID.
func (r *Registry) GuildCount(guildID string) int {
	s := r.shardFor(guildID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.guilds[guildID])
}

// OnlineUsers lists the distinct users connected to guildID on this node.
func (r *Registry) OnlineUsers(_ context.Context, guildID string) ([]string, error) {
	s := r.shardFor(guildID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.guilds[guildID]))
	users := make([]string, 0, len(s.guilds[guildID]))
	for conn := range s.guilds[guildID] {
		if _, ok := seen[conn.UserID]; ok {
			continue
		}
		seen[conn.UserID] = struct{}{}
		users = append(users, conn.UserID)
	}
	return users, nil
}

// ClearGuild satisfies the presence contract. Local presence is the set of live
// connections, which CloseGuild already empties.
func (r *Registry) ClearGuild(context.Context, string) error {
	return nil
}

// CloseGuild disconnects every connection bound to guildID, used when the guild is deleted.
func (r *Registry) CloseGuild(guildID string) int {
	s := r.shardFor(guildID)
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.guilds[guildID]))
	for conn := range s.guilds[guildID] {
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		r.Remove(conn)
	}
	return len(targets)
}

// CloseUser disconnects userID's connections to guildID, used when the user leaves it.
func (r *Registry) CloseUser(guildID, userID string) int {
	s := r.shardFor(guildID)
	s.mu.RLock()
	var targets []*Connection
	for conn := range s.guilds[guildID] {
		if conn.UserID == userID {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		r.Remove(conn)
	}
	return len(targets)
}

// Shutdown closes and removes every connection.
func (r *Registry) Shutdown() {
	var all []*Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.guilds {
			for conn := range set {
				all = append(all, conn)
			}
		}
		s.mu.RUnlock()
	}
	for _, conn := range all {
		r.Remove(conn)
	}
}
