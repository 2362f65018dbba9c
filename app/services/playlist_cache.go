package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/citysign/citysign-backend/config"
	"github.com/redis/go-redis/v9"
)

// PlaylistCache keeps the resolved base playlist id and the last verified
// item list in redis so repeated publishes do not re-resolve the playlist
// by name on every call. Playlist CONTENT is never trusted from cache for
// verification; only the id shortcut and observability snapshots live here.
type PlaylistCache interface {
	GetPlaylistID(ctx context.Context, name string) (int64, bool)
	PutPlaylistID(ctx context.Context, name string, id int64)
	PutSnapshot(ctx context.Context, playlistID int64, pl *Playlist)
	GetSnapshot(ctx context.Context, playlistID int64) (*Playlist, bool)
	Invalidate(ctx context.Context, playlistID int64)
}

// RedisPlaylistCache implements PlaylistCache over go-redis. All methods
// are best-effort: cache unavailability must never fail a publish, so
// errors are logged and swallowed.
type RedisPlaylistCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPlaylistCache creates a playlist cache. A nil client yields a
// cache that misses on every read and drops every write.
func NewRedisPlaylistCache(client *redis.Client, cfg config.CacheConfig) *RedisPlaylistCache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPlaylistCache{
		client: client,
		prefix: cfg.RedisPrefix,
		ttl:    ttl,
	}
}

func (c *RedisPlaylistCache) idKey(name string) string {
	return c.prefix + "playlist:id:" + name
}

func (c *RedisPlaylistCache) snapshotKey(playlistID int64) string {
	return fmt.Sprintf("%splaylist:snapshot:%d", c.prefix, playlistID)
}

// GetPlaylistID returns the cached id for a playlist name.
func (c *RedisPlaylistCache) GetPlaylistID(ctx context.Context, name string) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, c.idKey(name)).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("playlist cache: get id %q: %v", name, err)
		}
		return 0, false
	}
	return val, val > 0
}

// PutPlaylistID caches the id for a playlist name.
func (c *RedisPlaylistCache) PutPlaylistID(ctx context.Context, name string, id int64) {
	if c == nil || c.client == nil || id <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.idKey(name), id, c.ttl).Err(); err != nil {
		log.Printf("playlist cache: put id %q: %v", name, err)
	}
}

// PutSnapshot stores the last verified playlist state for inspection.
func (c *RedisPlaylistCache) PutSnapshot(ctx context.Context, playlistID int64, pl *Playlist) {
	if c == nil || c.client == nil || pl == nil {
		return
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.snapshotKey(playlistID), data, c.ttl).Err(); err != nil {
		log.Printf("playlist cache: put snapshot %d: %v", playlistID, err)
	}
}

// GetSnapshot returns the last stored playlist snapshot, if any.
func (c *RedisPlaylistCache) GetSnapshot(ctx context.Context, playlistID int64) (*Playlist, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.snapshotKey(playlistID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("playlist cache: get snapshot %d: %v", playlistID, err)
		}
		return nil, false
	}
	var pl Playlist
	if err := json.Unmarshal(data, &pl); err != nil {
		return nil, false
	}
	return &pl, true
}

// Invalidate drops the snapshot after any playlist mutation.
func (c *RedisPlaylistCache) Invalidate(ctx context.Context, playlistID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.snapshotKey(playlistID)).Err(); err != nil {
		log.Printf("playlist cache: invalidate %d: %v", playlistID, err)
	}
}
