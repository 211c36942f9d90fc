package app

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/sha3"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

const dedupeKeyPrefix = "comms:webhook:seen:"

// Deduper remembers delivery events already handled.
type Deduper interface {
	// FirstSeen marks key as seen and reports whether it was new.
	FirstSeen(ctx context.Context, key string) bool
	// Forget clears key so a redelivery of the event is processed again.
	Forget(ctx context.Context, key string)
}

// dedupeStore is the subset of the redis client the deduper uses.
type dedupeStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper records event keys with SETNX and a TTL. Redis errors are
// treated as first sightings so events are never dropped because of the cache.
type RedisDeduper struct {
	client dedupeStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisDeduper(client dedupeStore, ttl time.Duration, logger *slog.Logger) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl, logger: logger.With("component", "webhook_deduper")}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) bool {
	ok, err := d.client.SetNX(ctx, dedupeKeyPrefix+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.WarnContext(ctx, "Dedupe check failed; processing event", "key", key, "error", err)
		return true
	}
	return ok
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) {
	if err := d.client.Del(ctx, dedupeKeyPrefix+key).Err(); err != nil {
		d.logger.WarnContext(ctx, "Failed to clear dedupe key", "key", key, "error", err)
	}
}

// DedupeKey hashes the identity of a delivery event: provider, correlation,
// event and timestamp.
func DedupeKey(ev domain.CanonicalEvent) string {
	ts := ""
	if ev.OccurredAt != nil {
		ts = ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	parts := []string{
		strings.ToLower(ev.Provider),
		ev.CommunicationID,
		ev.ProviderMessageID,
		string(ev.Event),
		ts,
	}
	sum := sha3.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
