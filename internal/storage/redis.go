package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/adselection/internal/models"
)

// RedisFrequencyCapStore implements FrequencyCapStore on Redis sorted sets.
//
// Every event is a member of the global set and of its buyer set, and win
// style events with an audience also of the audience set. Scores are event
// timestamps in milliseconds, so counting a window is a ZCOUNT.
type RedisFrequencyCapStore struct {
	client *redis.Client
	prefix string
}

// NewRedisFrequencyCapStore creates a Redis-backed frequency cap store. All
// keys are namespaced under prefix.
func NewRedisFrequencyCapStore(client *redis.Client, prefix string) *RedisFrequencyCapStore {
	if prefix == "" {
		prefix = "fcap"
	}
	return &RedisFrequencyCapStore{client: client, prefix: prefix}
}

type redisHistogramEvent struct {
	ID        string                  `json:"id"`
	Key       string                  `json:"key"`
	Buyer     models.AdTechIdentifier `json:"buyer"`
	Owner     string                  `json:"owner,omitempty"`
	Name      string                  `json:"name,omitempty"`
	EventType models.AdEventType      `json:"type"`
	Timestamp int64                   `json:"ts"`
}

func (s *RedisFrequencyCapStore) allKey() string {
	return s.prefix + ":all"
}

func (s *RedisFrequencyCapStore) buyerKey(eventType models.AdEventType, buyer models.AdTechIdentifier, key string) string {
	return fmt.Sprintf("%s:buyer:%d:%s:%s", s.prefix, eventType, buyer, key)
}

func (s *RedisFrequencyCapStore) audienceKey(eventType models.AdEventType, buyer models.AdTechIdentifier, owner, name, key string) string {
	return fmt.Sprintf("%s:ca:%d:%s:%s:%s:%s", s.prefix, eventType, buyer, owner, name, key)
}

func (s *RedisFrequencyCapStore) keysFor(e redisHistogramEvent) []string {
	keys := []string{s.buyerKey(e.EventType, e.Buyer, e.Key)}
	if e.Owner != "" && e.Name != "" {
		keys = append(keys, s.audienceKey(e.EventType, e.Buyer, e.Owner, e.Name, e.Key))
	}
	return keys
}

func (s *RedisFrequencyCapStore) InsertHistogramEvent(ctx context.Context, event models.HistogramEvent, absoluteMax, lowerMax int) (int, error) {
	evicted := 0
	if absoluteMax > 0 {
		n, err := s.client.ZCard(ctx, s.allKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count histogram events: %w", err)
		}
		if int(n) >= absoluteMax {
			if evicted, err = s.evictOldest(ctx, int(n)-max(lowerMax, 0)); err != nil {
				return 0, err
			}
		}
	}

	stored := redisHistogramEvent{
		ID:        uuid.NewString(),
		Key:       event.AdCounterKey,
		Buyer:     event.Buyer,
		Owner:     event.CustomAudienceOwner,
		Name:      event.CustomAudienceName,
		EventType: event.AdEventType,
		Timestamp: event.Timestamp.UnixMilli(),
	}
	member, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to encode histogram event: %w", err)
	}
	z := redis.Z{Score: float64(stored.Timestamp), Member: string(member)}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.allKey(), z)
	for _, k := range s.keysFor(stored) {
		pipe.ZAdd(ctx, k, z)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to insert histogram event: %w", err)
	}
	return evicted, nil
}

func (s *RedisFrequencyCapStore) evictOldest(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	members, err := s.client.ZRange(ctx, s.allKey(), 0, int64(count-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read oldest histogram events: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, m := range members {
		var e redisHistogramEvent
		if err := json.Unmarshal([]byte(m), &e); err == nil {
			for _, k := range s.keysFor(e) {
				pipe.ZRem(ctx, k, m)
			}
		}
		pipe.ZRem(ctx, s.allKey(), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to evict histogram events: %w", err)
	}
	return len(members), nil
}

func (s *RedisFrequencyCapStore) NumEventsForBuyerAfterTime(ctx context.Context, key string, buyer models.AdTechIdentifier, eventType models.AdEventType, since time.Time) (int, error) {
	return s.countSince(ctx, s.buyerKey(eventType, buyer, key), since)
}

func (s *RedisFrequencyCapStore) NumEventsForCustomAudienceAfterTime(ctx context.Context, key string, buyer models.AdTechIdentifier, owner, name string, eventType models.AdEventType, since time.Time) (int, error) {
	return s.countSince(ctx, s.audienceKey(eventType, buyer, owner, name, key), since)
}

func (s *RedisFrequencyCapStore) countSince(ctx context.Context, key string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, key, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count histogram events: %w", err)
	}
	return int(n), nil
}
