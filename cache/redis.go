package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const previewKeyPrefix = "loan-engine:preview:"

// RedisPreviewStore keeps previews in Redis as JSON with a TTL.
type RedisPreviewStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPreviewStore(client *redis.Client, ttl time.Duration) *RedisPreviewStore {
	return &RedisPreviewStore{client: client, ttl: ttl}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisPreviewStore) Put(ctx context.Context, p Preview) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	return r.client.Set(ctx, previewKeyPrefix+p.ID, data, r.ttl).Err()
}

func (r *RedisPreviewStore) Get(ctx context.Context, id string) (Preview, error) {
	return decodePreview(r.client.Get(ctx, previewKeyPrefix+id).Bytes())
}

// Take uses GETDEL so two confirmations cannot both receive the preview.
func (r *RedisPreviewStore) Take(ctx context.Context, id string) (Preview, error) {
	return decodePreview(r.client.GetDel(ctx, previewKeyPrefix+id).Bytes())
}

func decodePreview(data []byte, err error) (Preview, error) {
	if errors.Is(err, redis.Nil) {
		return Preview{}, ErrPreviewNotFound
	}
	if err != nil {
		return Preview{}, fmt.Errorf("failed to read preview: %w", err)
	}
	var p Preview
	if err := json.Unmarshal(data, &p); err != nil {
		return Preview{}, fmt.Errorf("failed to decode preview: %w", err)
	}
	return p, nil
}
