package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"siren-signal/internal/models"
)

// presenceTTL bounds how long a responder stays dispatchable without a
// position refresh.
const presenceTTL = 1 * time.Hour

// RedisRegistry tracks responder presence and last known position.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(addr string) *RedisRegistry {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) Register(ctx context.Context, resp models.Responder) error {
	resp.UpdatedAt = time.Now()
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal responder %s: %w", resp.ID, err)
	}
	key := fmt.Sprintf("resp:%s", resp.ID)
	log.Printf("[Registry] Storing %s at (%.5f, %.5f)", key, resp.Latitude, resp.Longitude)
	return r.rdb.Set(ctx, key, raw, presenceTTL).Err()
}

func (r *RedisRegistry) Lookup(ctx context.Context, uid string) (models.Responder, error) {
	key := fmt.Sprintf("resp:%s", uid)
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return models.Responder{}, fmt.Errorf("responder %s not found", uid)
	} else if err != nil {
		return models.Responder{}, err
	}
	var resp models.Responder
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Responder{}, err
	}
	return resp, nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, uid string) error {
	return r.rdb.Del(ctx, fmt.Sprintf("resp:%s", uid)).Err()
}

// All returns every responder with a live presence entry.
func (r *RedisRegistry) All(ctx context.Context) ([]models.Responder, error) {
	var out []models.Responder
	iter := r.rdb.Scan(ctx, 0, "resp:*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, err
		}
		var resp models.Responder
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Printf("[Registry] skipping bad entry %s: %v", iter.Val(), err)
			continue
		}
		out = append(out, resp)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Nearest picks the responder closest to the given position.
func (r *RedisRegistry) Nearest(ctx context.Context, lat, lng float64) (models.Responder, error) {
	responders, err := r.All(ctx)
	if err != nil {
		return models.Responder{}, err
	}
	return Nearest(responders, lat, lng)
}
