package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	docPrefix    = "doc:"
	eventChannel = "store:events"
)

// RedisStore keeps documents as JSON strings under doc:<path> and fans out
// change notifications over a pub/sub channel shared by all nodes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}
	return &RedisStore{rdb: rdb}
}

type wireEvent struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (s *RedisStore) Write(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := s.rdb.Set(ctx, docPrefix+path, raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, path, err)
	}
	s.publish(ctx, wireEvent{Path: path, Value: raw})
	return nil
}

func (s *RedisStore) Read(ctx context.Context, path string, out interface{}) error {
	raw, err := s.rdb.Get(ctx, docPrefix+path).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	return json.Unmarshal(raw, out)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	n, err := s.rdb.Del(ctx, docPrefix+path).Result()
	if err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, path, err)
	}
	if n > 0 {
		s.publish(ctx, wireEvent{Path: path})
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.rdb.Scan(ctx, 0, docPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		} else if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
		}
		out[strings.TrimPrefix(key, docPrefix)] = raw
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, prefix, err)
	}
	return out, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	out := make(chan Event, 256)

	// Snapshot after the subscription is live so no write is missed;
	// a write racing the snapshot may be delivered twice, which
	// subscribers treat as a redundant refresh.
	snapshot, err := s.List(ctx, prefix)
	if err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	go func() {
		defer close(out)
		for path, raw := range snapshot {
			out <- Event{Path: path, Value: raw}
		}
		for msg := range pubsub.Channel() {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[Store] bad event payload: %v", err)
				continue
			}
			if !strings.HasPrefix(ev.Path, prefix) {
				continue
			}
			select {
			case out <- Event{Path: ev.Path, Value: ev.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) publish(ctx context.Context, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Store] marshal event %s: %v", ev.Path, err)
		return
	}
	if err := s.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		log.Printf("[Store] publish %s: %v", ev.Path, err)
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
