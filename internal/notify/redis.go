package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"therapy-booking/pkg"
)

// RedisStore implements Store on Redis.  Each notification is a JSON string
// under "<prefix>:notification:<id>"; each recipient has a sorted set of ids
// scored by creation time.  Keys carry no TTL: retention is handled outside
// the chat core.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	s := &RedisStore{client: client, prefix: "therapy"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) itemKey(id string) string {
	return s.prefix + ":notification:" + id
}

func (s *RedisStore) inboxKey(role pkg.Role, name string) string {
	return s.prefix + ":inbox:" + string(role) + ":" + name
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, n *pkg.Notification) error {
	val, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(n.ID), val, 0)
		pipe.ZAdd(ctx, s.inboxKey(n.RecipientRole, n.RecipientName), redis.Z{
			Score:  float64(n.CreatedAt.UnixNano()),
			Member: n.ID,
		})
		return nil
	})
	return errors.Wrap(err, "redis insert notification")
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*pkg.Notification, error) {
	val, err := s.client.Get(ctx, s.itemKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get notification")
	}
	var n pkg.Notification
	if err := json.Unmarshal([]byte(val), &n); err != nil {
		return nil, errors.Wrap(err, "unmarshal notification")
	}
	return &n, nil
}

// ListFor implements Store.
func (s *RedisStore) ListFor(ctx context.Context, role pkg.Role, name string) ([]pkg.Notification, error) {
	ids, err := s.client.ZRevRange(ctx, s.inboxKey(role, name), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis list inbox")
	}
	if len(ids) == 0 {
		return []pkg.Notification{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis load notifications")
	}
	out := make([]pkg.Notification, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var n pkg.Notification
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			return nil, errors.Wrap(err, "unmarshal notification")
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkRead implements Store.  WATCH keeps a concurrent MarkRead from losing
// an update to the stored JSON.
func (s *RedisStore) MarkRead(ctx context.Context, id string) error {
	key := s.itemKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "redis get notification")
		}
		var n pkg.Notification
		if err := json.Unmarshal([]byte(val), &n); err != nil {
			return errors.Wrap(err, "unmarshal notification")
		}
		if n.IsRead {
			return nil
		}
		n.IsRead = true
		newVal, err := json.Marshal(&n)
		if err != nil {
			return errors.Wrap(err, "marshal notification")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
