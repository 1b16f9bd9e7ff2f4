package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxUpdateRetries bounds optimistic-lock retries on concurrent updates.
const maxUpdateRetries = 5

// RedisBackend implements StorageBackend using Redis.
// Each session is a hash of message JSON keyed by ID plus a sorted set that
// orders IDs by sort key. Every write publishes on a per-session channel so
// subscribers on any node re-read the log.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all chat log keys (default: "quantchat:chat:").
	Prefix string `yaml:"prefix"`
	// SessionTTL is the log expiry duration (0 = never expire).
	SessionTTL time.Duration `yaml:"session_ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "quantchat:chat:"

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key helpers
func (b *RedisBackend) seqKey(sessionID string) string {
	return b.prefix + "seq:" + sessionID
}

func (b *RedisBackend) messagesKey(sessionID string) string {
	return b.prefix + "msgs:" + sessionID
}

func (b *RedisBackend) orderKey(sessionID string) string {
	return b.prefix + "order:" + sessionID
}

func (b *RedisBackend) eventsChannel(sessionID string) string {
	return b.prefix + "events:" + sessionID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Create appends a message to a session.
func (b *RedisBackend) Create(ctx context.Context, sessionID string, msg NewMessage) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if err := validateNew(msg); err != nil {
		return "", err
	}

	seq, err := b.client.Incr(ctx, b.seqKey(sessionID)).Result()
	if err != nil {
		return "", fmt.Errorf("allocate sort key: %w", err)
	}

	m := newStoredMessage(uuid.New().String(), seq, msg, b.now())
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.messagesKey(sessionID), m.ID, data)
		pipe.ZAdd(ctx, b.orderKey(sessionID), redis.Z{Score: float64(seq), Member: m.ID})
		if b.ttl > 0 {
			pipe.Expire(ctx, b.messagesKey(sessionID), b.ttl)
			pipe.Expire(ctx, b.orderKey(sessionID), b.ttl)
			pipe.Expire(ctx, b.seqKey(sessionID), b.ttl)
		}
		pipe.Publish(ctx, b.eventsChannel(sessionID), m.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	return m.ID, nil
}

// Update applies a patch under WATCH so concurrent writers never lose an update.
func (b *RedisBackend) Update(ctx context.Context, sessionID, messageID string, patch Patch) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	key := b.messagesKey(sessionID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, messageID).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrMessageNotFound
			}
			return fmt.Errorf("get message: %w", err)
		}

		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}
		if err := applyPatch(&m, patch, b.now()); err != nil {
			return err
		}
		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, messageID, data)
			pipe.Publish(ctx, b.eventsChannel(sessionID), messageID)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrMessageNotFound) && !errors.Is(err, ErrMessageFinal) {
			return fmt.Errorf("update message: %w", err)
		}
		return err
	}
	return fmt.Errorf("update message: %w", redis.TxFailedErr)
}

// List returns all messages for a session ordered by SortKey.
func (b *RedisBackend) List(ctx context.Context, sessionID string) ([]*Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRange(ctx, b.orderKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	values, err := b.client.HMGet(ctx, b.messagesKey(sessionID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]*Message, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Order index points at a message that expired first.
			log.Printf("[Store] redis: dangling message %s in session %s", ids[i], sessionID)
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &m)
	}

	sortMessages(msgs)
	return msgs, nil
}

// Subscribe listens on the session's change channel and re-reads the log on
// every notification. The subscription is confirmed before the initial read,
// so no write can fall between the two.
func (b *RedisBackend) Subscribe(ctx context.Context, sessionID string, fn SubscribeFunc) (func(), error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := b.client.Subscribe(subCtx, b.eventsChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	initial, err := b.List(ctx, sessionID)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	ch := pubsub.Channel()
	go func() {
		defer close(done)
		fn(initial)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// Coalesce a burst of notifications into one read.
				drain(ch)
				msgs, err := b.List(subCtx, sessionID)
				if err != nil {
					if subCtx.Err() == nil {
						log.Printf("[Store] redis: reload session %s: %v", sessionID, err)
					}
					continue
				}
				fn(msgs)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func drain(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}
