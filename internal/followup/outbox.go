package followup

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/leadqual/internal/domain"
)

// Outbox queues follow-up messages until the lead polls for them.
type Outbox interface {
	Enqueue(ctx context.Context, msg domain.FollowUpMessage) error
	// Drain removes and returns every queued message for leadID, oldest first.
	Drain(ctx context.Context, leadID string) ([]domain.FollowUpMessage, error)
}

// MemoryOutbox is an in-process Outbox.
type MemoryOutbox struct {
	mu     sync.Mutex
	queues map[string][]domain.FollowUpMessage
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{queues: make(map[string][]domain.FollowUpMessage)}
}

// Enqueue implements Outbox.
func (o *MemoryOutbox) Enqueue(_ context.Context, msg domain.FollowUpMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues[msg.LeadID] = append(o.queues[msg.LeadID], msg)
	return nil
}

// Drain implements Outbox.
func (o *MemoryOutbox) Drain(_ context.Context, leadID string) ([]domain.FollowUpMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.queues[leadID]
	delete(o.queues, leadID)
	return msgs, nil
}

// RedisOutbox keeps one Redis list per lead so queued follow-ups survive
// restarts and are shared between server replicas.
type RedisOutbox struct {
	client *redis.Client
	prefix string
}

const redisKeyPrefix = "leadqual:followups:"

// NewRedisOutbox connects to redisURL (redis:// or rediss://).
func NewRedisOutbox(ctx context.Context, redisURL string, tlsInsecure bool) (*RedisOutbox, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.TLSConfig != nil && tlsInsecure {
		clone := opt.TLSConfig.Clone()
		clone.InsecureSkipVerify = true //nolint:gosec // opt-in for self-signed dev instances
		opt.TLSConfig = clone
	} else if tlsInsecure {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev instances
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisOutbox{client: client, prefix: redisKeyPrefix}, nil
}

// NewRedisOutboxFromClient wraps an existing client.
func NewRedisOutboxFromClient(client *redis.Client) *RedisOutbox {
	return &RedisOutbox{client: client, prefix: redisKeyPrefix}
}

func (o *RedisOutbox) key(leadID string) string {
	return o.prefix + leadID
}

// Enqueue implements Outbox.
func (o *RedisOutbox) Enqueue(ctx context.Context, msg domain.FollowUpMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode follow-up: %w", err)
	}
	if err := o.client.RPush(ctx, o.key(msg.LeadID), b).Err(); err != nil {
		return fmt.Errorf("push follow-up: %w", err)
	}
	return nil
}

// Drain implements Outbox. The read and delete run in one MULTI block.
func (o *RedisOutbox) Drain(ctx context.Context, leadID string) ([]domain.FollowUpMessage, error) {
	key := o.key(leadID)

	var items *redis.StringSliceCmd
	_, err := o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain follow-ups: %w", err)
	}

	raw := items.Val()
	msgs := make([]domain.FollowUpMessage, 0, len(raw))
	for _, s := range raw {
		var m domain.FollowUpMessage
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return msgs, fmt.Errorf("decode follow-up: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Ping checks the Redis connection.
func (o *RedisOutbox) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (o *RedisOutbox) Close() error {
	return o.client.Close()
}
