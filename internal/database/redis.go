package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/redis/go-redis/v9"
)

// RedisRetainedStore 把保留消息保存在一个 Redis hash 中，field 为主题
type RedisRetainedStore struct {
	client *redis.Client
	key    string
}

func NewRedisRetainedStore(ctx context.Context, cfg config.RedisConfig) (*RedisRetainedStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error occured while pinging redis %s: %w", cfg.Addr, err)
	}
	logger.InfoF("Connected to redis at %s", cfg.Addr)
	return &RedisRetainedStore{client: client, key: cfg.KeyPrefix + "retained"}, nil
}

func (rs *RedisRetainedStore) LoadRetained(ctx context.Context) ([]*broker.Message, error) {
	entries, err := rs.client.HGetAll(ctx, rs.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", rs.key, err)
	}
	messages := make([]*broker.Message, 0, len(entries))
	for topic, raw := range entries {
		var doc RetainedDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			logger.WarnF("Skip malformed retained entry for topic %s, details: %v", topic, err)
			continue
		}
		messages = append(messages, doc.toMessage())
	}
	return messages, nil
}

func (rs *RedisRetainedStore) SaveRetained(ctx context.Context, msg *broker.Message) error {
	data, err := json.Marshal(retainedFromMessage(msg))
	if err != nil {
		return err
	}
	return rs.client.HSet(ctx, rs.key, msg.Topic, data).Err()
}

func (rs *RedisRetainedStore) DeleteRetained(ctx context.Context, topic string) error {
	return rs.client.HDel(ctx, rs.key, topic).Err()
}

func (rs *RedisRetainedStore) Invoke(_ context.Context) error {
	logger.InfoF("Closing redis connection")
	return rs.client.Close()
}
