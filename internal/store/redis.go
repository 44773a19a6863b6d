package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"mash/internal/apperrors"
)

const redisScheme = "redis:"

// Redis keeps each service's snapshots in one hash, field per job id.
type Redis struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr string, db int, service string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Connection("store.redis.ping", err)
	}
	return NewRedisWithClient(client, service), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, service string) *Redis {
	key := "mash:" + service + ":jobs"
	return &Redis{
		client: client,
		key:    key,
		logger: slog.With("component", "store", "key", key),
	}
}

func (s *Redis) location(id string) string {
	return redisScheme + s.key + "/" + id
}

func (s *Redis) Persist(ctx context.Context, cfg map[string]any) (string, error) {
	id, err := jobID(cfg)
	if err != nil {
		return "", err
	}
	loc := s.location(id)
	cfg[JobFileKey] = loc

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", apperrors.Persistence("store.encode", err)
	}
	if err := s.client.HSet(ctx, s.key, id, data).Err(); err != nil {
		return "", apperrors.Persistence("store.redis.hset", err)
	}
	return loc, nil
}

func (s *Redis) ListPending(ctx context.Context) ([]map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, apperrors.Persistence("store.redis.hgetall", err)
	}

	out := make([]map[string]any, 0, len(fields))
	for id, raw := range fields {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil || cfg == nil {
			s.logger.Warn("Snapshot corrupt", "jobId", id, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Redis) Remove(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	prefix := redisScheme + s.key + "/"
	if !strings.HasPrefix(location, prefix) {
		return apperrors.Validation(JobFileKey, "snapshot location belongs to another store")
	}
	if err := s.client.HDel(ctx, s.key, strings.TrimPrefix(location, prefix)).Err(); err != nil {
		return apperrors.Persistence("store.redis.hdel", err)
	}
	return nil
}

// Close releases the client.
func (s *Redis) Close() error {
	return s.client.Close()
}
