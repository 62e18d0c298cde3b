package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStageStore mirrors stage metadata into an external directory. The
// in-memory registry stays authoritative for membership; this store only
// publishes what a directory service would need to list or garbage-collect
// stages.
type RedisStageStore struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisStageStore(client *redis.Client, logger *zap.SugaredLogger) ports.StageStore {
	return &RedisStageStore{
		client: client,
		prefix: "stagecast:stage:",
		logger: logger,
	}
}

func (s *RedisStageStore) stageKey(id domain.StageID) string {
	return s.prefix + string(id)
}

func (s *RedisStageStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStageStore) Publish(ctx context.Context, stage *domain.Stage) error {
	// The password never leaves the process.
	record := struct {
		ID          domain.StageID           `json:"id"`
		Name        string                   `json:"name"`
		Kind        domain.StageKind         `json:"kind"`
		Mode        domain.CommunicationMode `json:"mode"`
		DirectorUID string                   `json:"director_uid"`
		CreatedAt   time.Time                `json:"created_at"`
	}{stage.ID, stage.Name, stage.Kind, stage.Mode, stage.DirectorUID, stage.CreatedAt}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stage: %w", err)
	}

	if err := s.client.Set(ctx, s.stageKey(stage.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to publish stage to Redis: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), string(stage.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index stage in Redis: %w", err)
	}

	s.logger.Infow("published stage to directory", "stage_id", stage.ID)
	return nil
}

func (s *RedisStageStore) Forget(ctx context.Context, id domain.StageID) error {
	if err := s.client.Del(ctx, s.stageKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete stage from Redis: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to unindex stage in Redis: %w", err)
	}
	return nil
}

// NewClient dials the external directory and verifies the connection.
func NewClient(address, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
