package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/researchflow/types"
)

// RedisStore is a Redis-backed checkpoint store for distributed
// deployments. Each job's log is a sorted set scored by sequence, with
// a per-job counter key assigning sequence numbers.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "researchflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "ckpt:",
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests and
// when the lease and checkpoint store share one connection pool.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "researchflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "ckpt:"}
}

func (s *RedisStore) logKey(jobID string) string { return s.keyPrefix + "log:" + jobID }
func (s *RedisStore) seqKey(jobID string) string { return s.keyPrefix + "seq:" + jobID }

func (s *RedisStore) Append(ctx context.Context, jobID string, stage types.Stage, status RecordStatus, state json.RawMessage) (*Record, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(jobID)).Result()
	if err != nil {
		return nil, unavailable("append", err)
	}

	rec := &Record{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     stage,
		Sequence:  int(seq),
		Status:    status,
		State:     append(json.RawMessage(nil), state...),
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, unavailable("append", err)
	}

	if err := s.client.ZAdd(ctx, s.logKey(jobID), redis.Z{
		Score:  float64(seq),
		Member: data,
	}).Err(); err != nil {
		return nil, unavailable("append", err)
	}

	return rec, nil
}

func (s *RedisStore) Latest(ctx context.Context, jobID string) (*Record, error) {
	members, err := s.client.ZRevRange(ctx, s.logKey(jobID), 0, 0).Result()
	if err != nil {
		return nil, unavailable("latest", err)
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord([]byte(members[0]))
}

func (s *RedisStore) History(ctx context.Context, jobID string) ([]*Record, error) {
	members, err := s.client.ZRange(ctx, s.logKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("history", err)
	}

	out := make([]*Record, 0, len(members))
	for _, m := range members {
		rec, err := decodeRecord([]byte(m))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	n, err := s.client.ZCard(ctx, s.logKey(jobID)).Result()
	if err != nil {
		return 0, unavailable("delete", err)
	}
	if err := s.client.Del(ctx, s.logKey(jobID), s.seqKey(jobID)).Err(); err != nil {
		return 0, unavailable("delete", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corrupt("checkpoint record is not valid JSON", err)
	}
	if !rec.Stage.IsExecutable() || rec.Sequence <= 0 {
		return nil, corrupt(fmt.Sprintf("checkpoint %s has invalid stage/sequence", rec.ID), nil)
	}
	return &rec, nil
}
