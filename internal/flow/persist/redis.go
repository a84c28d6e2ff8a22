package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultRedisTTL expires abandoned active checkpoints.
	DefaultRedisTTL = 24 * time.Hour

	redisKeyPrefix = "galley:flow:"
)

// RedisStore keeps checkpoints in redis for deployments where a flow may be
// resumed by a different process than the one that started it. Values are
// msgpack; keys are
//
//	galley:flow:<id>:ckpt:<ulid>   one active checkpoint (TTL-bound)
//	galley:flow:<id>:index         LPUSH list of checkpoint keys, newest first
//	galley:flow:<id>:done          archived completion record
//	galley:flow:<id>:failed        archived failure record
//
// Archival writes the archive key and removes the active checkpoints in one
// transaction.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig tunes a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds active checkpoints; archives have no TTL. Default 24h.
	TTL time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("persist: redis addr is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreFromClient wraps an existing client; tests use it with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func flowKey(flowID, suffix string) string {
	return redisKeyPrefix + flowID + ":" + suffix
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error {
	b, err := msgpack.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	key := flowKey(ckpt.FlowID, "ckpt:"+ulid.Make().String())
	indexKey := flowKey(ckpt.FlowID, "index")
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, s.ttl)
		pipe.LPush(ctx, indexKey, key)
		pipe.Expire(ctx, indexKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadLatestCheckpoint(ctx context.Context, flowID string) (Checkpoint, error) {
	keys, err := s.client.LRange(ctx, flowKey(flowID, "index"), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Checkpoint{}, fmt.Errorf("read index: %w", err)
	}
	// Newest first; a key may have expired while still indexed.
	for _, key := range keys {
		b, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
		}
		var ckpt Checkpoint
		if err := msgpack.Unmarshal(b, &ckpt); err != nil {
			return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", key, err)
		}
		return ckpt, nil
	}
	return Checkpoint{}, fmt.Errorf("%w for flow %s", ErrNoCheckpoint, flowID)
}

func (s *RedisStore) ListCheckpoints(ctx context.Context, flowID string) ([]Info, error) {
	keys, err := s.client.LRange(ctx, flowKey(flowID, "index"), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read index: %w", err)
	}
	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		b, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		var ckpt Checkpoint
		if err := msgpack.Unmarshal(b, &ckpt); err != nil {
			continue
		}
		info := Info{FlowID: ckpt.FlowID, Stage: ckpt.Stage, Timestamp: ckpt.Timestamp, Ref: key}
		if d, ok := ckpt.Metadata["digest"].(string); ok {
			info.Digest = d
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *RedisStore) SaveCompleted(ctx context.Context, rec CompletedRecord) error {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	return s.archive(ctx, rec.FlowID, flowKey(rec.FlowID, "done"), b)
}

func (s *RedisStore) SaveFailed(ctx context.Context, rec FailedRecord) error {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	return s.archive(ctx, rec.FlowID, flowKey(rec.FlowID, "failed"), b)
}

// archive writes the archive record and deletes the active checkpoints and
// index atomically. Watch guards against a concurrent checkpoint writer.
func (s *RedisStore) archive(ctx context.Context, flowID, archiveKey string, payload []byte) error {
	indexKey := flowKey(flowID, "index")
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		keys, err := tx.LRange(ctx, indexKey, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, archiveKey, payload, 0)
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.Del(ctx, indexKey)
			return nil
		})
		return err
	}, indexKey)
}

// LoadCompleted reads the archived completion record.
func (s *RedisStore) LoadCompleted(ctx context.Context, flowID string) (CompletedRecord, error) {
	var rec CompletedRecord
	b, err := s.client.Get(ctx, flowKey(flowID, "done")).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("%w for flow %s", ErrNoCheckpoint, flowID)
	}
	if err != nil {
		return rec, err
	}
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode completion: %w", err)
	}
	return rec, nil
}

// LoadFailed reads the archived failure record.
func (s *RedisStore) LoadFailed(ctx context.Context, flowID string) (FailedRecord, error) {
	var rec FailedRecord
	b, err := s.client.Get(ctx, flowKey(flowID, "failed")).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("%w for flow %s", ErrNoCheckpoint, flowID)
	}
	if err != nil {
		return rec, err
	}
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode failure: %w", err)
	}
	return rec, nil
}
