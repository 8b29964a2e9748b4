package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/redis/go-redis/v9"
)

const maxApplyRetries = 10

// RedisRegistry stores each job as a JSON string under <prefix>:<id>.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "job"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) Put(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.client.Set(ctx, Key(r.prefix, j.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job %s: %w", j.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	data, err := r.client.Get(ctx, Key(r.prefix, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &j, true, nil
}

// Apply runs the transition under WATCH so a concurrent writer forces a
// re-read instead of being overwritten.
func (r *RedisRegistry) Apply(ctx context.Context, next *job.Job) (*job.Job, error) {
	key := Key(r.prefix, next.ID)
	var out *job.Job

	txf := func(tx *redis.Tx) error {
		var cur *job.Job
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get job %s: %w", next.ID, err)
		default:
			cur = &job.Job{}
			if err := json.Unmarshal(data, cur); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", next.ID, err)
			}
		}

		merged, err := job.Transition(cur, next)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = merged
		return nil
	}

	for i := 0; i < maxApplyRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("failed to apply job %s: too many concurrent writers", next.ID)
}
