package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/process-engine/types"
)

const (
	templatePrefix    = "template:"
	activePrefix      = "template_active:"
	instancePrefix    = "process:"
	activeInstanceSet = "process_active"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

func templateRedisKey(name string, version int) string {
	return fmt.Sprintf("%s%s:%d", templatePrefix, name, version)
}

func instanceRedisKey(id uint64) string {
	return fmt.Sprintf("%s%d", instancePrefix, id)
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow definition to Redis and, when active,
// repoints the active marker for its name.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s v%d: %v", wf.Name, wf.Version, err)
		}

		pipe := s.client.Pipeline()
		pipe.Set(ctx, templateRedisKey(wf.Name, wf.Version), data, 0)
		if wf.Active {
			pipe.Set(ctx, activePrefix+wf.Name, wf.Version, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save workflow %s v%d: %v", wf.Name, wf.Version, err)
		}
		return nil
	})
}

// GetWorkflow retrieves the exact (name, version) definition from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, name string, version int) (types.WorkflowDefinition, error) {
	return getJSON[types.WorkflowDefinition](ctx, s.client, templateRedisKey(name, version), ErrWorkflowNotFound)
}

// GetActiveWorkflow resolves the active marker and loads that version.
func (s *RedisStorage) GetActiveWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		version, err := s.client.Get(ctx, activePrefix+name).Int()
		if err == redis.Nil {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: no active version of %s", ErrWorkflowNotFound, name)
		} else if err != nil {
			return types.WorkflowDefinition{}, fmt.Errorf("failed to resolve active workflow %s: %v", name, err)
		}
		return s.GetWorkflow(ctx, name, version)
	})
}

// ListVersions scans template keys for the name and returns the version
// numbers in ascending order.
func (s *RedisStorage) ListVersions(ctx context.Context, name string) ([]int, error) {
	return withContext(ctx, func() ([]int, error) {
		prefix := templatePrefix + name + ":"
		keys, err := s.client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan template keys: %v", err)
		}

		var versions []int
		for _, key := range keys {
			v, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
			if err != nil {
				continue
			}
			versions = append(versions, v)
		}
		sort.Ints(versions)
		return versions, nil
	})
}

// DeactivateWorkflow clears the Active flag on (name, version) and the
// active marker when it points at that version.
func (s *RedisStorage) DeactivateWorkflow(ctx context.Context, name string, version int) error {
	return withContextError(ctx, func() error {
		wf, err := s.GetWorkflow(ctx, name, version)
		if err != nil {
			return err
		}
		wf.Active = false

		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s v%d: %v", name, version, err)
		}

		pipe := s.client.Pipeline()
		pipe.Set(ctx, templateRedisKey(name, version), data, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to deactivate workflow %s v%d: %v", name, version, err)
		}

		current, err := s.client.Get(ctx, activePrefix+name).Int()
		if err == nil && current == version {
			s.client.Del(ctx, activePrefix+name)
		}
		return nil
	})
}

// SaveInstance persists an instance under a WATCH-based transaction so a
// concurrent writer invalidates the commit instead of being overwritten.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.ProcessInstance, expectedRevision int64) error {
	return withContextError(ctx, func() error {
		key := instanceRedisKey(inst.ID)

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == redis.Nil:
				if expectedRevision != 0 {
					return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
				}
			case err != nil:
				return fmt.Errorf("failed to get %s from Redis: %v", key, err)
			default:
				if expectedRevision == 0 {
					return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
				}
				var stored types.ProcessInstance
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %v", key, err)
				}
				if stored.Revision != expectedRevision {
					return fmt.Errorf("%w: id=%d expected=%d stored=%d",
						ErrRevisionConflict, inst.ID, expectedRevision, stored.Revision)
				}
			}

			payload, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %v", key, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if inst.Status == types.StatusActive {
					pipe.SAdd(ctx, activeInstanceSet, inst.ID)
				} else {
					pipe.SRem(ctx, activeInstanceSet, inst.ID)
				}
				return nil
			})
			return err
		}, key)

		// The transaction aborts when another writer touches the key
		// between WATCH and EXEC; surface that as a revision conflict.
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d", ErrRevisionConflict, inst.ID)
		}
		return err
	})
}

// GetInstance retrieves a process instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return getJSON[types.ProcessInstance](ctx, s.client, instanceRedisKey(id), ErrInstanceNotFound)
}

// ListActiveInstances loads every member of the active set.
func (s *RedisStorage) ListActiveInstances(ctx context.Context) ([]types.ProcessInstance, error) {
	return withContext(ctx, func() ([]types.ProcessInstance, error) {
		ids, err := s.client.SMembers(ctx, activeInstanceSet).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read active instance set: %v", err)
		}

		out := make([]types.ProcessInstance, 0, len(ids))
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			inst, err := s.GetInstance(ctx, id)
			if errors.Is(err, ErrInstanceNotFound) {
				s.client.SRem(ctx, activeInstanceSet, raw)
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		return out, nil
	})
}

// DeleteInstance removes an instance and its active-set membership.
func (s *RedisStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		pipe.Del(ctx, instanceRedisKey(id))
		pipe.SRem(ctx, activeInstanceSet, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete instance %d: %v", id, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
