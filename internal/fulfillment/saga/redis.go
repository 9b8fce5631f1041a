// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisRepository.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisRepository stores each instance as a JSON string and guards writes
// with WATCH/MULTI. Sorted sets index instances by state and by last update.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository uses an existing client.
func NewRedisRepository(client redis.UniversalClient, keyPrefix string) *RedisRepository {
	if keyPrefix == "" {
		keyPrefix = "fulfillment:"
	}
	return &RedisRepository{
		client: client,
		prefix: keyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedisRepository connects and pings.
func OpenRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect saga redis: %w", err)
	}
	return NewRedisRepository(client, cfg.KeyPrefix), nil
}

// Close releases the client.
func (r *RedisRepository) Close() error { return r.client.Close() }

// Ping checks the connection.
func (r *RedisRepository) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRepository) key(id string) string    { return r.prefix + "saga:" + id }
func (r *RedisRepository) stateKey(s State) string { return r.prefix + "saga:state:" + string(s) }
func (r *RedisRepository) terminalKey() string     { return r.prefix + "saga:terminal" }
func score(t time.Time) float64                    { return float64(t.UnixMilli()) }
func scoreBound(t time.Time) string                { return "(" + strconv.FormatInt(t.UnixMilli(), 10) }

func (r *RedisRepository) Get(ctx context.Context, correlationID string) (*Instance, error) {
	raw, err := r.client.Get(ctx, r.key(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", correlationID, err)
	}
	return decodeInstance(raw)
}

func (r *RedisRepository) Create(ctx context.Context, inst *Instance) error {
	inst.Version = 1
	inst.UpdatedAt = r.now()
	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", inst.CorrelationID, err)
	}

	ok, err := r.client.SetNX(ctx, r.key(inst.CorrelationID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create saga %s: %w", inst.CorrelationID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	if err := r.index(ctx, r.client, "", inst); err != nil {
		return fmt.Errorf("index saga %s: %w", inst.CorrelationID, err)
	}
	return nil
}

func (r *RedisRepository) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	key := r.key(inst.CorrelationID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrVersionConflict
		}

		next := inst.Clone()
		next.Version = expectedVersion + 1
		next.UpdatedAt = r.now()
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return r.index(ctx, pipe, cur.State, next)
		})
		if err != nil {
			return err
		}
		inst.Version = next.Version
		inst.UpdatedAt = next.UpdatedAt
		return nil
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNotFound):
		return err
	default:
		return fmt.Errorf("update saga %s: %w", inst.CorrelationID, err)
	}
}

// index moves the id between state sets.
func (r *RedisRepository) index(ctx context.Context, c redis.Cmdable, prev State, inst *Instance) error {
	if prev != "" && prev != inst.State {
		if err := c.ZRem(ctx, r.stateKey(prev), inst.CorrelationID).Err(); err != nil {
			return err
		}
	}
	if err := c.ZAdd(ctx, r.stateKey(inst.State), redis.Z{Score: score(inst.CreatedAt), Member: inst.CorrelationID}).Err(); err != nil {
		return err
	}
	if inst.State.Terminal() {
		return c.ZAdd(ctx, r.terminalKey(), redis.Z{Score: score(inst.UpdatedAt), Member: inst.CorrelationID}).Err()
	}
	return nil
}

func (r *RedisRepository) ListByState(ctx context.Context, state State, createdBefore time.Time, limit int) ([]*Instance, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: scoreBound(createdBefore)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.stateKey(state), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s sagas: %w", state, err)
	}
	return r.load(ctx, ids)
}

func (r *RedisRepository) load(ctx context.Context, ids []string) ([]*Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sagas: %w", err)
	}
	out := make([]*Instance, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		inst, err := decodeInstance([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *RedisRepository) PurgeTerminal(ctx context.Context, updatedBefore time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.terminalKey(), &redis.ZRangeBy{Min: "-inf", Max: scoreBound(updatedBefore)}).Result()
	if err != nil {
		return 0, fmt.Errorf("list terminal sagas: %w", err)
	}
	insts, err := r.load(ctx, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, inst := range insts {
		if len(inst.Outbox) > 0 {
			continue
		}
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.key(inst.CorrelationID))
			pipe.ZRem(ctx, r.stateKey(inst.State), inst.CorrelationID)
			pipe.ZRem(ctx, r.terminalKey(), inst.CorrelationID)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("purge saga %s: %w", inst.CorrelationID, err)
		}
		n++
	}
	return n, nil
}

func decodeInstance(raw []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	return &inst, nil
}
