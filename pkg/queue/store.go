package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// errEmpty is returned by pop when nothing arrived before the wait elapsed.
var errEmpty = errors.New("queue empty")

// store is the persistence the queue runs on.
type store interface {
	push(ctx context.Context, data []byte) error
	pop(ctx context.Context, wait time.Duration) ([]byte, error)
	scheduleRetry(ctx context.Context, data []byte, at time.Time) error
	promoteDue(ctx context.Context, now time.Time) error
	deadLetter(ctx context.Context, data []byte) error
	setStatus(ctx context.Context, id string, s Status) error
	status(ctx context.Context, id string) (Status, error)
	ping(ctx context.Context) error
}

type redisStore struct {
	client *redis.Client
	prefix string
}

func (s *redisStore) key(name string) string { return s.prefix + ":" + name }

func (s *redisStore) push(ctx context.Context, data []byte) error {
	return s.client.LPush(ctx, s.key("messages"), data).Err()
}

func (s *redisStore) pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	res, err := s.client.BRPop(ctx, wait, s.key("messages")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, errEmpty
	}
	return []byte(res[1]), nil
}

func (s *redisStore) scheduleRetry(ctx context.Context, data []byte, at time.Time) error {
	return s.client.ZAdd(ctx, s.key("retry"), redis.Z{Score: float64(at.Unix()), Member: data}).Err()
}

func (s *redisStore) promoteDue(ctx context.Context, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, s.key("retry"), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, m := range due {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.key("retry"), m)
		pipe.LPush(ctx, s.key("messages"), m)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) deadLetter(ctx context.Context, data []byte) error {
	return s.client.LPush(ctx, s.key("dlq"), data).Err()
}

func (s *redisStore) setStatus(ctx context.Context, id string, st Status) error {
	return s.client.HSet(ctx, s.key("status"), id, string(st)).Err()
}

func (s *redisStore) status(ctx context.Context, id string) (Status, error) {
	v, err := s.client.HGet(ctx, s.key("status"), id).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, nil
	}
	return Status(v), err
}

func (s *redisStore) ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
