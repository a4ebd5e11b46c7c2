// Copyright 2026 The Durableflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis provides a Redis-backed broker.Queue for fleet deployments,
// using a sorted set as the delay index and a list as the ready queue so a
// single worker's BLPOP doesn't have to poll for delayed-task eligibility.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/durableflow/engine/internal/broker"
)

var _ broker.Queue = (*Queue)(nil)

const (
	readyListKey = "durableflow:tasks:ready"
	delayZSetKey = "durableflow:tasks:delayed"
)

// Queue is a Redis-backed broker.Queue.
type Queue struct {
	client *goredis.Client
	cb     *gobreaker.CircuitBreaker

	promoteInterval time.Duration
	stop            chan struct{}
}

// New creates a Queue against an already-constructed Redis client and starts
// its background delay-promotion loop.
func New(client *goredis.Client) *Queue {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-broker",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	q := &Queue{
		client:          client,
		cb:              cb,
		promoteInterval: 200 * time.Millisecond,
		stop:            make(chan struct{}),
	}
	go q.promoteLoop()
	return q
}

// Enqueue implements broker.Queue. A task with a future NotBefore is pushed
// to the delayed sorted set (scored by its eligible Unix time); an
// immediately-eligible task goes straight to the ready list.
func (q *Queue) Enqueue(ctx context.Context, task *broker.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("broker/redis: marshal task: %w", err)
	}

	_, err = q.cb.Execute(func() (any, error) {
		if task.NotBefore.IsZero() || !task.NotBefore.After(time.Now()) {
			return nil, q.client.LPush(ctx, readyListKey, data).Err()
		}
		return nil, q.client.ZAdd(ctx, delayZSetKey, goredis.Z{
			Score:  float64(task.NotBefore.Unix()),
			Member: data,
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("broker/redis: enqueue: %w", err)
	}
	return nil
}

// Dequeue implements broker.Queue via a blocking right-pop against the ready
// list, waking periodically to honor ctx cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*broker.Task, error) {
	for {
		result, err := q.cb.Execute(func() (any, error) {
			return q.client.BRPop(ctx, time.Second, readyListKey).Result()
		})
		if err != nil {
			if err == goredis.Nil {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
					continue
				}
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("broker/redis: dequeue: %w", err)
		}

		values := result.([]string)
		if len(values) != 2 {
			continue
		}
		var task broker.Task
		if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
			return nil, fmt.Errorf("broker/redis: unmarshal task: %w", err)
		}
		return &task, nil
	}
}

// promoteLoop periodically moves delayed tasks whose NotBefore has elapsed
// from the sorted set into the ready list.
func (q *Queue) promoteLoop() {
	ticker := time.NewTicker(q.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.promoteDue()
		}
	}
}

func (q *Queue) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := float64(time.Now().Unix())
	due, err := q.client.ZRangeByScore(ctx, delayZSetKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	pipe := q.client.Pipeline()
	for _, member := range due {
		pipe.ZRem(ctx, delayZSetKey, member)
		pipe.LPush(ctx, readyListKey, member)
	}
	_, _ = pipe.Exec(ctx)
}

// Len implements broker.Queue.
func (q *Queue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ready, _ := q.client.LLen(ctx, readyListKey).Result()
	delayed, _ := q.client.ZCard(ctx, delayZSetKey).Result()
	return int(ready + delayed)
}

// Close implements broker.Queue, stopping the promotion loop. The
// underlying Redis client is owned by the caller and not closed here.
// Enqueue and Dequeue do not check for Close and never return
// broker.ErrQueueClosed; after Close they keep talking to Redis.
func (q *Queue) Close() error {
	close(q.stop)
	return nil
}
