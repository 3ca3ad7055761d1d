// Package queue is the redis-streams task transport between the document
// server and this worker. Delivery is at-least-once: consumer groups
// redeliver unacked messages and XAutoClaim recovers deliveries stuck on a
// dead consumer, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papermerge/s3-worker/internal/util"
)

// ErrSkipRetry marks a handler error as terminal: the message is acked
// without requeue. Wrap with fmt.Errorf("...: %w", ErrSkipRetry) or join.
var ErrSkipRetry = errors.New("queue: skip retry")

// Task is one unit of work on the stream.
type Task struct {
	Name     string   `json:"name"`
	IDs      []string `json:"ids"`
	Attempts int      `json:"attempts"`
}

// Handler processes a delivered task. A nil return acks the message; a
// retryable error requeues it up to MaxRetries times; an error wrapping
// ErrSkipRetry acks it immediately.
type Handler func(ctx context.Context, task Task) error

type RedisTaskQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisTaskQueue(cfg Config) (*RedisTaskQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "s3worker"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 6
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisTaskQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue publishes a task onto the stream.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, task Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("task name required")
	}
	return q.add(ctx, task)
}

func (q *RedisTaskQueue) add(ctx context.Context, task Task) error {
	ids, err := json.Marshal(task.IDs)
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task":     task.Name,
			"ids":      string(ids),
			"attempts": strconv.Itoa(task.Attempts),
		},
	}).Err()
}

// Start launches concurrency consumer goroutines that run until ctx ends.
func (q *RedisTaskQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisTaskQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisTaskQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisTaskQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisTaskQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	task, ok := decodeTask(msg)
	if !ok {
		slog.Warn("dropping malformed queue message", "id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}

	err := handler(ctx, task)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if errors.Is(err, ErrSkipRetry) || task.Attempts >= q.maxRetries {
		slog.Error("task failed permanently", "task", task.Name, "ids", task.IDs, "attempts", task.Attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}

	slog.Warn("task failed, will retry", "task", task.Name, "ids", task.IDs, "attempt", task.Attempts, "err", err)
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	task.Attempts++
	_ = q.requeueAndAck(ctx, msg.ID, task)
}

func (q *RedisTaskQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisTaskQueue) requeueAndAck(ctx context.Context, msgID string, task Task) error {
	ids, err := json.Marshal(task.IDs)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task":     task.Name,
			"ids":      string(ids),
			"attempts": strconv.Itoa(task.Attempts),
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err = pipe.Exec(ctx)
	return err
}

func decodeTask(msg redis.XMessage) (Task, bool) {
	name, _ := msg.Values["task"].(string)
	if name == "" {
		return Task{}, false
	}
	task := Task{Name: name}
	if raw, _ := msg.Values["ids"].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.IDs); err != nil {
			return Task{}, false
		}
	}
	if raw, _ := msg.Values["attempts"].(string); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			task.Attempts = n
		}
	}
	return task, true
}
