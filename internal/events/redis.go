package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "OpenMech-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisBus 使用 Redis list 实现事件队列，LPUSH 入队，BRPOP 出队。
type RedisBus struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
	owned  bool
}

// RedisOption 定义 RedisBus 的可选配置。
type RedisOption func(*RedisBus)

// WithBlockWait 设置 BRPOP 的阻塞时长。
func WithBlockWait(wait time.Duration) RedisOption {
	return func(b *RedisBus) {
		if wait > 0 {
			b.wait = wait
		}
	}
}

// WithOwnedClient 使 Close 同时关闭底层客户端。
func WithOwnedClient() RedisOption {
	return func(b *RedisBus) { b.owned = true }
}

// NewRedisBus 基于已建立的 Redis 客户端创建事件队列。
func NewRedisBus(client redis.UniversalClient, key string, opts ...RedisOption) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if key == "" {
		key = "openmech:events"
	}
	b := &RedisBus{client: client, key: key, wait: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Publish 将事件写入 Redis list。
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件，处理失败的事件重新入队。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 获取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				event, err := Decode([]byte(values[1]))
				if err != nil {
					continue
				}
				if handlerErr := handler(ctx, event); handlerErr != nil {
					_ = b.client.RPush(ctx, b.key, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 在持有客户端所有权时关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil || !b.owned {
		return nil
	}
	return b.client.Close()
}
