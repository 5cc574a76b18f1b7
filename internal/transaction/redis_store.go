package transaction

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisStore 将交易文档保存在字符串键中，所有者索引使用有序集合（score 为创建时间）。
// 更新通过 WATCH + MULTI 实现比较并交换。
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	retries int
	now     func() time.Time
}

// NewRedisStore 基于已连接的客户端创建存储。
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "openmech"
	}
	return &RedisStore{client: client, prefix: prefix, retries: defaultCASRetries, now: time.Now}, nil
}

func (s *RedisStore) txKey(id string) string {
	return fmt.Sprintf("%s:tx:%s", s.prefix, id)
}

func (s *RedisStore) ownerKey(owner string) string {
	return fmt.Sprintf("%s:owner:%s", s.prefix, OwnerKey(owner))
}

// Create 使用 SETNX 语义写入交易并建立所有者索引。
func (s *RedisStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	stampCreate(tx, s.now())
	document, err := json.Marshal(tx)
	if err != nil {
		return xerrors.Wrap(CodeInternal, err, "编码交易文档失败")
	}

	created, err := s.client.SetNX(ctx, s.txKey(tx.ID), document, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	if !created {
		return duplicate(tx.ID)
	}
	member := redis.Z{Score: float64(tx.CreatedAt.UnixMilli()), Member: tx.ID}
	if err := s.client.ZAdd(ctx, s.ownerKey(tx.OwnerAddress), member).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入所有者索引失败")
	}
	return nil
}

// Get 读取交易文档。
func (s *RedisStore) Get(ctx context.Context, id string) (*Transaction, error) {
	raw, err := s.client.Get(ctx, s.txKey(id)).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	return decodeDocument(raw)
}

// ListByOwner 通过有序集合倒序分页。
func (s *RedisStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	start, stop := int64(opts.Offset), int64(opts.Offset+opts.Limit-1)
	if opts.filtered() {
		start, stop = 0, -1
	}
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(owner), start, stop).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取所有者索引失败")
	}
	if len(ids) == 0 {
		return []*Transaction{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.txKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取交易失败")
	}

	txs := make([]*Transaction, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		tx, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	sortNewestFirst(txs)
	if opts.filtered() {
		return opts.page(txs), nil
	}
	return txs, nil
}

// Update 在 WATCH 事务中执行读-改-写，键被并发修改时重试。
func (s *RedisStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Transaction, error) {
	key := s.txKey(id)
	var updated *Transaction

	txf := func(rtx *redis.Tx) error {
		raw, err := rtx.Get(ctx, key).Result()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				return notFound(id)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
		}
		current, err := decodeDocument(raw)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		current.ID = id
		stampUpdate(current, s.now())
		document, err := json.Marshal(current)
		if err != nil {
			return xerrors.Wrap(CodeInternal, err, "编码交易文档失败")
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, document, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = current
		return nil
	}

	for attempt := 1; attempt <= s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !stdErrors.Is(err, redis.TxFailedErr) {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 交易失败")
		}
		metrics.StoreCASRetries.WithLabelValues("redis").Inc()
		logger.L().Debug("Redis 交易键被并发修改，重试更新",
			slog.String("transaction_id", id),
			slog.Int("attempt", attempt),
		)
	}
	return nil, xerrors.New(CodeConflict, fmt.Sprintf("交易 %s 并发更新冲突，重试 %d 次后放弃", id, s.retries))
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
