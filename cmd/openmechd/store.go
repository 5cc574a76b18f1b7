package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/internal/storage/mysql"
	redisstore "OpenMech-Chain/internal/storage/redis"
	"OpenMech-Chain/internal/storage/sqlite"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// openStore 按配置的驱动构造交易存储。Redis 驱动时同时返回其客户端供事件队列复用，
// 该客户端随存储一起关闭。
func openStore(ctx context.Context, cfg *config.Config) (*transaction.Repository, *redis.Client, error) {
	log := logger.Named("storage")
	var sqlOpts []transaction.SQLOption
	if cfg.Storage.CASRetries > 0 {
		sqlOpts = append(sqlOpts, transaction.WithCASRetries(cfg.Storage.CASRetries))
	}

	var (
		store transaction.Store
		rdb   *redis.Client
	)
	switch cfg.Storage.Driver {
	case "memory":
		store = transaction.NewMemoryStore()
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		s, err := transaction.NewSQLiteStore(db, sqlOpts...)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		store = s
	case "mysql":
		db, err := mysql.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := applyMigrations(ctx, db); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		s, err := transaction.NewMySQLStore(db, sqlOpts...)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		store = s
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		s, err := transaction.NewRedisStore(client, cfg.Storage.Redis.KeyPrefix)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		store, rdb = s, client
	default:
		return nil, nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver)
	}
	log.Info("交易存储已就绪", slog.String("driver", cfg.Storage.Driver))
	return transaction.NewRepository(store), rdb, nil
}

// eventsRedisClient 返回事件队列使用的 Redis 客户端，优先复用存储的连接。
// owned 为 true 时由调用方关闭。
func eventsRedisClient(ctx context.Context, cfg *config.Config, shared *redis.Client) (client *redis.Client, owned bool, err error) {
	if cfg.Events.Driver != "redis" {
		return nil, false, nil
	}
	if shared != nil {
		return shared, false, nil
	}
	client, err = redisstore.NewClient(ctx, cfg.Storage.Redis)
	if err != nil {
		return nil, false, err
	}
	return client, true, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	applied, err := mysql.Migrate(ctx, db)
	if err != nil {
		return err
	}
	logger.Named("storage").Info("数据库迁移完成", slog.Any("applied", applied))
	return nil
}
