package redis

import (
	"context"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。URL 优先于 Address。
type Config struct {
	URL         string        `json:"url" yaml:"url"`
	Address     string        `json:"address" yaml:"address"`
	Password    string        `json:"password" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	KeyPrefix   string        `json:"key_prefix" yaml:"key_prefix"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// NewClient 创建客户端并 Ping 一次确认可用。
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

func options(cfg Config) (*redis.Options, error) {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 Redis URL 失败")
		}
		return opts, nil
	}
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	opts := &redis.Options{
		Addr:     address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return opts, nil
}
