package transaction

import "context"

// MutateFunc 在原子的读-改-写中修改交易。返回错误时放弃本次写入。
type MutateFunc func(tx *Transaction) error

// Store 抽象了交易记录的持久化接口，每个驱动都必须保证单条记录更新的原子性。
type Store interface {
	// Create 写入新交易，ID 已存在时返回 ErrConflict。
	Create(ctx context.Context, tx *Transaction) error
	// Get 返回交易副本，不存在时返回 ErrNotFound。
	Get(ctx context.Context, id string) (*Transaction, error)
	// ListByOwner 按 created_at 倒序返回所有者的交易。
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*Transaction, error)
	// Update 对单条记录执行原子的读-改-写，并刷新 updated_at。
	Update(ctx context.Context, id string, mutate MutateFunc) (*Transaction, error)
	Close() error
}
