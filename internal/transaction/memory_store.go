package transaction

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易，主要用于测试和单进程部署。
// 记录级互斥锁保证同一交易的读-改-写串行执行，不同交易互不阻塞。
type MemoryStore struct {
	mu    sync.RWMutex
	txs   map[string]*Transaction
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return duplicate(tx.ID)
	}
	stampCreate(tx, m.now())
	m.txs[tx.ID] = tx.Clone()
	m.locks[tx.ID] = &sync.Mutex{}
	return nil
}

// Get 返回交易副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, notFound(id)
	}
	return tx.Clone(), nil
}

// ListByOwner 返回所有者的交易，最新创建的在前。
func (m *MemoryStore) ListByOwner(_ context.Context, owner string, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()
	key := OwnerKey(owner)

	m.mu.RLock()
	matched := make([]*Transaction, 0)
	for _, tx := range m.txs {
		if OwnerKey(tx.OwnerAddress) == key {
			matched = append(matched, tx.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(matched)
	return opts.page(matched), nil
}

// Update 在记录锁内执行 mutate，失败时不修改存储中的数据。
func (m *MemoryStore) Update(_ context.Context, id string, mutate MutateFunc) (*Transaction, error) {
	m.mu.RLock()
	lock, ok := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	current := m.txs[id].Clone()
	m.mu.RUnlock()

	if err := mutate(current); err != nil {
		return nil, err
	}
	current.ID = id
	stampUpdate(current, m.now())

	m.mu.Lock()
	m.txs[id] = current.Clone()
	m.mu.Unlock()
	return current, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// stampCreate 初始化时间戳，created_at 由调用方指定时保留。
func stampCreate(tx *Transaction, now time.Time) {
	now = now.UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
}

// stampUpdate 保证 updated_at 在每次写入后严格前进。
func stampUpdate(tx *Transaction, now time.Time) {
	now = now.UTC()
	if !now.After(tx.UpdatedAt) {
		now = tx.UpdatedAt.Add(time.Microsecond)
	}
	tx.UpdatedAt = now
}

func sortNewestFirst(items []*Transaction) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
