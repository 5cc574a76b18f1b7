package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/pkg/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const defaultCASRetries = 8

// SQLStore 把每笔交易保存为一行 JSON 文档，version 列用于乐观并发控制。
// MySQL 与 SQLite 共用同一套语句，差异只在于唯一键冲突的识别方式。
type SQLStore struct {
	db          *sql.DB
	dialect     string
	isDuplicate func(error) bool
	retries     int
	now         func() time.Time
}

// SQLOption 定义 SQLStore 的可选配置。
type SQLOption func(*SQLStore)

// WithCASRetries 设置版本冲突时的最大重试次数。
func WithCASRetries(retries int) SQLOption {
	return func(s *SQLStore) {
		if retries > 0 {
			s.retries = retries
		}
	}
}

// NewMySQLStore 基于已完成迁移的 MySQL 连接创建存储。
func NewMySQLStore(db *sql.DB, opts ...SQLOption) (*SQLStore, error) {
	return newSQLStore(db, "mysql", func(err error) bool {
		var mysqlErr *mysql.MySQLError
		return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
	}, opts...)
}

// NewSQLiteStore 基于 SQLite 连接创建存储。
func NewSQLiteStore(db *sql.DB, opts ...SQLOption) (*SQLStore, error) {
	return newSQLStore(db, "sqlite", func(err error) bool {
		var sqliteErr sqlite3.Error
		return stdErrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
	}, opts...)
}

func newSQLStore(db *sql.DB, dialect string, isDuplicate func(error) bool, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &SQLStore{
		db:          db,
		dialect:     dialect,
		isDuplicate: isDuplicate,
		retries:     defaultCASRetries,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Create 插入新的交易文档。
func (s *SQLStore) Create(ctx context.Context, tx *Transaction) error {
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

	const stmt = `INSERT INTO mech_transactions (id, owner_key, document, version, created_at, updated_at)
        VALUES (?, ?, ?, 1, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID,
		OwnerKey(tx.OwnerAddress),
		string(document),
		tx.CreatedAt.UnixNano(),
		tx.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if s.isDuplicate(err) {
			return duplicate(tx.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *SQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, _, err := s.load(ctx, id)
	return tx, err
}

func (s *SQLStore) load(ctx context.Context, id string) (*Transaction, int64, error) {
	const stmt = `SELECT document, version FROM mech_transactions WHERE id = ?`

	var document string
	var version int64
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(&document, &version); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, 0, notFound(id)
		}
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	tx, err := decodeDocument(document)
	if err != nil {
		return nil, 0, err
	}
	return tx, version, nil
}

// ListByOwner 按 created_at 倒序返回所有者的交易。
func (s *SQLStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT document FROM mech_transactions WHERE owner_key = ? ORDER BY created_at DESC, id DESC`
	args := []any{OwnerKey(owner)}
	if !opts.filtered() {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	txs := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		tx, err := decodeDocument(document)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	if opts.filtered() {
		return opts.page(txs), nil
	}
	return txs, nil
}

// Update 以 version 列做比较并交换，冲突时重新读取并重放 mutate。
func (s *SQLStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Transaction, error) {
	const stmt = `UPDATE mech_transactions SET document = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

	for attempt := 1; attempt <= s.retries; attempt++ {
		current, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.ID = id
		stampUpdate(current, s.now())

		document, err := json.Marshal(current)
		if err != nil {
			return nil, xerrors.Wrap(CodeInternal, err, "编码交易文档失败")
		}
		res, err := s.db.ExecContext(ctx, stmt, string(document), current.UpdatedAt.UnixNano(), id, version)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 1 {
			return current, nil
		}
		metrics.StoreCASRetries.WithLabelValues(s.dialect).Inc()
		logger.L().Debug("交易版本冲突，重试更新",
			slog.String("transaction_id", id),
			slog.String("dialect", s.dialect),
			slog.Int("attempt", attempt),
		)
	}
	return nil, xerrors.New(CodeConflict, fmt.Sprintf("交易 %s 并发更新冲突，重试 %d 次后放弃", id, s.retries))
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeDocument(document string) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal([]byte(document), &tx); err != nil {
		return nil, xerrors.Wrap(CodeInternal, err, "解析交易文档失败")
	}
	return &tx, nil
}

var _ Store = (*SQLStore)(nil)
