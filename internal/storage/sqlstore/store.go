package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/storage"
	"agnt-platform/pkg/logger"
)

// Store 是 storage.Store 的 SQL 实现。
type Store struct {
	db      *sql.DB
	dialect dialect
	ids     *storage.IDGenerator
	now     func() time.Time
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open 建立连接，并在 AutoMigrate 开启时执行迁移。
func Open(ctx context.Context, cfg Config, ids *storage.IDGenerator) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 SQL 存储失败")
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQL 存储失败")
	}
	store := newStore(db, d, ids)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return store, nil
}

func newStore(db *sql.DB, d dialect, ids *storage.IDGenerator) *Store {
	return &Store{
		db:      db,
		dialect: d,
		ids:     ids,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("sqlstore").With("dialect", d.name),
	}
}

// Close 关闭连接池。
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

// withTx 在事务内执行 fn，fn 返回错误时回滚。
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "提交事务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
