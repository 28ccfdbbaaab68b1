package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// dialect 收敛两种数据库之间的 SQL 差异。
type dialect struct {
	name         string
	driverName   string
	insertIgnore string
	upsertRating string
	upsertUser   string
}

var (
	mysqlDialect = dialect{
		name:         "mysql",
		driverName:   "mysql",
		insertIgnore: "INSERT IGNORE INTO",
		upsertRating: `INSERT INTO ratings (agent_id, user_id, score, created_at) VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE score = VALUES(score)`,
		upsertUser: `INSERT INTO users (id, telegram_id, username, first_name, wallet_address, created_at, last_seen)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE username = VALUES(username), last_seen = VALUES(last_seen)`,
	}
	sqliteDialect = dialect{
		name:         "sqlite",
		driverName:   "sqlite3",
		insertIgnore: "INSERT OR IGNORE INTO",
		upsertRating: `INSERT INTO ratings (agent_id, user_id, score, created_at) VALUES (?, ?, ?, ?)
    ON CONFLICT(agent_id, user_id) DO UPDATE SET score = excluded.score`,
		upsertUser: `INSERT INTO users (id, telegram_id, username, first_name, wallet_address, created_at, last_seen)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(telegram_id) DO UPDATE SET username = excluded.username, last_seen = excluded.last_seen`,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return mysqlDialect, nil
	case "sqlite3", "sqlite":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("不支持的 SQL 驱动: %s", driver)
	}
}

func openDatabase(ctx context.Context, d dialect, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", d.name)
	}

	db, err := sql.Open(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", d.name, err)
	}

	if d.name == sqliteDialect.name {
		// SQLite 只允许单写者，串行化连接避免 database is locked。
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", d.name, err)
	}
	return db, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
