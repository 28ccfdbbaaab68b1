package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/storage"
)

// ToggleFollow 实现 storage.FollowRepository。
func (s *Store) ToggleFollow(ctx context.Context, userID int64, agentID string) (bool, error) {
	var following bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getAgent(ctx, tx, agentID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE user_id = ? AND agent_id = ?`, userID, agentID)
		if err != nil {
			return storageErr(err, "取消关注失败")
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO follows (user_id, agent_id, created_at) VALUES (?, ?, ?)`,
			userID, agentID, toMillis(s.now())); err != nil {
			return storageErr(err, "写入关注失败")
		}
		following = true
		return nil
	})
	return following, err
}

// Followers 实现 storage.FollowRepository。
func (s *Store) Followers(ctx context.Context, agentID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM follows WHERE agent_id = ? ORDER BY user_id`, agentID)
	if err != nil {
		return nil, storageErr(err, "查询关注者失败")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err, "解析关注者失败")
		}
		out = append(out, id)
	}
	return out, storageErr(rows.Err(), "遍历关注者失败")
}

// AppendQuery 实现 storage.QueryRepository。
func (s *Store) AppendQuery(ctx context.Context, entry *storage.QueryLogEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}
	entry.ID = s.ids.Next()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO queries
    (id, agent_id, user_id, user_message, agent_response, tools_used, cost, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.UserID, entry.Message, entry.Response,
		strings.Join(entry.ToolsUsed, ","), entry.Cost, toMillis(entry.CreatedAt))
	return storageErr(err, "写入查询日志失败")
}

// PublishFeed 实现 storage.FeedRepository。
func (s *Store) PublishFeed(ctx context.Context, item *storage.FeedItem) error {
	if item == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "feed 不能为空")
	}
	item.ID = s.ids.Next()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO feed (id, agent_id, content, tools_used, source_query_id, likes, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.AgentID, item.Content, strings.Join(item.ToolsUsed, ","), item.SourceQueryID, item.Likes,
		toMillis(item.CreatedAt))
	return storageErr(err, "写入动态失败")
}

// ListFeed 实现 storage.FeedRepository。
func (s *Store) ListFeed(ctx context.Context, before time.Time, limit int) ([]storage.FeedItem, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT f.id, f.agent_id, COALESCE(a.name, ''), COALESCE(a.icon, ''), COALESCE(a.color, ''),
    f.content, f.tools_used, f.source_query_id, f.likes, f.created_at
    FROM feed f LEFT JOIN agents a ON a.id = f.agent_id`
	args := []any{}
	if !before.IsZero() {
		query += ` WHERE f.created_at < ?`
		args = append(args, toMillis(before))
	}
	query += ` ORDER BY f.created_at DESC, f.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询动态失败")
	}
	defer rows.Close()

	items := make([]storage.FeedItem, 0, limit)
	for rows.Next() {
		var (
			item      storage.FeedItem
			tools     string
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.AgentID, &item.AgentName, &item.AgentIcon, &item.AgentColor,
			&item.Content, &tools, &item.SourceQueryID, &item.Likes, &createdAt); err != nil {
			return nil, storageErr(err, "解析动态失败")
		}
		item.ToolsUsed = storage.SplitTags(tools)
		item.CreatedAt = fromMillis(createdAt)
		items = append(items, item)
	}
	return items, storageErr(rows.Err(), "遍历动态失败")
}

// LikeFeed 实现 storage.FeedRepository。
func (s *Store) LikeFeed(ctx context.Context, id int64) (int64, error) {
	var likes int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE feed SET likes = likes + 1 WHERE id = ?`, id)
		if err != nil {
			return storageErr(err, "点赞失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return storage.ErrFeedItemNotFound
		}
		if err := tx.QueryRowContext(ctx, `SELECT likes FROM feed WHERE id = ?`, id).Scan(&likes); err != nil {
			return storageErr(err, "读取点赞数失败")
		}
		return nil
	})
	return likes, err
}

// AppendMemory 实现 storage.MemoryRepository。
func (s *Store) AppendMemory(ctx context.Context, entry *storage.MemoryEntry, keep int) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "memory 不能为空")
	}
	entry.ID = s.ids.Next()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memories (id, agent_id, user_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			entry.ID, entry.AgentID, entry.UserID, entry.Content, toMillis(entry.CreatedAt)); err != nil {
			return storageErr(err, "写入记忆失败")
		}
		if keep <= 0 {
			return nil
		}
		stale, err := staleMemoryIDs(ctx, tx, entry.AgentID, entry.UserID, keep)
		if err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
				return storageErr(err, "清理旧记忆失败")
			}
		}
		return nil
	})
}

// staleMemoryIDs 返回超出保留数量的记忆 ID。snowflake ID 随时间递增，按 ID 倒序即按时间倒序。
func staleMemoryIDs(ctx context.Context, tx *sql.Tx, agentID string, userID int64, keep int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM memories WHERE agent_id = ? AND user_id = ? ORDER BY id DESC`, agentID, userID)
	if err != nil {
		return nil, storageErr(err, "查询记忆失败")
	}
	defer rows.Close()

	var (
		stale []int64
		seen  int
	)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err, "解析记忆失败")
		}
		seen++
		if seen > keep {
			stale = append(stale, id)
		}
	}
	return stale, storageErr(rows.Err(), "遍历记忆失败")
}

// RecentMemories 实现 storage.MemoryRepository。
func (s *Store) RecentMemories(ctx context.Context, agentID string, userID int64, limit int) ([]storage.MemoryEntry, error) {
	query := `SELECT id, agent_id, user_id, content, created_at FROM memories
    WHERE agent_id = ? AND user_id = ? ORDER BY id DESC`
	args := []any{agentID, userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询记忆失败")
	}
	defer rows.Close()

	var out []storage.MemoryEntry
	for rows.Next() {
		var (
			entry     storage.MemoryEntry
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.UserID, &entry.Content, &createdAt); err != nil {
			return nil, storageErr(err, "解析记忆失败")
		}
		entry.CreatedAt = fromMillis(createdAt)
		out = append(out, entry)
	}
	return out, storageErr(rows.Err(), "遍历记忆失败")
}

// UpsertUser 实现 storage.UserRepository，按 TelegramID 去重，已存在时只刷新用户名与活跃时间。
func (s *Store) UpsertUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user == nil || strings.TrimSpace(user.TelegramID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "telegram_id 不能为空")
	}
	now := toMillis(s.now())
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertUser, s.ids.Next(), user.TelegramID, user.Username,
		user.FirstName, user.WalletAddress, now, now); err != nil {
		return nil, storageErr(err, "写入用户失败")
	}
	stored, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, user.TelegramID))
	if err != nil {
		return nil, storageErr(err, "查询用户失败")
	}
	return stored, nil
}

const userColumns = `id, telegram_id, username, first_name, wallet_address, created_at, last_seen`

func scanUser(row rowScanner) (*storage.User, error) {
	var (
		user      storage.User
		createdAt int64
		lastSeen  int64
	)
	if err := row.Scan(&user.ID, &user.TelegramID, &user.Username, &user.FirstName, &user.WalletAddress,
		&createdAt, &lastSeen); err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	user.LastSeen = fromMillis(lastSeen)
	return &user, nil
}

// GetProfile 实现 storage.UserRepository。
func (s *Store) GetProfile(ctx context.Context, userID int64) (*storage.Profile, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询用户失败")
	}
	profile := &storage.Profile{User: *user}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE creator_id = ?`, userID).Scan(&profile.AgentsCreated); err != nil {
		return nil, storageErr(err, "统计创建的 Agent 失败")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries WHERE user_id = ?`, userID).Scan(&profile.TotalQueries); err != nil {
		return nil, storageErr(err, "统计查询次数失败")
	}
	return profile, nil
}

// Stats 实现 storage.UserRepository。
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&stats.Agents); err != nil {
		return stats, storageErr(err, "统计 Agent 失败")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.Users); err != nil {
		return stats, storageErr(err, "统计用户失败")
	}
	return stats, nil
}
