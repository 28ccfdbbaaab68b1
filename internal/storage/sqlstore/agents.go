package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/internal/storage"
)

const agentColumns = `id, name, icon, description, color, system_prompt, tool_prices, tool_wallet, tool_chain,
    price_per_query, creator_id, creator_wallet, is_core, is_public, tags, total_queries, rating_sum, rating_count,
    created_at, updated_at`

func scanAgent(row rowScanner) (*storage.Agent, error) {
	var (
		agent     storage.Agent
		tags      string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.Icon, &agent.Description, &agent.Color, &agent.SystemPrompt,
		&agent.Capabilities.PriceData, &agent.Capabilities.WalletData, &agent.Capabilities.ChainData,
		&agent.PricePerQuery, &agent.CreatorID, &agent.CreatorWallet, &agent.IsCore, &agent.IsPublic, &tags,
		&agent.TotalQueries, &agent.RatingSum, &agent.RatingCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	agent.Tags = storage.SplitTags(tags)
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)
	return &agent, nil
}

func agentArgs(a *storage.Agent) []any {
	return []any{a.ID, a.Name, a.Icon, a.Description, a.Color, a.SystemPrompt,
		a.Capabilities.PriceData, a.Capabilities.WalletData, a.Capabilities.ChainData,
		a.PricePerQuery, a.CreatorID, a.CreatorWallet, a.IsCore, a.IsPublic, storage.JoinTags(a.Tags),
		a.TotalQueries, a.RatingSum, a.RatingCount, toMillis(a.CreatedAt), toMillis(a.UpdatedAt)}
}

func (s *Store) insertAgent(ctx context.Context, agent *storage.Agent) (bool, error) {
	if agent == nil || agent.ID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	now := s.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, s.dialect.insertIgnore+` agents (`+agentColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, agentArgs(agent)...)
	if err != nil {
		return false, storageErr(err, "写入 Agent 失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "读取写入结果失败")
	}
	return affected > 0, nil
}

// CreateAgent 实现 storage.AgentRepository。
func (s *Store) CreateAgent(ctx context.Context, agent *storage.Agent) error {
	inserted, err := s.insertAgent(ctx, agent)
	if err != nil {
		return err
	}
	if !inserted {
		return storage.ErrAgentConflict
	}
	return nil
}

// InsertAgentIfAbsent 实现 storage.AgentRepository。
func (s *Store) InsertAgentIfAbsent(ctx context.Context, agent *storage.Agent) (bool, error) {
	return s.insertAgent(ctx, agent)
}

// GetAgent 实现 storage.AgentRepository。
func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	return getAgent(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAgent(ctx context.Context, q queryRower, id string) (*storage.Agent, error) {
	agent, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAgentNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询 Agent 失败")
	}
	return agent, nil
}

// ListAgents 实现 storage.AgentRepository。
func (s *Store) ListAgents(ctx context.Context, opts ...storage.ListOption) ([]storage.Agent, error) {
	options := storage.BuildListOptions(opts)

	var (
		where []string
		args  []any
	)
	if options.CreatorID != 0 {
		where = append(where, "creator_id = ?")
		args = append(args, options.CreatorID)
	} else {
		where = append(where, "is_public = ?")
		args = append(args, true)
	}
	if options.Tag != "" {
		where = append(where, "LOWER(tags) LIKE ?")
		args = append(args, "%"+strings.ToLower(options.Tag)+"%")
	}
	args = append(args, options.Limit)

	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + orderClause(options.Sort) + ` LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询 Agent 列表失败")
	}
	defer rows.Close()

	agents := make([]storage.Agent, 0, options.Limit)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, storageErr(err, "解析 Agent 失败")
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历 Agent 列表失败")
	}
	return agents, nil
}

func orderClause(sort storage.AgentSort) string {
	switch sort {
	case storage.SortPopular:
		return "total_queries DESC, id ASC"
	case storage.SortRating:
		return "CASE WHEN rating_count > 0 THEN rating_sum * 1.0 / rating_count ELSE 0 END DESC, id ASC"
	case storage.SortNew:
		return "created_at DESC, id ASC"
	default:
		return "is_core DESC, total_queries DESC, id ASC"
	}
}

// UpdateAgent 实现 storage.AgentRepository。
func (s *Store) UpdateAgent(ctx context.Context, id string, patch storage.AgentPatch) (*storage.Agent, error) {
	var updated *storage.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		agent, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if agent.IsCore {
			return storage.ErrCoreAgentImmutable
		}
		patch.Apply(agent)
		agent.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET name = ?, icon = ?, description = ?, system_prompt = ?,
    tool_prices = ?, tool_wallet = ?, tool_chain = ?, price_per_query = ?, tags = ?, is_public = ?, updated_at = ?
    WHERE id = ? AND is_core = ?`,
			agent.Name, agent.Icon, agent.Description, agent.SystemPrompt,
			agent.Capabilities.PriceData, agent.Capabilities.WalletData, agent.Capabilities.ChainData,
			agent.PricePerQuery, storage.JoinTags(agent.Tags), agent.IsPublic, toMillis(agent.UpdatedAt),
			id, false); err != nil {
			return storageErr(err, "更新 Agent 失败")
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteAgent 实现 storage.AgentRepository。
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		agent, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if agent.IsCore {
			return storage.ErrCoreAgentImmutable
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND is_core = ?`, id, false); err != nil {
			return storageErr(err, "删除 Agent 失败")
		}
		return nil
	})
}

// IncrementQueries 实现 storage.AgentRepository。
func (s *Store) IncrementQueries(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET total_queries = total_queries + 1, updated_at = ? WHERE id = ?`,
		toMillis(s.now()), id)
	if err != nil {
		return storageErr(err, "更新查询计数失败")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return storage.ErrAgentNotFound
	}
	return nil
}

// RateAgent 实现 storage.RatingRepository。
func (s *Store) RateAgent(ctx context.Context, agentID string, userID int64, score int) (int64, int64, error) {
	if score < 1 || score > 5 {
		return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "评分必须在 1-5 之间")
	}
	var sum, count int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getAgent(ctx, tx, agentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.upsertRating, agentID, userID, score, toMillis(s.now())); err != nil {
			return storageErr(err, "写入评分失败")
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(score), 0), COUNT(*) FROM ratings WHERE agent_id = ?`, agentID).
			Scan(&sum, &count); err != nil {
			return storageErr(err, "统计评分失败")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET rating_sum = ?, rating_count = ? WHERE id = ?`, sum, count, agentID); err != nil {
			return storageErr(err, "回写评分失败")
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return sum, count, nil
}
