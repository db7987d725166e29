// Package repository Command 队列相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/internal/shared/storage/dbutil"
)

const commandColumns = `id, correlation_id, terminal_id, venue_id, type, payload, priority, requires_confirmation,
	expires_at, requested_by, requested_by_name, source, status, attempts, last_attempt_at,
	result, result_message, result_payload, executed_at, created_at, updated_at`

// CreateCommand 写入一条命令
func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	query := s.rebind(`
		INSERT INTO terminal_commands (` + commandColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`)
	var result *string
	if cmd.Result != nil {
		r := string(*cmd.Result)
		result = &r
	}
	_, err := s.db.ExecContext(ctx, query,
		cmd.ID, cmd.CorrelationID, cmd.TerminalID, cmd.VenueID, string(cmd.Type), nullableJSONArg(cmd.Payload),
		cmd.Priority, cmd.RequiresConfirmation, cmd.ExpiresAt, cmd.RequestedBy, cmd.RequestedByName,
		string(cmd.Source), string(cmd.Status), cmd.Attempts, cmd.LastAttemptAt,
		result, cmd.ResultMessage, nullableJSONArg(cmd.ResultPayload), cmd.ExecutedAt,
		cmd.CreatedAt, cmd.UpdatedAt)
	if dbutil.IsUniqueViolation(err) {
		return fmt.Errorf("command %s: %w", cmd.ID, storage.ErrDuplicate)
	}
	return err
}

// GetCommand 按内部 ID 获取命令
func (s *Store) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	query := s.rebind(`SELECT ` + commandColumns + ` FROM terminal_commands WHERE id = $1`)
	return s.getCommand(ctx, query, id)
}

// GetCommandByCorrelationID 按关联 ID 获取命令
func (s *Store) GetCommandByCorrelationID(ctx context.Context, correlationID string) (*model.Command, error) {
	query := s.rebind(`SELECT ` + commandColumns + ` FROM terminal_commands WHERE correlation_id = $1`)
	return s.getCommand(ctx, query, correlationID)
}

func (s *Store) getCommand(ctx context.Context, query, arg string) (*model.Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cmd, err
}

// ListCommandsByTerminal 列出终端的命令（最新在前）
func (s *Store) ListCommandsByTerminal(ctx context.Context, terminalID string, limit int) ([]*model.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT ` + commandColumns + ` FROM terminal_commands
		WHERE terminal_id = $1 ORDER BY created_at DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// ClaimPendingCommands 领取待投递命令并标记为 SENT
//
// 选取与标记在同一条 UPDATE ... RETURNING 中完成，
// 同一终端的两次交错轮询不会拿到同一条命令。
// PostgreSQL 下子查询使用 FOR UPDATE SKIP LOCKED；SQLite 依赖单写连接。
func (s *Store) ClaimPendingCommands(ctx context.Context, terminalID string, opts storage.ClaimOptions) ([]*model.Command, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}

	args := []interface{}{opts.Now, opts.Now, terminalID, opts.Now}
	eligible := `status IN ('PENDING', 'QUEUED')`
	if !opts.RedeliverBefore.IsZero() && opts.MaxAttempts > 0 {
		eligible = `(status IN ('PENDING', 'QUEUED')
		         OR (status = 'SENT' AND last_attempt_at <= $5 AND attempts < $6))`
		args = append(args, opts.RedeliverBefore, opts.MaxAttempts)
	}
	args = append(args, opts.Limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	query := s.rebind(fmt.Sprintf(`
		UPDATE terminal_commands
		SET status = 'SENT', attempts = attempts + 1, last_attempt_at = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM terminal_commands
			WHERE terminal_id = $3
			  AND (expires_at IS NULL OR expires_at > $4)
			  AND %s
			ORDER BY priority DESC, created_at ASC
			LIMIT %s
			%s
		)
		RETURNING %s`, eligible, limitArg, s.dialect.SkipLockedClause(), commandColumns))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING 不保证顺序
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority > cmds[j].Priority
		}
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
	return cmds, nil
}

// CompleteCommand 写入确认结果，并在同一事务中应用终端状态修改
func (s *Store) CompleteCommand(ctx context.Context, c model.CommandCompletion, terminalID string, change *model.TerminalStateChange) (*model.Terminal, error) {
	var terminal *model.Terminal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`
			UPDATE terminal_commands
			SET status = $1, result = $2, result_message = $3, result_payload = $4,
			    executed_at = $5, updated_at = $6
			WHERE id = $7 AND status NOT IN ('COMPLETED', 'FAILED')`)
		res, err := tx.ExecContext(ctx, query,
			string(c.Status), string(c.Result), c.Message, nullableJSONArg(c.ResultPayload),
			c.ExecutedAt, c.ExecutedAt, c.CommandID)
		if err != nil {
			return fmt.Errorf("update command: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("command %s already finalized: %w", c.CommandID, storage.ErrConflict)
		}

		if !change.Empty() {
			if err := s.updateTerminalState(ctx, tx, terminalID, change, c.ExecutedAt); err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+terminalColumns+` FROM terminals WHERE id = $1`), terminalID)
		terminal, err = scanTerminal(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("terminal %s: %w", terminalID, storage.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return terminal, nil
}

func scanCommand(row scanner) (*model.Command, error) {
	cmd := &model.Command{}
	var payload, resultPayload NullableJSON
	var result *string
	err := row.Scan(
		&cmd.ID, &cmd.CorrelationID, &cmd.TerminalID, &cmd.VenueID, &cmd.Type, &payload.Data,
		&cmd.Priority, &cmd.RequiresConfirmation, &cmd.ExpiresAt, &cmd.RequestedBy, &cmd.RequestedByName,
		&cmd.Source, &cmd.Status, &cmd.Attempts, &cmd.LastAttemptAt,
		&result, &cmd.ResultMessage, &resultPayload.Data, &cmd.ExecutedAt,
		&cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cmd.Payload = payload.Value()
	cmd.ResultPayload = resultPayload.Value()
	if result != nil {
		r := model.CommandResult(*result)
		cmd.Result = &r
	}
	return cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*model.Command, error) {
	var cmds []*model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}
